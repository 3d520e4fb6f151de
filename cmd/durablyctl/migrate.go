package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var applicationRole string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the durably system tables",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().StringVarP(&applicationRole, "app-role", "r", "", "Role to grant schema permissions to after migrating")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	dc, err := newContext(ctx)
	if err != nil {
		return err
	}
	defer dc.Shutdown(5 * time.Second)

	if applicationRole != "" {
		url, err := resolveDBURL()
		if err != nil {
			return err
		}
		if err := grantSchemaPermissions(url, applicationRole); err != nil {
			return err
		}
	}

	logger.Info("durably system tables migrated")
	return nil
}

func grantSchemaPermissions(databaseURL, roleName string) error {
	logger.Info("granting permissions on durably schema", zap.String("role", roleName))

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schemaName := schema
	if schemaName == "" {
		schemaName = "durably"
	}

	queries := []string{
		fmt.Sprintf(`GRANT USAGE ON SCHEMA %s TO %q`, schemaName, roleName),
		fmt.Sprintf(`GRANT ALL PRIVILEGES ON ALL TABLES IN SCHEMA %s TO %q`, schemaName, roleName),
		fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT ALL ON TABLES TO %q`, schemaName, roleName),
	}
	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("grant permissions: %w", err)
		}
	}
	return nil
}
