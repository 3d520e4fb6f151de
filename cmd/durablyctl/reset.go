package main

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var skipConfirmation bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the durably system database",
	RunE:  runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&skipConfirmation, "yes", "y", false, "Skip the confirmation prompt")
}

func runReset(cmd *cobra.Command, args []string) error {
	if !skipConfirmation {
		prompt := "This resets the durably system database, deleting metadata about past workflows and steps. Continue?"
		if !confirmAction(prompt) {
			logger.Info("operation cancelled")
			return nil
		}
	}

	dbURL, err := resolveDBURL()
	if err != nil {
		return err
	}

	parsedURL, err := url.Parse(dbURL)
	if err != nil {
		return fmt.Errorf("invalid database URL: %w", err)
	}

	dbName := parsedURL.Path
	if len(dbName) > 0 && dbName[0] == '/' {
		dbName = dbName[1:]
	}
	if dbName == "" {
		return fmt.Errorf("database name is required in the URL")
	}

	parsedURL.Path = "/postgres"
	db, err := sql.Open("pgx", parsedURL.String())
	if err != nil {
		return fmt.Errorf("connect to postgres database: %w", err)
	}
	defer db.Close()

	logger.Info("resetting system database", zap.String("database", dbName))
	if _, err := db.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName)); err != nil {
		return fmt.Errorf("drop system database: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName)); err != nil {
		return fmt.Errorf("create system database: %w", err)
	}

	logger.Info("system database reset", zap.String("database", dbName))
	return nil
}
