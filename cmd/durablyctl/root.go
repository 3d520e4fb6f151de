package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	dbURL   string
	schema  string
	verbose bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "durablyctl",
	Short: "Operate a durably application's system database",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initConfig()
		initLogger(verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "PostgreSQL connection string for the system database")
	rootCmd.PersistentFlags().StringVar(&schema, "schema", "", "System database schema name (defaults to \"durably\")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(postgresCmd)
}

func initConfig() {
	viper.SetConfigName("durably")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig()
	expandEnvVarsInConfig()
}

// expandEnvVarsInConfig expands ${VAR} references in every string value
// loaded from the config file, the way the teacher's CLI lets secrets live
// outside durably.yaml.
func expandEnvVarsInConfig() {
	for _, key := range viper.AllKeys() {
		if s, ok := viper.Get(key).(string); ok && strings.Contains(s, "$") {
			viper.Set(key, os.ExpandEnv(s))
		}
	}
}

func initLogger(debug bool) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}
	built, err := cfg.Build()
	if err != nil {
		built = zap.NewNop()
	}
	logger = built
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
