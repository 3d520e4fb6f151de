package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/arborio/durably/durably"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var passwordPattern = regexp.MustCompile(`(?i)password\s*=\s*[^\s]+`)

// resolveDBURL resolves the database URL from flag, config file, or
// environment variable, in that order of precedence.
func resolveDBURL() (string, error) {
	if dbURL != "" {
		return dbURL, nil
	}
	if viper.IsSet("database_url") {
		return viper.GetString("database_url"), nil
	}
	if envURL := os.Getenv("DURABLY_DATABASE_URL"); envURL != "" {
		return envURL, nil
	}
	return "", fmt.Errorf("missing database URL: set --db-url, durably.yaml's database_url, or DURABLY_DATABASE_URL")
}

func maskPassword(connStr string) string {
	return passwordPattern.ReplaceAllString(connStr, "password=***")
}

// newContext creates a DBOSContext bound to the resolved database URL,
// quiet by default since the CLI's own logger already reports progress.
func newContext(ctx context.Context) (durably.DBOSContext, error) {
	url, err := resolveDBURL()
	if err != nil {
		return nil, err
	}
	logger.Debug("using database url", zap.String("url", maskPassword(url)))

	cfg := durably.Config{
		DatabaseURL: url,
		AppName:     "durablyctl",
		Logger:      logger,
	}
	if schema != "" {
		cfg.SchemaName = schema
	}
	return durably.NewDBOSContext(ctx, cfg)
}

func outputJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func confirmAction(prompt string) bool {
	fmt.Printf("%s (y/N): ", prompt)
	var response string
	_, _ = fmt.Scanln(&response)
	return response == "y" || response == "Y" || response == "yes" || response == "Yes"
}
