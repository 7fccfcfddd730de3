// Command settlement runs the transaction settlement service and its
// operator tooling.
//
//	settlement serve               HTTP API, dispatch consumers, retry promoter
//	settlement dlq list            dead letters as JSON lines
//	settlement dispatch <id>       re-enqueue a pending transaction
//
// Configuration comes from the environment, optionally seeded from a .env
// file in the working directory.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-settlement-backend/internal/config"
	"github.com/tbourn/go-settlement-backend/internal/sysutil"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// @title       Settlement API
// @version     1.0
// @description Idempotent transaction intake, asynchronous settlement and account balances.
// @BasePath    /api/v1
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFile string
		cfg     config.Config
	)

	root := &cobra.Command{
		Use:           "settlement",
		Short:         "Transaction settlement service",
		Version:       version(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			c, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			cfg = c
			sysutil.SetupLogging(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	conf := func() config.Config { return cfg }
	root.AddCommand(serveCmd(conf))
	root.AddCommand(dlqCmd(conf))
	root.AddCommand(dispatchCmd(conf))
	return root
}

// loadEnvFile applies path to the environment without overriding variables
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func version() string {
	return sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), Version)
}
