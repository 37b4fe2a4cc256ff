package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account/internal/config"
	"github.com/ovaphlow/pitchfork/service-account/pkg/utilities"
)

var envFile string

// NewRootCmd creates the root command for the account CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "User account service: sign-up, sign-in, verification and password reset",
		PersistentPreRun: func(*cobra.Command, []string) {
			// best-effort: real env wins over the file
			if envFile != "" {
				config.LoadDotEnv(envFile)
			} else {
				config.LoadDotEnv()
			}
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default .env)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewEnsureSchemaCmd())
	return cmd
}

func newLogger() (*zap.Logger, error) {
	return utilities.Init(utilities.ConfigFromEnv())
}
