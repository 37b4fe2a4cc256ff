package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	userrepo "github.com/ovaphlow/pitchfork/service-account/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-account/pkg/database"
)

// NewEnsureSchemaCmd creates the ensure-schema subcommand.
func NewEnsureSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-schema",
		Short: "Create the users table if it does not exist",
		RunE:  runEnsureSchema,
	}
}

func runEnsureSchema(cmd *cobra.Command, _ []string) error {
	db, err := database.Open(database.ConfigFromEnv())
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer db.Close()

	if err := userrepo.NewUserRepo(db, nil).EnsureTable(cmd.Context()); err != nil {
		return oops.Code("SCHEMA_FAILED").With("operation", "ensure users table").Wrap(err)
	}
	cmd.Println("users table ready")
	return nil
}
