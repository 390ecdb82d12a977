// Package db implements the database commands: migrate and doctor.
package db

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/arazzo/internal/commands/shared"
	"github.com/tombee/arazzo/internal/config"
	"github.com/tombee/arazzo/internal/secrets"
	"github.com/tombee/arazzo/internal/store"
)

// NewMigrateCommand applies pending schema migrations.
func NewMigrateCommand() *cobra.Command {
	cfg := &config.Exec{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := cfg.DatabaseURL()
			if url == "" {
				return shared.RuntimeErr(fmt.Errorf("no store configured: set --store, ARAZZO_DATABASE_URL, or DATABASE_URL"))
			}
			if err := store.Migrate(url); err != nil {
				return shared.RuntimeErr(err)
			}
			version, err := store.MigrationStatus(url)
			if err != nil {
				return shared.RuntimeErr(err)
			}
			fmt.Printf("database is at migration version %d\n", version)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.StoreURL, "store", "", "postgres store URL")
	return cmd
}

// NewDoctorCommand checks database connectivity, migration status, and
// secret-provider availability.
func NewDoctorCommand() *cobra.Command {
	cfg := &config.Exec{}

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the runner's environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := false
			report := func(name string, err error) {
				if err != nil {
					failed = true
					fmt.Printf("FAIL  %-22s %v\n", name, err)
					return
				}
				fmt.Printf("ok    %s\n", name)
			}

			url := cfg.DatabaseURL()
			if url == "" {
				fmt.Println("skip  database (no store configured)")
			} else {
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				defer cancel()
				st, err := store.Open(ctx, url)
				report("database connectivity", err)
				if err == nil {
					st.Close()
					version, err := store.MigrationStatus(url)
					if err == nil {
						fmt.Printf("ok    migrations (version %d)\n", version)
					} else {
						report("migrations", err)
					}
				}
			}

			resolver := secrets.NewResolver(secrets.NewEnvProvider())
			probe := "ARAZZO_DOCTOR_PROBE"
			os.Setenv(probe, "ok")
			_, err := resolver.Resolve(cmd.Context(), "env://"+probe)
			os.Unsetenv(probe)
			report("secrets (env provider)", err)

			if failed {
				return &shared.ExitError{Code: shared.ExitRuntime}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.StoreURL, "store", "", "postgres store URL")
	return cmd
}
