package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clinicdoc/voicedoc/internal/config"
	"github.com/clinicdoc/voicedoc/internal/domain/terminology"
	"github.com/clinicdoc/voicedoc/internal/platform/db"
	"github.com/clinicdoc/voicedoc/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "voicedoc-server",
		Short: "Clinical voice documentation API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(codesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the voice documentation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openMigrator loads config and opens the configured store. The returned
// close func releases the connection.
func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if st.pool != nil {
		return db.NewMigrator(st.pool, migrations.Postgres()), st.Close, nil
	}
	return db.NewSQLiteMigrator(st.sqlite, migrations.SQLite()), st.Close, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeStore, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeStore, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func codesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Manage the code-lookup reference data",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Load the built-in ICD-10 codes and vocabulary into PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != "postgres" {
				return fmt.Errorf("codes seed requires STORE_DRIVER=postgres")
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := terminology.SeedPG(ctx, pool)
			if err != nil {
				return err
			}
			fmt.Printf("Inserted %d reference row(s).\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Index the built-in ICD-10 codes into Typesense",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.TypesenseURL == "" {
				return fmt.Errorf("TYPESENSE_URL is required")
			}
			ctx := context.Background()
			ts := terminology.NewTypesenseSearcher(cfg.TypesenseURL, cfg.TypesenseAPIKey, cfg.TypesenseCollection)
			if err := ts.EnsureCollection(ctx); err != nil {
				return err
			}
			n, err := ts.IndexCodes(ctx, terminology.DefaultICD10(), terminology.DefaultTerms())
			if err != nil {
				return err
			}
			fmt.Printf("Indexed %d code(s) into %s.\n", n, cfg.TypesenseCollection)
			return nil
		},
	})

	return cmd
}
