package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/mpi/internal/config"
	"github.com/ehr/mpi/internal/domain/mpi"
	"github.com/ehr/mpi/internal/platform/db"
	"github.com/ehr/mpi/migrations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mpi-server",
		Short:        "Patient duplicate detection and merge service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(detectCmd())
	root.AddCommand(mergeCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func migrationsFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema of a tenant",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Create the tenant schema if needed and apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, be *backend) error {
				migrator := db.NewMigrator(be.pool, migrationsFS(cfg.MigrationsDir))
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", db.SchemaName(tenant))
				if err := db.CreateTenantSchema(ctx, be.pool, tenant, migrator); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
				return nil
			})
		},
	}
	upCmd.Flags().String("tenant", "default", "Tenant whose schema is migrated")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, be *backend) error {
				migrator := db.NewMigrator(be.pool, migrationsFS(cfg.MigrationsDir))
				statuses, err := migrator.Status(ctx, db.SchemaName(tenant))
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), db.SchemaName(tenant), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("tenant", "default", "Tenant whose schema is inspected")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// withPool runs fn against the Postgres backend. The embedded SQLite store
// creates its schema on open and has nothing to migrate.
func withPool(ctx context.Context, fn func(context.Context, *config.Config, *backend) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StorageDriver != config.DriverPostgres {
		return fmt.Errorf("migrations apply to STORAGE_DRIVER=%s only; the %s store creates its schema on open",
			config.DriverPostgres, cfg.StorageDriver)
	}
	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()
	return fn(ctx, cfg, be)
}

// withService opens the configured backend scoped to tenant and builds the
// detection and merge service. CLI logs go to stderr so stdout stays JSON.
func withService(ctx context.Context, tenant string, fn func(context.Context, *config.Config, *mpi.Service) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.MatchOptions().Validate(); err != nil {
		return err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	ctx, release, err := be.tenantContext(ctx, tenant)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx, cfg, mpi.NewService(be.store, cfg.MatchOptions(), logger, nil))
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func detectCmd() *cobra.Command {
	var (
		filter    mpi.Filter
		tenant    string
		threshold float64
		exact     bool
		order     string
	)
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Find duplicate patient groups and print them as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), tenant, func(ctx context.Context, cfg *config.Config, svc *mpi.Service) error {
				opts := svc.Options()
				if cmd.Flags().Changed("threshold") {
					opts.Threshold = threshold
				}
				if cmd.Flags().Changed("exact") {
					opts.ExactIdentifierOnly = exact
				}
				if order != "" {
					opts.Ranking = mpi.RankOrder(order)
				}
				if err := opts.Validate(); err != nil {
					return err
				}
				groups, err := svc.DetectDuplicatesWithOptions(ctx, filter, opts)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), groups)
			})
		},
	}
	cmd.Flags().StringVar(&filter.Search, "search", "", "Substring of first name, last name or identifier")
	cmd.Flags().StringVar(&filter.Identifier, "identifier", "", "Exact identifier (MRN)")
	cmd.Flags().StringVar(&filter.LastName, "last-name", "", "Last name, case-insensitive")
	cmd.Flags().StringVar(&filter.BirthDate, "birth-date", "", "Birth date, YYYY-MM-DD")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "Maximum number of patients to compare (0 for all)")
	cmd.Flags().Float64Var(&threshold, "threshold", mpi.DefaultThreshold, "Minimum score for a duplicate pair")
	cmd.Flags().BoolVar(&exact, "exact", false, "Only pair patients sharing an identifier")
	cmd.Flags().StringVar(&order, "order", "", "Ranking: score or group")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant (defaults to DEFAULT_TENANT)")
	return cmd
}

func mergeCmd() *cobra.Command {
	var (
		master     string
		duplicates []string
		tenant     string
		preview    bool
	)
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge duplicate patients into a master record",
		RunE: func(cmd *cobra.Command, args []string) error {
			masterID, dupIDs, err := parseMergeIDs(master, duplicates)
			if err != nil {
				return err
			}
			return withService(cmd.Context(), tenant, func(ctx context.Context, cfg *config.Config, svc *mpi.Service) error {
				var result *mpi.MergeResult
				if preview {
					result, err = svc.PreviewMerge(ctx, masterID, dupIDs)
				} else {
					result, err = svc.MergePatients(ctx, masterID, dupIDs)
				}
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&master, "master", "", "Master patient id")
	cmd.Flags().StringSliceVar(&duplicates, "duplicate", nil, "Duplicate patient id (repeatable)")
	cmd.Flags().BoolVar(&preview, "preview", false, "Report what would change without writing")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant (defaults to DEFAULT_TENANT)")
	_ = cmd.MarkFlagRequired("master")
	_ = cmd.MarkFlagRequired("duplicate")
	return cmd
}

func parseMergeIDs(master string, duplicates []string) (uuid.UUID, []uuid.UUID, error) {
	masterID, err := uuid.Parse(master)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("invalid --master %q: %w", master, err)
	}
	ids := make([]uuid.UUID, 0, len(duplicates))
	for _, d := range duplicates {
		id, err := uuid.Parse(d)
		if err != nil {
			return uuid.Nil, nil, fmt.Errorf("invalid --duplicate %q: %w", d, err)
		}
		ids = append(ids, id)
	}
	return masterID, ids, nil
}
