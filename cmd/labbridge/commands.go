package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehr/labbridge/internal/domain/integration"
	"github.com/ehr/labbridge/internal/platform/db"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	source := func(dir string) fs.FS {
		if dir == "" {
			return db.Migrations()
		}
		return os.DirFS(dir)
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				migrator := db.NewMigrator(a.pool, source(dir), schema)
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

				count, err := migrator.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the built-in set")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				statuses, err := db.NewMigrator(a.pool, source(dir), schema).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the built-in set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func integrationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integration",
		Short: "Manage laboratory integrations",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Create or update integrations from a YAML manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			m, err := integration.ParseManifest(data)
			if err != nil {
				return err
			}
			if dryRun {
				return printManifest(cmd.OutOrStdout(), m)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				results, err := a.integrations.ApplyManifest(ctx, m, os.LookupEnv)
				printResults(cmd.OutOrStdout(), results)
				return err
			})
		},
	}
	importCmd.Flags().StringP("file", "f", "", "Path to the manifest")
	importCmd.Flags().Bool("dry-run", false, "Validate the manifest without touching the database")
	cmd.AddCommand(importCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "test <id|name>",
		Short: "Probe an integration's peer and record the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				id, err := resolveIntegration(ctx, a.integrations, args[0])
				if err != nil {
					return err
				}
				res, err := a.integrations.TestConnection(ctx, id)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("connection test failed: %s", res.Message)
				}
				return nil
			})
		},
	})

	return cmd
}

func messagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Maintain the message audit log",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete entries older than MESSAGE_RETENTION_DAYS",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				n, err := a.messages.PurgeExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d message(s) older than %d day(s).\n", n, a.cfg.MessageRetentionDays)
				return nil
			})
		},
	})
	return cmd
}

type integrationLookup interface {
	GetByName(ctx context.Context, name string) (*integration.Config, error)
}

// resolveIntegration accepts an integration id or its name.
func resolveIntegration(ctx context.Context, s integrationLookup, ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}
	c, err := s.GetByName(ctx, ref)
	if err != nil {
		return uuid.Nil, err
	}
	return c.ID, nil
}

func printManifest(w io.Writer, m *integration.Manifest) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTRANSPORT\tSTATUS\tSECRETS\tMAPPINGS")
	for _, e := range m.Integrations {
		c := *e.Config
		c.ApplyDefaults()
		if err := c.Validate(); err != nil {
			tw.Flush()
			return fmt.Errorf("integration %q: %w", c.Name, err)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", c.Name, c.Transport, c.Status, len(e.CredentialsEnv), len(e.Mappings))
	}
	return tw.Flush()
}

func printResults(w io.Writer, results []integration.ApplyResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tID\tACTION\tSECRETS\tMAPPINGS")
	for _, r := range results {
		action := "updated"
		if r.Created {
			action = "created"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t+%d ~%d\n", r.Name, r.ID, action, r.Credentials, r.MappingsCreated, r.MappingsUpdated)
	}
	tw.Flush()
}
