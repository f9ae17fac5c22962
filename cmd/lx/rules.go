package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lexline/internal/audit"
	"lexline/internal/engine"
)

func rulesCmd() *cobra.Command {
	rules := &cobra.Command{Use: "rules", Short: "Publish and inspect compliance rules"}
	rules.AddCommand(rulesImportCmd())
	rules.AddCommand(rulesListCmd())
	rules.AddCommand(rulesVersionsCmd())
	return rules
}

func rulesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <path>...",
		Short: "Publish rules from YAML files, Go rule packs or directories",
		Long:  "Each rule found becomes a new version of its id. Paths may be .yml/.yaml files, .go rule packs exposing RuleDefinitions, or directories of both.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				published, err := e.ImportRules(ctx, args, actorID())
				if err != nil {
					return err
				}
				return printRules(published)
			})
		},
	}
}

func rulesListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRules(ctx, actorID(), all)
				if err != nil {
					return err
				}
				return printRules(items)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include superseded versions")
	return cmd
}

func rulesVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <rule-id>",
		Short: "List every version of a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.RuleVersions(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printRules(items)
			})
		},
	}
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Read and verify audit trails"}
	a.AddCommand(auditTrailCmd())
	a.AddCommand(auditVerifyCmd())
	a.AddCommand(auditResourcesCmd())
	return a
}

func parseTime(flag, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be RFC3339: %w", flag, err)
	}
	return t, nil
}

func auditTrailCmd() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:     "trail <resource-id>",
		Short:   "Show the audit events of a resource",
		Example: "  lx audit trail document:nda-3 --start 2026-01-01T00:00:00Z",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var w audit.Window
			var err error
			if w.Start, err = parseTime("start", start); err != nil {
				return err
			}
			if w.End, err = parseTime("end", end); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				trail, err := e.Trail(ctx, args[0], w, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(trail)
				}
				fmt.Printf("%s: %d events, terminal hash %s\n", trail.ResourceID, trail.Length, trail.TerminalHash)
				tw := newTable(table.Row{"Seq", "Event", "Actor", "Timestamp", "Chain hash"})
				for _, evt := range trail.Events {
					tw.AppendRow(table.Row{evt.Seq, evt.EventType, evt.ActorID, evt.Timestamp, shortHash(evt.ChainHash)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "only events at or after (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "only events at or before (RFC3339)")
	return cmd
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func auditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <resource-id>",
		Short: "Recompute a resource's hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				err := e.Verify(ctx, args[0], actorID())
				if viper.GetBool("json") {
					out := map[string]any{"resource_id": args[0], "valid": err == nil}
					if err != nil {
						out["error"] = err.Error()
					}
					if perr := printJSON(out); perr != nil {
						return perr
					}
					return err
				}
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", args[0], statusOK.Render("intact"))
				return nil
			})
		},
	}
}

func auditResourcesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "List resources that have audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.AuditResources(ctx, actorID(), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ids)
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max resources")
	return cmd
}

func notificationsCmd() *cobra.Command {
	n := &cobra.Command{Use: "notifications", Short: "Read notifications addressed to the actor"}
	n.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List unread notifications, broadcasts included",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Notifications(ctx, actorID())
				if err != nil {
					return err
				}
				return printNotifications(items)
			})
		},
	})
	n.AddCommand(&cobra.Command{
		Use:   "read <notification-id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.MarkRead(ctx, args[0], actorID())
			})
		},
	})
	return n
}
