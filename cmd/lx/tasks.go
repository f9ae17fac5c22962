package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lexline/internal/config"
	"lexline/internal/domain"
	"lexline/internal/durable"
	"lexline/internal/engine"
	"lexline/internal/orchestrator"
	"lexline/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Submit and inspect tasks"}
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskTypesCmd())
	return task
}

func taskSubmitCmd() *cobra.Command {
	var (
		id, taskType, input, taskContext string
		priority                         int
		targets                          []string
		runDurable                       bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task and wait for every subtask",
		Example: `  lx task submit --type contract_analysis --input @contract.json
  lx task submit --type compliance --input '{"document":{"id":"nda-3","content":"..."},"jurisdiction":"EU-GDPR"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.SubmitOptions{
				ID:       id,
				Type:     taskType,
				Priority: priority,
				ActorID:  actorID(),
				Targets:  targets,
			}
			if err := jsonArg(input, &opts.Input); err != nil {
				return fmt.Errorf("--input: %w", err)
			}
			if err := jsonArg(taskContext, &opts.Context); err != nil {
				return fmt.Errorf("--context: %w", err)
			}
			var engOpts []engine.Option
			if runDurable {
				cfg, err := config.LoadOptional(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				c, err := durable.Dial(cfg, newLogger())
				if err != nil {
					return err
				}
				defer c.Close()
				engOpts = append(engOpts, engine.WithDispatcher(durable.Dispatcher{
					Client:    c,
					TaskQueue: durable.TaskQueue(cfg),
					Timeout:   cfg.SubtaskTimeout(),
				}))
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SubmitTask(ctx, opts)
				var failed *orchestrator.FailedError
				if err != nil && !errors.As(err, &failed) {
					return err
				}
				if perr := printTaskResult(res); perr != nil {
					return perr
				}
				return err
			}, engOpts...)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&taskType, "type", "", "task type or capability name")
	cmd.Flags().StringVar(&input, "input", "", "input JSON, @file or - for stdin")
	cmd.Flags().StringVar(&taskContext, "context", "", "context JSON or @file")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "notification target (repeatable)")
	cmd.Flags().BoolVar(&runDurable, "durable", false, "run subtasks through the Temporal worker")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task and its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetTask(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				printSubtasks(view.Task, view.Subtasks)
				return nil
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f, actorID())
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max tasks")
	return cmd
}

func taskTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List task types and the capabilities they fan out to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			workflows, err := orchestrator.WorkflowsFromConfig(cfg.Workflows)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(workflows)
			}
			tw := newTable(table.Row{"Type", "Capabilities"})
			for _, typ := range workflows.Types() {
				names := make([]string, len(workflows[typ]))
				for i, c := range workflows[typ] {
					names[i] = string(c)
				}
				tw.AppendRow(table.Row{typ, strings.Join(names, ", ")})
			}
			tw.Render()
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	var (
		docID, docType, content, file, jurisdiction, evalContext string
		targets                                                  []string
		dryRun                                                   bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check a document against the active rules of a jurisdiction",
		Example: `  lx check --document-id nda-3 --type contract --file nda.txt --jurisdiction EU-GDPR
  lx check --document-id nda-3 --content "..." --jurisdiction EU-GDPR --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				content = string(b)
			}
			doc := domain.Document{ID: docID, Type: docType, Content: content}
			var ctxMap map[string]any
			if err := jsonArg(evalContext, &ctxMap); err != nil {
				return fmt.Errorf("--context: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if dryRun {
					results, err := e.EvaluateDocument(ctx, doc, jurisdiction, ctxMap, actorID())
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(results)
					}
					printResults(results)
					return nil
				}
				check, err := e.CheckCompliance(ctx, engine.CheckOptions{
					Document:     doc,
					Jurisdiction: jurisdiction,
					Context:      ctxMap,
					ActorID:      actorID(),
					Targets:      targets,
				})
				if err != nil {
					return err
				}
				return printCheck(check)
			})
		},
	}
	cmd.Flags().StringVar(&docID, "document-id", "", "document id")
	cmd.Flags().StringVar(&docType, "type", "", "document type")
	cmd.Flags().StringVar(&content, "content", "", "document content")
	cmd.Flags().StringVar(&file, "file", "", "read content from file")
	cmd.Flags().StringVar(&jurisdiction, "jurisdiction", "", "jurisdiction")
	cmd.Flags().StringVar(&evalContext, "context", "", "evaluation context JSON or @file")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "notification target (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate without recording a check")
	_ = cmd.MarkFlagRequired("document-id")
	_ = cmd.MarkFlagRequired("jurisdiction")
	return cmd
}
