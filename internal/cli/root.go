// Package cli defines the command tree. Process wiring lives in main; the
// commands only parse flags and delegate.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ronappleton/growth-orchestrator/internal/definitions"
	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

// Campaigns is the engine surface driven by the workflow commands.
type Campaigns interface {
	Start(ctx context.Context, accountID string, accountData map[string]any, workflowType string) (*workflow.Instance, error)
	Stop(ctx context.Context, accountID string) (*workflow.Instance, error)
	Pause(ctx context.Context, accountID string) (*workflow.Instance, error)
	Resume(ctx context.Context, accountID string) (*workflow.Instance, error)
}

// Runner holds the entry points the commands delegate to. Control opens the
// engine against the configured store, runs fn and shuts it down again.
type Runner struct {
	Serve   func(configPath string) error
	Recover func(ctx context.Context, configPath string) (int, error)
	Control func(ctx context.Context, configPath string, fn func(context.Context, Campaigns) error) error
}

func NewRootCommand(r Runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "growth-orchestrator",
		Short:         "Durable workflow engine for account growth campaigns",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", "config.yaml", "Path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with its operator endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return r.Serve(configPath)
		},
	}
	cmd.RunE = serve.RunE

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			n, err := r.Recover(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d workflow(s)\n", n)
			return nil
		},
	}

	cmd.AddCommand(serve, recoverCmd, newDefinitionsCommand())
	cmd.AddCommand(newWorkflowCommands(r)...)
	return cmd
}

// newWorkflowCommands drive a single account's workflow. Steps they schedule
// are executed by a serving process sharing the same database.
func newWorkflowCommands(r Runner) []*cobra.Command {
	control := func(cmd *cobra.Command, fn func(context.Context, Campaigns) (*workflow.Instance, error)) error {
		configPath, _ := cmd.Flags().GetString("config")
		return r.Control(cmd.Context(), configPath, func(ctx context.Context, c Campaigns) error {
			inst, err := fn(ctx, c)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", inst.AccountID, inst.ID, inst.Status)
			return nil
		})
	}

	var data map[string]string
	start := &cobra.Command{
		Use:   "start <account> <workflow-type>",
		Short: "Start a workflow for an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountData := make(map[string]any, len(data))
			for k, v := range data {
				accountData[k] = v
			}
			return control(cmd, func(ctx context.Context, c Campaigns) (*workflow.Instance, error) {
				return c.Start(ctx, args[0], accountData, args[1])
			})
		},
	}
	start.Flags().StringToStringVar(&data, "data", nil, "Account data as key=value pairs")

	single := func(use, short string, op func(Campaigns, context.Context, string) (*workflow.Instance, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <account>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return control(cmd, func(ctx context.Context, c Campaigns) (*workflow.Instance, error) {
					return op(c, ctx, args[0])
				})
			},
		}
	}
	return []*cobra.Command{
		start,
		single("stop", "Stop the account's workflow", Campaigns.Stop),
		single("pause", "Pause the account's workflow", Campaigns.Pause),
		single("resume", "Resume a paused workflow", Campaigns.Resume),
	}
}

func newDefinitionsCommand() *cobra.Command {
	defs := &cobra.Command{
		Use:   "definitions",
		Short: "Inspect workflow definitions",
	}
	defs.AddCommand(&cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate every definition document in dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := definitions.LoadDir(args[0])
			for _, def := range loaded {
				fmt.Fprintf(cmd.OutOrStdout(), "ok  %s (%d steps)\n", def.Type, len(def.Steps))
			}
			if err != nil {
				return fmt.Errorf("invalid definitions: %w", err)
			}
			return nil
		},
	})
	return defs
}
