package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"warden/internal/app"
	"warden/internal/domain"
	"warden/internal/repo"
)

func stagedCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "staged",
		Short: "Review actions proposed by agents",
		Long:  "Staged actions move pending -> approved -> committed, or pending -> rejected. Only commit talks to the source.",
	}
	s.AddCommand(stagedListCmd())
	s.AddCommand(stagedShowCmd())
	s.AddCommand(stagedApproveCmd())
	s.AddCommand(stagedRejectCmd())
	s.AddCommand(stagedCommitCmd())
	return s
}

func stagedListCmd() *cobra.Command {
	var f repo.StagedFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List staged actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListStagedActions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Status", "Source", "Action", "Manifest", "Purpose", "Proposed"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ActionID, a.Status, a.Source, a.ActionType, a.ManifestID, clip(a.Purpose, 32), a.ProposedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "pending|approved|rejected|committed")
	cmd.Flags().StringVar(&f.ManifestID, "manifest", "", "manifest id filter")
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 50, "max rows")
	return cmd
}

func stagedShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show a staged action and its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Repo.GetStagedAction(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				printStaged(a)
				return nil
			})
		},
	}
}

func stagedApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <action-id>",
		Short: "Approve a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Review.Approve(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printStagedResult(a)
			})
		},
	}
}

func stagedRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <action-id>",
		Short: "Reject a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Review.Reject(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printStagedResult(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "note recorded in the event log")
	return cmd
}

func stagedCommitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit <action-id>",
		Short: "Send an approved action to its source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, res, err := rt.Review.Commit(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"action": a, "result": res})
				}
				fmt.Printf("committed %s: %s\n", a.ActionID, res.Message)
				return nil
			})
		},
	}
}

func printStagedResult(a domain.StagedAction) error {
	if viper.GetBool("json") {
		return printJSON(a)
	}
	fmt.Printf("%s is now %s\n", a.ActionID, a.Status)
	return nil
}

func printStaged(a domain.StagedAction) {
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", a.ActionID},
		{"Status", a.Status},
		{"Source", a.Source},
		{"Action", a.ActionType},
		{"Manifest", a.ManifestID},
		{"Purpose", a.Purpose},
		{"Proposed", a.ProposedAt},
	})
	if a.ResolvedAt != nil {
		tw.AppendRow(table.Row{"Resolved", *a.ResolvedAt})
	}
	tw.Render()
	b, _ := json.MarshalIndent(a.ActionData, "", "  ")
	fmt.Println(string(b))
}
