package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"warden/internal/app"
	"warden/internal/manifest"
	"warden/internal/pipeline"
	"warden/internal/vault"
)

func manifestCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "manifest",
		Short: "Manage manifests",
		Long:  "A manifest declares the operators an agent may run and the order they run in. Register it once, then agents execute it by id.",
	}
	m.AddCommand(manifestValidateCmd())
	m.AddCommand(manifestAddCmd())
	m.AddCommand(manifestListCmd())
	m.AddCommand(manifestShowCmd())
	m.AddCommand(manifestDeleteCmd())
	m.AddCommand(manifestRunCmd())
	return m
}

func manifestValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|->",
		Short: "Parse and validate a manifest file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readSource(args[0])
			if err != nil {
				return err
			}
			m, err := manifest.Compile(text, "")
			if viper.GetBool("json") {
				out := map[string]any{"valid": err == nil}
				if err != nil {
					out["error"] = err.Error()
				} else {
					out["purpose"] = m.Purpose
					out["graph"] = m.Graph
				}
				return printJSON(out)
			}
			if err != nil {
				var verrs manifest.ValidationErrors
				if errors.As(err, &verrs) {
					for _, e := range verrs {
						fmt.Println("-", e.Error())
					}
				}
				return err
			}
			fmt.Printf("manifest OK: %s\n", manifest.Describe(m))
			return nil
		},
	}
}

func manifestAddCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "add <file|->",
		Short: "Register or replace a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readSource(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				stored, err := rt.SaveManifest(ctx, text, id, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stored)
				}
				fmt.Printf("saved manifest %s\n", stored.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "manifest id (derived from the purpose when empty)")
	return cmd
}

func manifestListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListManifests(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Purpose", "Graph", "Updated"})
				for _, s := range items {
					graph := "(invalid)"
					if m, err := manifest.Parse(s.Text, s.ID); err == nil {
						graph = manifest.Describe(m)
					}
					tw.AppendRow(table.Row{s.ID, clip(s.Purpose, 40), graph, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func manifestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a manifest's source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Repo.GetManifest(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Print(s.Text)
				if !strings.HasSuffix(s.Text, "\n") {
					fmt.Println()
				}
				return nil
			})
		},
	}
}

func manifestDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.DeleteManifest(ctx, args[0], actorID())
			})
		},
	}
}

func manifestRunCmd() *cobra.Command {
	var file, data string
	cmd := &cobra.Command{
		Use:   "run [id]",
		Short: "Execute a registered manifest, or a file with --file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (file == "") {
				return fmt.Errorf("pass either a manifest id or --file")
			}
			var actionData map[string]any
			if data != "" {
				if err := json.Unmarshal([]byte(data), &actionData); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var (
					res pipeline.Result
					err error
				)
				if file != "" {
					text, rerr := readSource(file)
					if rerr != nil {
						return rerr
					}
					res, err = rt.ExecuteText(ctx, text, actorID(), actionData)
				} else {
					res, err = rt.Execute(ctx, args[0], actorID(), actionData)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printResult(res)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "run a manifest file without registering it")
	cmd.Flags().StringVar(&data, "data", "", "action data JSON for manifests ending in stage")
	return cmd
}

func printResult(res pipeline.Result) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Source", "Item", "Type", "Timestamp", "Data"})
	for _, row := range res.Data {
		b, _ := json.Marshal(row.Data)
		tw.AppendRow(table.Row{row.Source, row.SourceItemID, row.Type, row.Timestamp, clip(string(b), 80)})
	}
	tw.Render()
	if res.ActionResult != nil {
		fmt.Printf("action: success=%t %s\n", res.ActionResult.Success, res.ActionResult.Message)
		if id, ok := res.ActionResult.ResultData["actionId"]; ok {
			fmt.Printf("staged action %v awaits review (wd staged approve %v)\n", id, id)
		}
	}
	fmt.Printf("%s | fetched %d, returned %d in %dms\n",
		strings.Join(res.Meta.OperatorsApplied, " -> "), res.Meta.ItemsFetched, res.Meta.ItemsReturned, res.Meta.QueryTimeMs)
}

func cacheCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the local cache",
	}
	c.AddCommand(cacheListCmd())
	c.AddCommand(cachePurgeCmd())
	return c
}

func cacheListCmd() *cobra.Command {
	var source string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached items, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListCachedItems(ctx, source, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Source", "Item", "Type", "Timestamp", "Expires", "Data"})
				for _, it := range items {
					expires := "never"
					if it.ExpiresAt != nil {
						expires = *it.ExpiresAt
					}
					data := clip(it.Data, 48)
					if vault.IsSealed(it.Data) {
						data = "(sealed)"
					}
					tw.AppendRow(table.Row{it.Source, it.SourceItemID, it.Type, it.Timestamp, expires, data})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source filter")
	cmd.Flags().IntVarP(&limit, "n", "n", 50, "max rows")
	return cmd
}

func cachePurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired cache rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.PurgeCache(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"purged": n})
				}
				fmt.Printf("purged %d expired rows\n", n)
				return nil
			})
		},
	}
}
