package main

import (
	"context"
	"errors"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lakereg/internal/domain"
	"lakereg/internal/registry"
	"lakereg/internal/repo"
)

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Register and inspect runs",
		Long:  "A run is identified by its datasets, strategy hash, engine version and seed. Registering the same run twice returns the same id.",
	}
	run.AddCommand(runRegisterCmd())
	run.AddCommand(runGetCmd())
	run.AddCommand(runListCmd())
	return run
}

func runRegisterCmd() *cobra.Command {
	var r domain.Run
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				id, err := reg.Resolver.RegisterRun(ctx, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"run_id": id})
			})
		},
	}
	cmd.Flags().StringArrayVar(&r.DatasetIDs, "dataset", nil, "dataset id (repeatable)")
	cmd.Flags().StringVar(&r.StrategyHash, "strategy-hash", "", "strategy hash")
	cmd.Flags().StringVar(&r.EngineVersion, "engine-version", "", "engine version")
	cmd.Flags().Int64Var(&r.Seed, "seed", 0, "seed")
	cmd.Flags().StringVar(&r.Caller, "caller", "", "caller")
	cmd.Flags().StringVar(&r.DateFrom, "date-from", "", "first covered date")
	cmd.Flags().StringVar(&r.DateTo, "date-to", "", "last covered date")
	cmd.Flags().StringArrayVar(&r.ArtifactIDs, "artifact", nil, "produced artifact id (repeatable)")
	_ = cmd.MarkFlagRequired("dataset")
	_ = cmd.MarkFlagRequired("strategy-hash")
	_ = cmd.MarkFlagRequired("engine-version")
	return cmd
}

func runGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a run and its event-derived status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				run, err := reg.Resolver.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"run": run}
				status, err := reg.Indexer.RunStatus(ctx, run.RunID)
				switch {
				case err == nil:
					out["status"] = status
				case !errors.Is(err, domain.ErrNotFound):
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func runListCmd() *cobra.Command {
	var f repo.RunFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				runs, err := reg.Resolver.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := newTable("ID", "Datasets", "Strategy", "Engine", "Caller", "Artifacts", "Created")
				for _, r := range runs {
					tw.AppendRow(table.Row{r.RunID, strings.Join(r.DatasetIDs, ","), r.StrategyHash, r.EngineVersion, r.Caller, len(r.ArtifactIDs), r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Caller, "caller", "", "caller filter")
	cmd.Flags().StringVar(&f.StrategyHash, "strategy-hash", "", "strategy hash filter")
	return cmd
}

func runsetCmd() *cobra.Command {
	rs := &cobra.Command{
		Use:   "runset",
		Short: "Manage runsets and their resolutions",
		Long:  "A runset is a saved query over runs. Resolving records the matching runs and artifacts; freezing pins a resolution so later resolves keep returning it.",
	}
	rs.AddCommand(runsetCreateCmd())
	rs.AddCommand(runsetGetCmd())
	rs.AddCommand(runsetListCmd())
	rs.AddCommand(runsetResolveCmd())
	rs.AddCommand(runsetPinCmd("freeze", "Pin the latest resolution", func(reg *registry.Registry) func(context.Context, string) (domain.Resolution, error) {
		return reg.Resolver.Freeze
	}))
	rs.AddCommand(runsetPinCmd("unfreeze", "Release the pinned resolution (requires resolver.allow_unfreeze)", func(reg *registry.Registry) func(context.Context, string) (domain.Resolution, error) {
		return reg.Resolver.Unfreeze
	}))
	rs.AddCommand(runsetHistoryCmd())
	return rs
}

func runsetCreateCmd() *cobra.Command {
	var spec domain.RunSetSpec
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a runset spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				rs, err := reg.Resolver.CreateRunSetSpec(ctx, spec)
				if err != nil {
					return err
				}
				return printJSONOrTable(rs)
			})
		},
	}
	cmd.Flags().StringVar(&spec.Name, "name", "", "display name")
	cmd.Flags().StringArrayVar(&spec.DatasetIDs, "dataset", nil, "dataset id (repeatable)")
	cmd.Flags().StringArrayVar(&spec.Callers, "caller", nil, "caller (repeatable)")
	cmd.Flags().StringArrayVar(&spec.Tags, "tag", nil, "artifact tag (repeatable)")
	cmd.Flags().StringVar(&spec.DateFrom, "date-from", "", "first date")
	cmd.Flags().StringVar(&spec.DateTo, "date-to", "", "last date")
	cmd.Flags().StringArrayVar(&spec.StrategyHashes, "strategy-hash", nil, "strategy hash (repeatable)")
	cmd.Flags().StringArrayVar(&spec.Statuses, "status", nil, "run status (repeatable)")
	cmd.Flags().StringVar(&spec.Mode, "mode", domain.ModeLatest, "latest or frozen")
	return cmd
}

func runsetGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a runset and its effective resolution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				rs, err := reg.Resolver.GetRunSet(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"runset": rs}
				eff, err := reg.Resolver.Effective(ctx, rs.RunSetID)
				switch {
				case err == nil:
					out["effective"] = eff
				case !errors.Is(err, domain.ErrNotFound):
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func runsetListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runsets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				items, err := reg.Resolver.ListRunSets(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Mode", "Datasets", "Tags", "Created")
				for _, rs := range items {
					tw.AppendRow(table.Row{rs.RunSetID, rs.Spec.Name, rs.Spec.Mode, strings.Join(rs.Spec.DatasetIDs, ","), strings.Join(rs.Spec.Tags, ","), rs.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func runsetResolveCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a runset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				res, err := reg.Resolver.Resolve(ctx, args[0], force)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "evaluate even when a resolution is pinned")
	return cmd
}

func runsetPinCmd(use, short string, op func(*registry.Registry) func(context.Context, string) (domain.Resolution, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				res, err := op(reg)(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func runsetHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "List every resolution of a runset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				items, err := reg.Resolver.ListResolutions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Resolution", "Runs", "Artifacts", "Hash", "Frozen", "Timestamp (ms)")
				for _, r := range items {
					tw.AppendRow(table.Row{r.ResolutionID, len(r.RunIDs), len(r.ArtifactIDs), r.ResolutionHash, r.Frozen, r.TimestampMs})
				}
				tw.Render()
				return nil
			})
		},
	}
}
