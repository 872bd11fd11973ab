package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lakereg/internal/domain"
	"lakereg/internal/manifest"
	"lakereg/internal/registry"
)

func artifactCmd() *cobra.Command {
	art := &cobra.Command{
		Use:   "artifact",
		Short: "Publish and inspect artifacts",
		Long:  "Artifacts are immutable payloads addressed by type, schema version and content hash. Publishing identical content again returns the existing id.",
	}
	art.AddCommand(artifactPublishCmd())
	art.AddCommand(artifactGetCmd())
	art.AddCommand(artifactListCmd())
	art.AddCommand(artifactSupersedeCmd())
	art.AddCommand(artifactLineageCmd())
	art.AddCommand(artifactDownstreamCmd())
	art.AddCommand(artifactRunSetsCmd())
	art.AddCommand(artifactVerifyCmd())
	return art
}

func artifactPublishCmd() *cobra.Command {
	var req manifest.PublishRequest
	var file string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a payload file",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readInput(file)
			if err != nil {
				return err
			}
			req.Payload = payload
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				res, err := reg.Manifest.Publish(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "payload file (- for stdin)")
	cmd.Flags().StringVar(&req.ArtifactType, "type", "", "artifact type")
	cmd.Flags().IntVar(&req.SchemaVersion, "schema-version", 1, "schema version")
	cmd.Flags().StringVar(&req.LogicalKey, "logical-key", "", "logical key, e.g. caller=x,day=2025-10-01")
	cmd.Flags().StringVar(&req.Format, "format", "", "payload format (json, jsonl, raw); defaults to the registered schema")
	cmd.Flags().StringArrayVar(&req.InputArtifactIDs, "input", nil, "input artifact id (repeatable, ordered)")
	cmd.Flags().StringArrayVar(&req.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&req.Supersedes, "supersedes", "", "active artifact this one replaces")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "supersession reason")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("logical-key")
	return cmd
}

func artifactGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				a, err := reg.Manifest.GetArtifact(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func artifactListCmd() *cobra.Command {
	var filters []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts",
		Long:  "Filters are key=value pairs. Keys: " + strings.Join(manifest.FilterKeys(), ", ") + ".",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := map[string]string{}
			for _, f := range filters {
				k, v, ok := strings.Cut(f, "=")
				if !ok {
					return fmt.Errorf("filter %q must be key=value", f)
				}
				filter[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				items, err := reg.Manifest.ListArtifacts(ctx, filter)
				if err != nil {
					return err
				}
				return printArtifacts(items)
			})
		},
	}
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "filter key=value (repeatable)")
	return cmd
}

func printArtifacts(items []domain.Artifact) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Type", "Version", "Logical Key", "Status", "Tags", "Created")
	for _, a := range items {
		tw.AppendRow(table.Row{a.ArtifactID, a.ArtifactType, a.SchemaVersion, a.LogicalKey, a.Status, strings.Join(a.Tags, ","), a.CreatedAt})
	}
	tw.Render()
	return nil
}

func artifactSupersedeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "supersede <id>",
		Short: "Mark an artifact superseded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				a, err := reg.Manifest.Supersede(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the artifact is superseded")
	return cmd
}

func artifactLineageCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "lineage <id>",
		Short: "Show upstream inputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := manifest.LineageDirect
			if full {
				mode = manifest.LineageFull
			}
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				items, err := reg.Manifest.GetLineage(ctx, args[0], mode)
				if err != nil {
					return err
				}
				return printArtifacts(items)
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "walk the whole upstream graph")
	return cmd
}

func artifactDownstreamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "downstream <id>",
		Short: "Show artifacts that consume an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				items, err := reg.Manifest.GetDownstream(ctx, args[0])
				if err != nil {
					return err
				}
				return printArtifacts(items)
			})
		},
	}
}

func artifactRunSetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runsets <id>",
		Short: "Show runsets whose effective resolution includes an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				if _, err := reg.Manifest.GetArtifact(ctx, args[0]); err != nil {
					return err
				}
				ids, err := reg.Resolver.RunSetsContaining(ctx, args[0])
				if err != nil {
					return err
				}
				return printIDs("RunSet", ids)
			})
		},
	}
}

func artifactVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Re-hash a stored payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				report, err := reg.Manifest.VerifyIntegrity(ctx, args[0])
				if report.ArtifactID != "" {
					if perr := printJSONOrTable(report); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}
