package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lakereg/internal/config"
	"lakereg/internal/logger"
	"lakereg/internal/registry"
)

var rootCmd = &cobra.Command{
	Use:   "lr",
	Short: "lakereg CLI",
	Long: `lakereg is a content-addressed artifact registry over a file-based data lake.
Core concepts:
- Artifact: an immutable payload addressed by (type, schema version, content hash), with a JSON sidecar and declared inputs.
- Supersession: a corrected artifact replaces an old one; the old one stays readable and is marked superseded.
- Event log: append-only JSONL under events/, indexed into a disposable sqlite cache ('lr index rebuild').
- Run: one execution over datasets, identified by its inputs and linked to the artifacts it produced.
- RunSet: a saved query over runs; 'lr runset resolve' records which runs and artifacts it selects right now.
- Freeze: pins a resolution so the runset keeps returning exactly that set.
Every cache under .lakereg/cache can be deleted and rebuilt with 'lr registry rebuild'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LAKEREG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "registry root directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-mode", "", "log mode (dev or prod); defaults to the config")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-mode", rootCmd.PersistentFlags().Lookup("log-mode"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runsetCmd())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var id string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default lakereg.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if id == "" {
				abs, err := filepath.Abs(workspace)
				if err != nil {
					return err
				}
				id = filepath.Base(abs)
			}
			if _, err := config.FromYAML([]byte(config.GenerateDefault(id))); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "registry id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if mode := viper.GetString("log-mode"); mode != "" {
		cfg.Log.Mode = mode
	}
	if secret := viper.GetString("jwt_secret"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	return cfg, nil
}

func withRegistry(ctx context.Context, fn func(context.Context, *registry.Registry) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return err
	}
	defer log.Sync()
	reg, err := registry.Open(viper.GetString("workspace"), cfg, registry.Options{Log: log})
	if err != nil {
		return err
	}
	defer reg.Close()
	return fn(ctx, reg)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printIDs(title string, ids []string) error {
	if viper.GetBool("json") {
		return printJSON(ids)
	}
	tw := newTable("#", title)
	for i, id := range ids {
		tw.AppendRow(table.Row{i + 1, id})
	}
	tw.Render()
	return nil
}

// readInput reads path, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
