package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/llmtunnel/internal/config"
	"github.com/user/llmtunnel/internal/registry"
)

func init() {
	rootCmd.AddCommand(modelCmd)
	modelCmd.AddCommand(modelListCmd, modelInfoCmd, modelPullCmd)
}

func openRegistry(cfg *config.Config) (*registry.Registry, error) {
	progress := newProgressPrinter(os.Stderr)
	reg, err := registry.Load(cfg.RegistryPath, cfg.ResolvedModelsDir(), registry.WithProgress(progress.Update))
	if err != nil {
		return nil, fmt.Errorf("load model registry: %w", err)
	}
	return reg, nil
}

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Inspect and download registry models",
}

var modelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known models",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := openRegistry(cfg)
		if err != nil {
			return err
		}

		for _, name := range reg.Names() {
			d, _ := reg.Resolve(name)
			status := "remote"
			if reg.Cached(name) {
				status = "cached"
			}
			marker := " "
			if name == cfg.ModelName {
				marker = "*"
			}
			fmt.Fprintf(os.Stdout, "%s %-32s %-12s %s\n", marker, name, d.ChatFormat, status)
		}
		return nil
	},
}

var modelInfoCmd = &cobra.Command{
	Use:   "info <name> [key]",
	Short: "Show registry metadata for a model",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := openRegistry(cfg)
		if err != nil {
			return err
		}

		if len(args) == 2 {
			v, err := reg.Info(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, v)
			return nil
		}

		d, err := reg.Resolve(args[0])
		if err != nil {
			return err
		}
		for _, key := range d.Keys() {
			v, _ := reg.Info(d.Name, key)
			fmt.Fprintf(os.Stdout, "%s = %s\n", key, v)
		}
		fmt.Fprintf(os.Stdout, "path = %s\n", reg.Path(d.Name))
		return nil
	},
}

var modelPullCmd = &cobra.Command{
	Use:   "pull [name]",
	Short: "Download a model into the models directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		closer := setupLogging(cfg)
		defer closer.Close()

		reg, err := openRegistry(cfg)
		if err != nil {
			return err
		}

		name := cfg.ModelName
		if len(args) == 1 {
			name = strings.TrimSpace(args[0])
		}
		d, err := reg.Resolve(name)
		if err != nil {
			return err
		}

		path, err := reg.Materialize(cmd.Context(), d)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, path)
		return nil
	},
}
