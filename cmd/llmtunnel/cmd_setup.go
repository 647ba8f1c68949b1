package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/user/llmtunnel/internal/config"
	"github.com/user/llmtunnel/internal/console"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		con := console.New(cmd.InOrStdin(), cmd.OutOrStdout())
		return runSetup(con, cfg)
	},
}

func runSetup(con *console.Console, cfg *config.Config) error {
	con.Rule("llmtunnel setup")
	con.Println("Press Enter to accept the default value shown in brackets.")

	portStr, err := con.Ask("Local port", strconv.Itoa(cfg.Port))
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("port: %w", err)
	}
	cfg.Port = port

	if cfg.ModelName, err = con.Ask("Model name", cfg.ModelName); err != nil {
		return err
	}
	if cfg.SysPrompt, err = con.Ask("System prompt", cfg.SysPrompt); err != nil {
		return err
	}
	if cfg.Device, err = con.Ask("Device (cuda or cpu)", cfg.Device); err != nil {
		return err
	}

	keep := cfg.Authtoken != "" && con.Confirm(fmt.Sprintf("Keep ngrok authtoken %s?", config.MaskSecret(cfg.Authtoken)))
	if !keep {
		con.Warn("Keep your authentication token private; never publish your token online!")
		tok, err := con.PromptSecret("ngrok authtoken (leave empty to be asked at startup)")
		if err != nil {
			return err
		}
		cfg.Authtoken = tok
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	con.Println("Configuration saved to " + cfgPath)
	return nil
}
