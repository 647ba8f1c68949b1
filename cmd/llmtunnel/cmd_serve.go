package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/llmtunnel/internal/bridge"
	"github.com/user/llmtunnel/internal/config"
	"github.com/user/llmtunnel/internal/console"
	"github.com/user/llmtunnel/internal/engine"
	"github.com/user/llmtunnel/internal/retry"
	"github.com/user/llmtunnel/internal/session"
	"github.com/user/llmtunnel/internal/tunnel"
)

const shutdownTimeout = 30 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load the model and expose it through an ngrok tunnel",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func engineOptions(cfg *config.Config) engine.Options {
	opts := engine.DefaultOptions()
	if cfg.Engine.BinPath != "" {
		opts.BinPath = cfg.Engine.BinPath
	}
	opts.Port = cfg.Engine.Port
	opts.Threads = cfg.Engine.Threads
	opts.CtxSize = cfg.CtxSize
	opts.GPULayers = engine.GPULayersForDevice(cfg.Device)
	if parseLevel(cfg.LogLevel) == slog.LevelDebug {
		opts.Output = os.Stderr
	}
	return opts
}

func authenticate(con *console.Console, tm *tunnel.Manager, token string) error {
	var prompt tunnel.Prompter
	if token == "" {
		prompt = func() (string, error) {
			con.Rule("ngrok authentication")
			con.Println("No ngrok authentication token set! To obtain a token, visit https://dashboard.ngrok.com and copy your authtoken. New users may need to sign up for an ngrok account.")
			con.Println("Tip: set authtoken in config.toml or NGROK_AUTHTOKEN to authenticate automatically.")
			con.Warn("Keep your authentication token private; never publish your token online!")
			return con.PromptSecret("Enter your ngrok authentication token")
		}
	}
	return tm.Authenticate(token, prompt)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logCloser := setupLogging(cfg)
	defer logCloser.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx := cmd.Context()
	con := console.Stdio()

	reg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	desc, err := reg.Resolve(cfg.ModelName)
	if err != nil {
		return err
	}

	tm := tunnel.NewManager(tunnel.Ngrok{}, tunnel.WithRetryPolicy(retry.DefaultPolicy()))
	if err := authenticate(con, tm, cfg.Authtoken); err != nil {
		return err
	}

	con.Rule(fmt.Sprintf("Loading '%s'", desc.Name))
	modelPath, err := reg.Materialize(ctx, desc)
	if err != nil {
		return err
	}

	var sessOpts []session.Option
	if counter, err := session.NewTiktokenCounter(); err != nil {
		slog.Warn("token estimates disabled", "error", err)
	} else {
		sessOpts = append(sessOpts, session.WithTokenCounter(counter))
	}

	sess, err := session.New(ctx, session.ProcessLoader(engineOptions(cfg)), session.Params{
		ModelName:    desc.Name,
		ModelPath:    modelPath,
		ChatFormat:   desc.ChatFormat,
		SystemPrompt: cfg.SysPrompt,
		CtxSize:      cfg.CtxSize,
		TurnTimeout:  cfg.TurnTimeout.Duration,
	}, sessOpts...)
	if err != nil {
		return err
	}

	local := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port))
	srv := bridge.NewServer(local)
	srv.Bind(sess)

	con.Rule("Booting up bridge")
	if err := srv.Start(ctx); err != nil {
		return errors.Join(err, closeAll(nil, nil, sess))
	}

	publicURL, err := tm.Open(ctx, cfg.Port)
	if err != nil {
		return errors.Join(err, closeAll(nil, srv, sess))
	}
	con.Exposed("http://"+local, publicURL)

	slog.Info("llmtunnel ready",
		"model", desc.Name,
		"port", cfg.Port,
		"url", publicURL,
		"pid_file", pidPath,
	)
	con.Rule("Running!")

	select {
	case <-con.WaitForConfirm("To close connection, press 'Y'"):
		slog.Info("shutting down", "reason", "operator")
	case <-ctx.Done():
		slog.Info("shutting down", "reason", "signal")
	case <-srv.Done():
		slog.Error("shutting down", "reason", "bridge stopped", "error", srv.Err())
	}

	return closeAll(tm, srv, sess)
}

// closeAll releases started resources in reverse start order: tunnel,
// bridge, then session and engine. Nil arguments are skipped.
func closeAll(tm *tunnel.Manager, srv *bridge.Server, sess *session.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if tm != nil {
		if err := tm.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown bridge: %w", err))
		}
	}
	if sess != nil {
		if err := sess.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	return errors.Join(errs...)
}
