// Command ccm is the claude-code-mux gateway: an Anthropic-protocol proxy
// that routes requests across heterogeneous model providers.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sevlyar/go-daemon"
	"github.com/urfave/cli/v3"

	"github.com/ccmux/ccm/internal/auth"
	"github.com/ccmux/ccm/internal/config"
	"github.com/ccmux/ccm/internal/httpserver"
	"github.com/ccmux/ccm/internal/logging"
	"github.com/ccmux/ccm/internal/pidfile"
	"github.com/ccmux/ccm/internal/statusline"
	"github.com/ccmux/ccm/internal/trace"
	"github.com/ccmux/ccm/internal/version"
)

func main() {
	cmd := &cli.Command{
		Name:    "ccm",
		Usage:   "multi-provider gateway for the Anthropic Messages API",
		Version: version.FullInfo(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file path (default ~/.claude-code-mux/config.toml)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "start the gateway",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "override the listen port"},
					&cli.BoolFlag{Name: "daemon", Aliases: []string{"d"}, Usage: "run in the background"},
				},
				Action: runStart,
			},
			{Name: "stop", Usage: "stop a running gateway", Action: runStop},
			{
				Name:  "restart",
				Usage: "stop the running gateway and start a new one",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "daemon", Aliases: []string{"d"}, Usage: "run in the background"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := runStop(ctx, cmd); err != nil {
						log.Printf("[ccm] stop before restart: %v", err)
					}
					return runStart(ctx, cmd)
				},
			},
			{Name: "status", Usage: "show daemon status", Action: runStatus},
			{Name: "model", Usage: "show routing and model bindings", Action: runModel},
			{Name: "install-statusline", Usage: "install the Claude Code statusline script", Action: runInstallStatusline},
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ccm: %v\n", err)
		os.Exit(1)
	}
}

func configPath(cmd *cli.Command) (string, error) {
	if path := cmd.String("config"); path != "" {
		return path, nil
	}
	return config.DefaultPath()
}

func runStart(ctx context.Context, cmd *cli.Command) error {
	path, err := configPath(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if port := cmd.Int("port"); port != 0 {
		cfg.Server.Port = int(port)
	}

	if cmd.Bool("daemon") {
		appDir, err := config.AppDir()
		if err != nil {
			return err
		}
		dctx := &daemon.Context{
			PidFileName: "",
			WorkDir:     appDir,
			Umask:       0o27,
		}
		child, err := dctx.Reborn()
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		if child != nil {
			fmt.Printf("ccm started in background (pid %d) on %s:%d\n", child.Pid, cfg.Server.Host, cfg.Server.Port)
			return nil
		}
		defer dctx.Release()
	}

	if err := logging.Setup(cfg.Server); err != nil {
		return err
	}
	if pid, running := pidfile.Running(); running {
		return fmt.Errorf("gateway already running with pid %d", pid)
	}
	if err := pidfile.Write(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() {
		if err := pidfile.Remove(); err != nil {
			log.Printf("[ccm] remove pid file: %v", err)
		}
	}()

	appDir, err := config.AppDir()
	if err != nil {
		return err
	}
	store, err := auth.NewStore(auth.DefaultStorePath(appDir))
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	manager := auth.NewManager(store)
	tracer := trace.New(cfg.Server.Tracing)
	defer tracer.Close()

	holder, err := httpserver.NewStateHolder(path, cfg, manager)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Server.WatchConfig {
		if err := holder.Watch(runCtx.Done()); err != nil {
			log.Printf("[ccm] config watching disabled: %v", err)
		}
	}

	server := httpserver.New(holder, manager, tracer)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("[ccm] %s starting on %s (config %s)", version.Version, addr, path)
	return server.Run(runCtx, addr)
}

func runStop(_ context.Context, _ *cli.Command) error {
	pid, running := pidfile.Running()
	if !running {
		_ = pidfile.Remove()
		return fmt.Errorf("gateway is not running")
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	for i := 0; i < 50; i++ {
		if !pidfile.IsProcessRunning(pid) {
			fmt.Printf("ccm stopped (pid %d)\n", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("gateway (pid %d) did not exit within 5s", pid)
}

func runStatus(_ context.Context, _ *cli.Command) error {
	if pid, running := pidfile.Running(); running {
		fmt.Printf("ccm is running (pid %d)\n", pid)
		return nil
	}
	fmt.Println("ccm is not running")
	return nil
}

func runModel(_ context.Context, cmd *cli.Command) error {
	path, err := configPath(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("router:\n")
	fmt.Printf("  default:    %s\n", cfg.Router.Default)
	if cfg.Router.Background != "" {
		fmt.Printf("  background: %s\n", cfg.Router.Background)
	}
	if cfg.Router.Think != "" {
		fmt.Printf("  think:      %s\n", cfg.Router.Think)
	}
	if cfg.Router.WebSearch != "" {
		fmt.Printf("  websearch:  %s\n", cfg.Router.WebSearch)
	}
	fmt.Printf("models:\n")
	for _, m := range cfg.Models {
		fmt.Printf("  %s\n", m.Name)
		for _, mapping := range m.Mappings {
			fmt.Printf("    [%d] %s -> %s\n", mapping.Priority, mapping.Provider, mapping.ActualModel)
		}
	}
	return nil
}

func runInstallStatusline(_ context.Context, _ *cli.Command) error {
	path, err := statusline.Install()
	if err != nil {
		return err
	}
	fmt.Printf("statusline script installed to %s\n\n", path)
	fmt.Println("Add this to ~/.claude/settings.json:")
	fmt.Println()
	fmt.Println("  {")
	fmt.Println("    \"statusLine\": {")
	fmt.Println("      \"type\": \"command\",")
	fmt.Printf("      \"command\": %q,\n", path)
	fmt.Println("      \"padding\": 0")
	fmt.Println("    }")
	fmt.Println("  }")
	fmt.Println()
	fmt.Println("The statusline shows: model@provider (route-type) HH:MM:SS")
	return nil
}
