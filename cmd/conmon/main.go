// Command conmon is the monitor's entrypoint: it parses flags and
// CONMON_*-prefixed environment variables into a config.Config, detaches
// into its own session, and serves the control socket until signaled.
//
// Grounded on original_source/conmon-rs/server/src/{config,server}.rs:
// config.rs's clap derive (env-prefixed flags, validate()) maps onto
// urfave/cli/v2's Flag.EnvVars, and server.rs's new()/start()/
// start_signal_handler() give the startup and shutdown ordering below.
// The teacher's cmd/lxcri-conmon/main.go used the stdlib flag package for
// a much smaller surface; this entrypoint instead follows the rest of the
// retrieved corpus (sylabs-singularity, moby-moby's buildkitd) in reaching
// for urfave/cli/v2, already present in the teacher's go.mod.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/containers/conmon-go/internal/bootstrap"
	"github.com/containers/conmon-go/internal/conmonlog"
	"github.com/containers/conmon-go/internal/config"
	"github.com/containers/conmon-go/internal/fdsocket"
	"github.com/containers/conmon-go/internal/monitor"
	"github.com/containers/conmon-go/internal/ociruntime"
	"github.com/containers/conmon-go/internal/reaper"
	"github.com/containers/conmon-go/internal/rpcserver"
)

// Set via -ldflags at build time; each defaults to "unknown" when not set,
// matching version.rs's shadow-rs fallback.
var (
	version   = "unknown"
	tag       = "unknown"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	app := &cli.App{
		Name:  "conmon",
		Usage: "OCI container monitor",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", EnvVars: []string{"CONMON_LOG_LEVEL"}, Value: "info"},
			&cli.StringFlag{Name: "log-driver", EnvVars: []string{"CONMON_LOG_DRIVER"}, Value: "stdout"},
			&cli.StringFlag{Name: "conmon-pidfile", EnvVars: []string{"CONMON_PIDFILE"}},
			&cli.StringFlag{Name: "runtime", EnvVars: []string{"CONMON_RUNTIME"}, Required: true},
			&cli.StringFlag{Name: "runtime-root", EnvVars: []string{"CONMON_RUNTIME_ROOT"}},
			&cli.StringFlag{Name: "socket", EnvVars: []string{"CONMON_SOCKET"}, Value: "conmon.sock"},
			&cli.StringFlag{Name: "fd-socket", EnvVars: []string{"CONMON_FD_SOCKET"}},
			&cli.StringFlag{Name: "runtime-dir", EnvVars: []string{"CONMON_RUNTIME_DIR"}, Value: os.TempDir()},
			&cli.BoolFlag{Name: "version", Aliases: []string{"V"}},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("version") {
		fmt.Printf("conmon %s (%s, commit %s, built %s)\n", version, tag, commit, buildDate)
		return nil
	}

	level, err := conmonlog.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}

	cfg := &config.Config{
		LogLevel:      level,
		LogDriver:     config.LogDriver(c.String("log-driver")),
		ConmonPidFile: c.String("conmon-pidfile"),
		Runtime:       c.String("runtime"),
		RuntimeRoot:   c.String("runtime-root"),
		Socket:        c.String("socket"),
		FdSocket:      c.String("fd-socket"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := conmonlog.New(cfg.LogDriver, cfg.LogLevel, "conmon")

	// init_self: neutral locale first, then exempt this process from the
	// OOM killer (oom_score_adj -1000), before anything else runs.
	bootstrap.ResetLocale()

	if err := bootstrap.AdjustOOMScore("-1000"); err != nil {
		log.Warn().Err(err).Msg("failed to adjust oom_score_adj")
	}

	isParent, err := bootstrap.Detach(cfg.ConmonPidFile)
	if err != nil {
		return err
	}
	if isParent {
		return nil
	}

	if err := bootstrap.InstallSubreaper(); err != nil {
		log.Warn().Err(err).Msg("failed to install as child subreaper")
	}

	rt := ociruntime.New(cfg.Runtime, cfg.RuntimeRoot)
	r := reaper.New(log)
	fds := fdsocket.New(log)

	fdSocketPath := cfg.FdSocket
	if fdSocketPath == "" {
		fdSocketPath = cfg.Socket + ".fd"
	}
	if _, err := fds.Start(fdSocketPath); err != nil {
		return err
	}

	runtimeDir := c.String("runtime-dir")
	build := monitor.BuildInfo{Version: version, Tag: tag, Commit: commit, BuildDate: buildDate}
	svc := monitor.New(log, build, rt, r, fds, runtimeDir)

	server, err := rpcserver.New(log, svc, r, cfg.Socket)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGTERM, unix.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		unixSig := unix.SIGTERM
		if sig == os.Interrupt {
			unixSig = unix.SIGINT
		}
		cancel()
		return server.Shutdown(context.Background(), unixSig)
	case err := <-serveErr:
		return err
	}
}
