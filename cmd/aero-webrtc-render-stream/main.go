package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/pipeline"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/vp8"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	// No ICE sockets exist until the first offer.
	api, err := pipeline.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-webrtc-render-stream",
		"listen_addr", cfg.ListenAddr,
		"config_file", cfg.ConfigFile,
		"mode", cfg.Mode,
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.FPS,
		"bitrate_kbps", cfg.BitrateKbps,
		"trickle_ice", cfg.TrickleICE,
		"mailbox_depth", cfg.MailboxDepth,
		"ice_servers", len(cfg.ICEServers),
	)

	logStartupWarnings(logger, cfg)

	enc, err := vp8.New(vp8.Config{FPS: cfg.FPS, BitrateKbps: cfg.BitrateKbps})
	if err != nil {
		logger.Error("failed to configure encoder", "err", err)
		os.Exit(2)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	a, err := newApp(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, api, enc)
	if err != nil {
		_ = enc.Close()
		logger.Error("failed to start streamer", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		_ = a.pipe.Close()
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		err := a.http.Serve(ln)
		// A dead listener ends the loop too.
		stop()
		errCh <- err
	}()

	if err := a.run(ctx); err != nil {
		logger.Error("streaming loop failed", "err", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
