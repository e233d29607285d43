// Command ice-adapter brokers peer-to-peer UDP connectivity for a game
// process using STUN/TURN/ICE, bridging a GPGNet TCP control connection and
// a JSON-RPC 2.0 signaling connection to an external matchmaking client.
//
// Usage:
//
//	ice-adapter --player_id 1 --player_login alice --stun_host stun.example.com --turn_host turn.example.com [--config /path/to/config.toml]
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/duk3luk3/ice-adapter/internal/config"
	"github.com/duk3luk3/ice-adapter/internal/coordinator"
)

func main() {
	opts, err := config.Parse(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		slog.Error("parsing configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(opts)

	if err := opts.Resolve(); err != nil {
		logger.Error("resolving STUN/TURN hosts", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := coordinator.New(opts, logger)

	logger.Info("starting ice-adapter",
		"player_id", opts.PlayerID,
		"rpc_port", opts.RPCPort,
		"gpgnet_port", opts.GPGNetPort,
	)

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("coordinator stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("ice-adapter stopped")
}

// newLogger builds the process logger, writing to LogFile when configured
// and to stderr otherwise.
func newLogger(opts *config.Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	out := os.Stderr
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Error("opening log file, falling back to stderr", "path", opts.LogFile, "error", err)
		} else {
			out = f
		}
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}
