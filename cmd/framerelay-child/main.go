package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gaspardpetit/framerelay/game"
	"github.com/gaspardpetit/framerelay/internal/config"
	"github.com/gaspardpetit/framerelay/internal/logx"
	"github.com/gaspardpetit/framerelay/origin"
	"github.com/gaspardpetit/framerelay/relay"
	"github.com/gaspardpetit/framerelay/wire"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ChildConfig
	cfg.SetDefaults()
	cfg.ApplyEnv()
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()
	if *showVersion {
		fmt.Printf("framerelay-child %s (%s, %s)\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	progress := game.NewProgress([]json.RawMessage{
		json.RawMessage(`{"name":"intro"}`),
		json.RawMessage(`{"name":"caves"}`),
	})

	err := relay.RunWithReconnect(ctx, cfg.Reconnect, func(ctx context.Context) error {
		return connectAndServe(ctx, cfg, progress)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logx.Log.Fatal().Err(err).Msg("relay stopped")
	}
}

func connectAndServe(ctx context.Context, cfg config.ChildConfig, progress *game.Progress) error {
	pageOrigin, err := origin.FromURL(cfg.PageURL)
	if err != nil {
		return err
	}
	bridge, err := wire.DialBridge(ctx, cfg.ServerURL, cfg.PageURL)
	if err != nil {
		return err
	}
	defer bridge.Close()
	logx.Log.Info().Str("server", cfg.ServerURL).Str("parent_origin", bridge.ParentOrigin()).Msg("connected to parent")

	childWin := wire.NewWindow(wire.WindowConfig{
		Origin:   pageOrigin,
		Referrer: bridge.ParentOrigin(),
		Parent:   bridge.Parent(),
	})
	defer childWin.Close()

	bindErr := make(chan error, 1)
	go func() { bindErr <- bridge.Bind(ctx, childWin) }()

	relayCfg := relay.DefaultConfig()
	relayCfg.Window = childWin
	relayCfg.TrustedOrigins = cfg.TrustedOrigins
	relayCfg.InitializationTimeout = cfg.InitTimeout
	relayCfg.RequestTimeout = cfg.RequestTimeout
	hb, err := relay.Setup(ctx, game.NewProgressHandler(progress), relayCfg)
	if err != nil {
		return err
	}
	defer hb.Terminate()
	logx.Log.Info().Msg("communication established")

	select {
	case err := <-bindErr:
		logx.Log.Warn().Err(err).Msg("connection to parent lost")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
