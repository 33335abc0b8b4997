package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/framerelay/controller"
	"github.com/gaspardpetit/framerelay/handler"
	"github.com/gaspardpetit/framerelay/internal/config"
	"github.com/gaspardpetit/framerelay/internal/logx"
	"github.com/gaspardpetit/framerelay/internal/metrics"
	"github.com/gaspardpetit/framerelay/protocol"
	"github.com/gaspardpetit/framerelay/wire"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

// loggingHandler reports what the child sends back to the parent.
type loggingHandler struct {
	handler.Nop
}

func (loggingHandler) OnGame(_ context.Context, env protocol.Envelope) error {
	logx.Log.Info().Str("method", env.Method).RawJSON("payload", payloadOrNull(env)).Msg("game message from child")
	return nil
}

func (loggingHandler) OnError(_ context.Context, env protocol.Envelope) error {
	logx.Log.Warn().Str("text", env.Text).Msg("error message from child")
	return nil
}

func payloadOrNull(env protocol.Envelope) []byte {
	if len(env.Payload) == 0 {
		return []byte("null")
	}
	return env.Payload
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ParentConfig
	// Resolve config with precedence: defaults < file < env < args
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
		fmt.Printf("framerelay-parent %s (%s, %s)\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)
	metrics.Register(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	parentWin := wire.NewWindow(wire.WindowConfig{Origin: cfg.Origin})
	ctrl := controller.New(controller.Config{
		Self:             parentWin,
		Handler:          loggingHandler{},
		HandshakeTimeout: cfg.HandshakeTimeout,
	})

	bridge := wire.NewBridgeServer(parentWin, func(frame *wire.Frame) {
		done, err := ctrl.AttachAsync(frame)
		if err != nil {
			logx.Log.Error().Err(err).Str("src", frame.Src()).Msg("attach frame")
			return
		}
		go func() {
			if err := <-done; err != nil {
				logx.Log.Error().Err(err).Str("src", frame.Src()).Msg("handshake failed")
				return
			}
			if err := ctrl.StartGame(); err != nil {
				logx.Log.Error().Err(err).Msg("start game")
				return
			}
			if err := ctrl.SyncState(protocol.SyncCurrentLevel, 1); err != nil {
				logx.Log.Error().Err(err).Msg("sync state")
			}
		}()
	})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(cors.Handler(cors.Options{AllowedOrigins: cfg.AllowedOrigins}))
	r.Get("/relay/connect", bridge.Handler())
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	go func() {
		<-ctx.Done()
		ctrl.Detach()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logx.Log.Info().Int("port", cfg.Port).Str("origin", cfg.Origin).Msg("parent listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Log.Fatal().Err(err).Msg("serve")
	}
}
