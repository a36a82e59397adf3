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

	commoncfg "github.com/gaspardpetit/mirrx/core/config"
	"github.com/gaspardpetit/mirrx/core/logx"
	"github.com/gaspardpetit/mirrx/internal/broker"
	"github.com/gaspardpetit/mirrx/internal/config"
	"github.com/gaspardpetit/mirrx/internal/metrics"
	"github.com/gaspardpetit/mirrx/internal/server"
	"github.com/gaspardpetit/mirrx/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")

	var cfg config.ServerConfig
	cfg.SetDefaults()
	if path := configPathFromArgs(); path != "" {
		cfg.ConfigFile = path
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "mirrx version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("mirrx version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	cfg.Normalize()
	logx.Configure(cfg.LogLevel)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		serverstate.UseStore(rs)
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis state store")
	}

	b := broker.New(broker.Config{
		TokenExpiry:        cfg.TokenExpiry,
		TokenSweepInterval: cfg.TokenSweep,
		FrameDepth:         cfg.FrameDepth,
		MaxFrameBytes:      cfg.MaxFrameBytes,
		MaxSessions:        cfg.MaxSessions,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go b.RunTokenSweeper(ctx)

	handler := server.New(cfg, b, version)
	srv := &http.Server{Addr: cfg.ListenAddr(), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != cfg.ListenAddr() {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: server.NewMetricsHandler()}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 || b.SessionCount() == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
			go func(d time.Duration) {
				time.Sleep(d)
				if serverstate.IsDraining() {
					logx.Log.Warn().Msg("drain timeout exceeded; terminating")
					cancel()
				}
			}(cfg.DrainTimeout)
		}
	}()
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
	}()
	if metricsSrv != nil {
		go func() {
			<-ctx.Done()
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}()
	}

	if cfg.APIKey != "" {
		logx.Log.Info().Msg("API key auth enabled")
	}
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	logx.Log.Info().Int("port", cfg.Port).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}

// configPathFromArgs pre-scans os.Args for --config so the file can be
// loaded before flags overlay it.
func configPathFromArgs() string {
	for i, a := range os.Args[1:] {
		switch {
		case a == "--config" || a == "-config":
			if rest := os.Args[i+2:]; len(rest) > 0 {
				return rest[0]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		}
	}
	return commoncfg.GetEnv("CONFIG_FILE", "")
}
