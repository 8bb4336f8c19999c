package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/colastream/internal/adapters/announce"
	"github.com/dkeye/colastream/internal/adapters/discovery"
	router "github.com/dkeye/colastream/internal/adapters/http"
	"github.com/dkeye/colastream/internal/adapters/rtc"
	rendezvous "github.com/dkeye/colastream/internal/adapters/signal"
	"github.com/dkeye/colastream/internal/adapters/turn"
	"github.com/dkeye/colastream/internal/app"
	"github.com/dkeye/colastream/internal/app/proxy"
	"github.com/dkeye/colastream/internal/config"
	"github.com/dkeye/colastream/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if err := run(ctx, cfg, level); err != nil {
		log.Error().Err(err).Msg("bridge exited")
		os.Exit(1)
	}
	log.Info().Msg("bridge exited gracefully")
}

func run(ctx context.Context, cfg *config.Config, level zerolog.Level) error {
	ice := turn.NewCache(cfg.TurnURL, cfg.ICETimeout)

	var observer core.SessionObserver
	var publisher *announce.Publisher
	if cfg.RedisAddr != "" {
		client, err := announce.Connect(ctx, announce.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		publisher = announce.NewPublisher(client, cfg.Room(), cfg.StreamID, cfg.AnnounceTTL)
		observer = publisher
	}

	var limiter *app.RequestRateLimiter
	if cfg.RateLimited() {
		limiter = app.NewRequestRateLimiter(cfg.RateLimit, cfg.RateInterval)
	} else {
		log.Warn().Msg("request rate limiting disabled")
	}

	bridge := app.NewBridge(app.BridgeConfig{
		Room:          cfg.Room(),
		StreamID:      cfg.StreamID,
		ViewerBaseURL: cfg.ViewerBaseURL,
		Dial: func(ctx context.Context) (core.SignalConnection, error) {
			return rendezvous.Dial(ctx, cfg.SignalingURL, rendezvous.Options{PingPeriod: cfg.PingPeriod})
		},
		Media: func(sig core.SignalConnection) (core.MediaFactory, error) {
			if cfg.Mode == config.ModeRelay {
				return rtc.NewRelayFactory(sig), nil
			}
			return rtc.NewFactory(rtc.LoggerFactory{Level: level})
		},
		ICE:      ice,
		Handler:  proxy.New(cfg.MediaServerURL, cfg.ProxyTimeout, ice),
		Limiter:  limiter,
		Observer: observer,
		Session: app.SessionOptions{
			MaxPending:         cfg.PendingDepth,
			NegotiationTimeout: cfg.NegotiationTimeout,
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bridge.Run(gctx) })

	if publisher != nil {
		g.Go(func() error { return publisher.Run(gctx) })
	}

	if cfg.StatusAddr != "" {
		srv := &http.Server{
			Addr: cfg.StatusAddr,
			Handler: router.SetupRouter(router.RouterConfig{
				Mode:   cfg.GinMode,
				Secret: cfg.StatusSecret,
			}, bridge, ice),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.StatusAddr).Msg("status api started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("status api forced to shutdown")
			}
			return nil
		})

		if cfg.MDNS {
			adv := discovery.NewAdvertiser(nil)
			if err := adv.Start(cfg.Room(), cfg.StreamID, cfg.StatusAddr); err != nil {
				log.Warn().Err(err).Msg("mdns disabled")
			} else {
				defer adv.Shutdown()
			}
		}
	}

	return g.Wait()
}
