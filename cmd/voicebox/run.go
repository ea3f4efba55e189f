package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"voicebox/internal/core/domain"
	"voicebox/internal/core/ports"
	"voicebox/internal/core/services"
	httphandlers "voicebox/internal/handlers/http"
	"voicebox/internal/infrastructure/audio"
	"voicebox/internal/infrastructure/monitoring"
	"voicebox/internal/infrastructure/repositories"
	"voicebox/internal/infrastructure/transport"
	"voicebox/pkg/circuitbreaker"
	"voicebox/pkg/config"
	"voicebox/pkg/logger"
	"voicebox/pkg/retry"
	"voicebox/pkg/tracing"
	"voicebox/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// runtime holds what outlives a single registration attempt.
type runtime struct {
	cfg       *config.Config
	log       *zap.SugaredLogger
	directory ports.PeerDirectory
	metrics   ports.Metrics
	events    *httphandlers.EventHub
	sessionID string
}

func run(ctx context.Context, cfg *config.Config, headless bool) error {
	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "voicebox",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("Tracer shutdown failed", "error", err)
		}
	}()

	factory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("create repository factory: %w", err)
	}
	defer func() {
		if err := factory.Close(); err != nil {
			log.Errorw("Error closing repository factory", "error", err)
		}
	}()

	var (
		metrics        ports.Metrics = monitoring.NoopMetrics{}
		metricsHandler http.Handler
	)
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
		metricsHandler = promhttp.Handler()
	}

	store := factory.CreateDirectoryStore()
	directory := services.NewPeerDirectoryService(store, directoryOptions(cfg), metrics, log)

	rt := &runtime{
		cfg:       cfg,
		log:       log,
		directory: directory,
		metrics:   metrics,
		events:    httphandlers.NewEventHub(log),
		sessionID: utils.GenerateSessionID(),
	}
	if cfg.Directory.LookupCacheTTL > 0 {
		cached := services.NewCachedPeerDirectory(directory, cfg.Directory.LookupCacheTTL)
		defer cached.Close()
		rt.directory = cached
	}
	defer rt.events.Close()

	prompt := newPrompter(os.Stdin, os.Stdout)
	node, pool, err := rt.join(ctx, prompt, headless)
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			log.Warnw("Node shutdown reported errors", "error", err)
		}
	}()

	fmt.Printf("Welcome %s! Others can call you at %s\n", node.Username(), node.Address())

	health := monitoring.NewHealthChecker()
	health.AddStoreCheck(store, 2*time.Second)
	health.AddListenerCheck(pool)
	if !health.IsReady(ctx) {
		log.Warnw("Node started degraded", "health", health.CheckAll(ctx))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		var auth services.AuthService
		if cfg.API.Auth.Enabled {
			auth = services.NewAuthService(cfg.API.Auth.JWTSecret, cfg.API.Auth.TokenTTL)
			token, err := auth.GenerateToken(node.Username())
			if err != nil {
				return fmt.Errorf("issue control token: %w", err)
			}
			fmt.Printf("Control API token: %s\n", token)
			rt.log.Infow("Control API token issued", "token", utils.MaskSensitive(token, 8), "ttl", cfg.API.Auth.TokenTTL)
		}

		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := httphandlers.NewRouter(httphandlers.RouterOptions{
			Config:  cfg,
			Node:    node,
			Events:  rt.events,
			Health:  health,
			Auth:    auth,
			Metrics: metricsHandler,
			Logger:  log,
		})
		srv := &http.Server{
			Addr:         cfg.API.Address,
			Handler:      router,
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
		}

		g.Go(func() error {
			log.Infow("Control API listening", "address", cfg.API.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			rt.events.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Errorw("Error during server shutdown", "error", err)
				return srv.Close()
			}
			return nil
		})
	}

	if !headless {
		// the menu blocks on stdin, so it cancels the group instead of joining it
		go func() {
			defer cancel()
			if err := runMenu(gctx, newMenuCommand(node, os.Stdout), prompt); err != nil {
				log.Errorw("Menu stopped", "error", err)
			}
		}()
	}

	<-gctx.Done()
	log.Infow("Shutting down", "username", node.Username())
	cancel()
	return g.Wait()
}

func directoryOptions(cfg *config.Config) services.DirectoryOptions {
	opts := services.DefaultDirectoryOptions()
	opts.OperationTimeout = cfg.Directory.OperationTimeout
	opts.CircuitBreaker = circuitbreaker.DefaultConfig()
	opts.CircuitBreaker.FailureThreshold = cfg.Directory.CircuitBreaker.FailureThreshold
	opts.CircuitBreaker.Timeout = cfg.Directory.CircuitBreaker.Timeout
	return opts
}

// join builds a node, starts it and registers its username, asking for
// another name while the chosen one is taken.
func (rt *runtime) join(ctx context.Context, prompt *prompter, headless bool) (*services.Node, *transport.Pool, error) {
	username := rt.cfg.Node.Username
	for {
		if username == "" {
			if headless {
				return nil, nil, errors.New("node.username is required with --headless")
			}
			var err error
			if username, err = prompt.ask("Username"); err != nil {
				return nil, nil, err
			}
		}

		node, pool, err := rt.newNode(username)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidUsername) && !headless {
				fmt.Printf("Error with username: %v\n", err)
				username = ""
				continue
			}
			return nil, nil, err
		}
		if err := node.Start(ctx); err != nil {
			node.Close()
			return nil, nil, err
		}

		err = rt.register(ctx, node)
		if err == nil {
			return node, pool, nil
		}
		node.Close()

		if errors.Is(err, domain.ErrUsernameTaken) && !headless {
			fmt.Printf("Username %q is taken, pick another\n", username)
			username = ""
			continue
		}
		return nil, nil, err
	}
}

func (rt *runtime) register(ctx context.Context, node *services.Node) error {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = rt.cfg.Directory.Retry.MaxAttempts
	cfg.InitialDelay = rt.cfg.Directory.Retry.InitialDelay
	cfg.MaxDelay = rt.cfg.Directory.Retry.MaxDelay
	cfg.RetryableErrors = []error{domain.ErrDirectoryUnavailable}
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		rt.log.Warnw("Directory unavailable, retrying registration", "attempt", attempt, "delay", delay, "error", err)
	}

	return retry.Retry(ctx, cfg, func() error {
		return node.Register(ctx)
	})
}

func (rt *runtime) newNode(username string) (*services.Node, *transport.Pool, error) {
	capture, err := audio.NewCaptureDevice(rt.cfg)
	if err != nil {
		return nil, nil, err
	}
	playback, err := audio.NewPlaybackFactory(rt.cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := transport.OptionsFromConfig(rt.cfg, utils.StreamSSRC(rt.sessionID))
	opts.Username = username
	pool := transport.NewPool(opts, rt.metrics, rt.log)

	node, err := services.NewNode(services.NodeOptions{
		Username:          username,
		PlaybackQueueSize: rt.cfg.Audio.PlaybackQueueSize,
	}, services.NodeDependencies{
		Directory: rt.directory,
		Pool:      pool,
		Capture:   capture,
		Playback:  playback,
		Events:    rt.events,
		Metrics:   rt.metrics,
		Logger:    rt.log,
	})
	if err != nil {
		return nil, nil, err
	}
	return node, pool, nil
}
