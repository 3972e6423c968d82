package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/atc-api/internal/auth"
	"github.com/example/atc-api/internal/config"
	"github.com/example/atc-api/internal/grpcclient"
	"github.com/example/atc-api/internal/handlers"
	"github.com/example/atc-api/internal/imageprocessor"
	"github.com/example/atc-api/internal/logging"
	"github.com/example/atc-api/internal/metrics"
	"github.com/example/atc-api/internal/repository"
	"github.com/example/atc-api/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	metricsManager := metrics.NewManager()

	primary := repository.NewPrimaryStore(repository.PrimaryOptions{
		DSN:            cfg.Database.DSN,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		OpTimeout:      cfg.Database.OpTimeout,
		MaxIdleConns:   cfg.Database.MaxIdleConns,
		MaxOpenConns:   cfg.Database.MaxOpenConns,
	}, logger)
	if err := primary.Init(ctx); err != nil {
		logger.Warn("primary store unavailable at startup, records go to fallback files", zap.Error(err))
	}
	defer primary.Close() //nolint:errcheck

	store := repository.NewResilientStore(primary, repository.NewFileStore(cfg.UploadsDir), metricsManager, logger)
	images := imageprocessor.NewStorage(cfg.UploadsDir)

	vision, conn, err := grpcclient.DialVision(ctx, cfg.Vision.Addr, grpcclient.VisionOptions{
		Timeout:        cfg.Vision.Timeout,
		MarkerLengthCM: cfg.Vision.MarkerLengthCM,
	}, logger)
	if err != nil {
		logger.Fatal("failed to set up vision client", zap.Error(err))
	}
	defer conn.Close()

	var cache usecase.Cache
	if cfg.Redis.Enabled {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.Redis.Addr, logger)
		redisCancel()
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient)
	}

	uc := usecase.NewAnimalUseCase(store, images, vision, vision, cache, metricsManager, logger,
		usecase.WithCacheTTL(cfg.Redis.TTL))

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(cfg, uc, metricsManager, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("ATC API listening",
		zap.String("addr", cfg.Addr),
		zap.String("uploads_dir", cfg.UploadsDir),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
		zap.Bool("cache_enabled", cfg.Redis.Enabled),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(cfg *config.Config, uc *usecase.AnimalUseCase, metricsManager *metrics.Manager, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), metricsManager.GinMiddleware())

	opts := handlers.Options{
		MaxBodyBytes: cfg.MaxUploadBytes,
		Metrics:      metricsManager.Handler(),
		Logger:       logger,
	}
	if cfg.Auth.Enabled {
		opts.Auth = auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	}
	handlers.RegisterRoutes(r, uc, opts)
	return r
}

// initRedis never fails startup: the cache is optional and every cache error
// is tolerated at request time.
func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Warn("redis unreachable, record cache degraded", zap.String("addr", addr), zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
