package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/tank-level-service/internal/cache"
	"github.com/kjstillabower/tank-level-service/internal/client"
	"github.com/kjstillabower/tank-level-service/internal/config"
	httphandler "github.com/kjstillabower/tank-level-service/internal/http"
	"github.com/kjstillabower/tank-level-service/internal/lifecycle"
	"github.com/kjstillabower/tank-level-service/internal/observability"
	"github.com/kjstillabower/tank-level-service/internal/publish"
	"github.com/kjstillabower/tank-level-service/internal/render"
	"github.com/kjstillabower/tank-level-service/internal/service"
	"github.com/kjstillabower/tank-level-service/internal/widget"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	levelClient, err := client.NewThingSpeakClient(
		cfg.ThingSpeakAPIKey,
		cfg.ThingSpeakURL,
		cfg.ThingSpeakTimeout,
		client.WithAPIKeyInQuery(cfg.APIKeyInQuery),
	)
	if err != nil {
		logger.Fatal("thingspeak client", zap.Error(err))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case "none":
		logger.Info("cache backend: none")
	default:
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}
	levelService := service.NewLevelService(levelClient, cacheSvc, cfg.CacheTTL, cfg.CoalesceTimeout, logger)

	hub := httphandler.NewHub(logger)
	sinks := publish.Fanout{hub}

	var mqttPub *publish.MQTTPublisher
	if cfg.MQTT.Enabled {
		mqttPub, err = publish.NewMQTTPublisher(publish.MQTTOptions{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			QoS:            cfg.MQTT.QoS,
			Retained:       cfg.MQTT.Retained,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}, logger)
		if err != nil {
			logger.Fatal("mqtt publisher", zap.Error(err))
		}
		sinks = append(sinks, mqttPub)
		logger.Info("mqtt publishing enabled", zap.String("broker", cfg.MQTT.Broker), zap.String("topic_prefix", cfg.MQTT.TopicPrefix))
	}

	var kafkaPub *publish.KafkaPublisher
	if cfg.Kafka.Enabled {
		kafkaPub, err = publish.NewKafkaPublisher(publish.KafkaOptions{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		}, logger)
		if err != nil {
			logger.Fatal("kafka publisher", zap.Error(err))
		}
		sinks = append(sinks, kafkaPub)
		logger.Info("kafka publishing enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	wave := render.WaveParams{
		Width:                 cfg.Wave.Width,
		Samples:               cfg.Wave.Samples,
		Amplitude:             cfg.Wave.Amplitude,
		Wavelength:            cfg.Wave.Wavelength,
		Period:                cfg.Wave.Period,
		SloshAmplitudeFactor:  cfg.Wave.SloshAmplitudeFactor,
		SloshWavelengthFactor: cfg.Wave.SloshWavelengthFactor,
	}
	controllers := make([]*widget.Controller, 0, len(cfg.Tanks))
	for _, t := range cfg.Tanks {
		controllers = append(controllers, widget.New(levelService, widget.Options{
			Source: client.Source{
				Tank:      t.ID,
				ChannelID: t.ChannelID,
				Field:     t.Field,
				APIKey:    t.APIKey,
			},
			Name:            t.Name,
			RefreshInterval: cfg.RefreshInterval,
			TickInterval:    cfg.TickInterval,
			FrameInterval:   cfg.Wave.FrameInterval,
			WaveEnabled:     cfg.Wave.Enabled,
			Wave:            wave,
			SloshDuration:   cfg.Wave.SloshDuration,
			Sink:            sinks,
			Logger:          logger,
		}))
	}
	widgets, err := widget.NewSet(controllers...)
	if err != nil {
		logger.Fatal("widgets", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := widgets.Start(ctx); err != nil {
		logger.Fatal("widget start", zap.Error(err))
	}
	logger.Info("widgets started",
		zap.Int("tanks", len(cfg.Tanks)),
		zap.Duration("refresh_interval", cfg.RefreshInterval),
		zap.Duration("tick_interval", cfg.TickInterval))

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	observability.RegisterRateLimitGauges(cfg.OverloadWindow)

	handler := httphandler.NewHandler(widgets, hub, wave, healthConfig, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterOptions{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// WebSocket writes set their own deadlines.
		WriteTimeout: 0,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	widgets.Stop()
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if mqttPub != nil {
		mqttPub.Close()
	}
	if kafkaPub != nil {
		if err := kafkaPub.Close(); err != nil {
			logger.Error("kafka close", zap.Error(err))
		}
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
