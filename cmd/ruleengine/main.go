// Command ruleengine runs the card-payment authorization decision engine:
// the HTTP API, the ruleset registry, the velocity service, the outbox
// dispatcher, and the publisher worker, wired together and started under a
// single lifecycle manager.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	core "github.com/cardguard/ruleengine/internal/app/core/service"
	"github.com/cardguard/ruleengine/internal/app/engine"
	"github.com/cardguard/ruleengine/internal/app/httpapi"
	"github.com/cardguard/ruleengine/internal/app/outbox"
	"github.com/cardguard/ruleengine/internal/app/publisher"
	"github.com/cardguard/ruleengine/internal/app/registry"
	"github.com/cardguard/ruleengine/internal/app/system"
	"github.com/cardguard/ruleengine/internal/app/velocity"
	"github.com/cardguard/ruleengine/pkg/config"
	"github.com/cardguard/ruleengine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log_ := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	loader := registry.NewStagingLoader()
	reg := registry.New(loader)

	velocityTimeout := time.Duration(cfg.Velocity.CommandTimeoutMS) * time.Millisecond
	velocitySvc := velocity.NewService(redisClient, velocityTimeout, log_)

	debugCfg := engine.DebugConfig{
		Enabled:                 cfg.Evaluation.DebugEnabled,
		MaxConditionEvaluations: cfg.Evaluation.MaxConditionEvaluations,
		IncludeFieldValues:      cfg.Evaluation.IncludeFieldValues,
	}
	if cfg.Evaluation.DebugSampleRate > 0 && cfg.Evaluation.DebugSampleRate < 1 {
		debugCfg.SampleRate = int(1.0 / cfg.Evaluation.DebugSampleRate)
	}
	ruleEngine := engine.New(reg, velocitySvc, log_, engine.WithDebugConfig(debugCfg))

	outboxRetry := core.RetryPolicy{
		Attempts:       cfg.Outbox.RetryAttempts,
		InitialBackoff: time.Duration(cfg.Outbox.RetryInitialMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Outbox.RetryMaxMS) * time.Millisecond,
		Multiplier:     2,
	}
	dispatcher := outbox.New(redisClient, cfg.Outbox.StreamKey, cfg.Outbox.MaxStreamLen, cfg.Outbox.QueueCapacity, outboxRetry, log_)

	pub := publisher.New(redisClient, publisher.Config{
		SourceStream:           cfg.Outbox.StreamKey,
		BusStream:              cfg.Publisher.BusStreamKey,
		ConsumerGroup:          cfg.Publisher.ConsumerGroup,
		ConsumerName:           cfg.Publisher.ConsumerName,
		PollInterval:           time.Duration(cfg.Publisher.PollIntervalMS) * time.Millisecond,
		BatchSize:              cfg.Publisher.BatchSize,
		PendingMinIdle:         time.Duration(cfg.Publisher.PendingMinIdleMS) * time.Millisecond,
		PendingClaimCount:      cfg.Publisher.PendingClaimCount,
		PendingSummaryInterval: time.Duration(cfg.Publisher.PendingSummaryIntervalMS) * time.Millisecond,
	}, log_)

	handler := httpapi.NewHandler(ruleEngine, dispatcher, reg, loader)
	listenAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	descriptorProviders := []system.DescriptorProvider{dispatcher, pub}
	httpSvc := httpapi.NewService(listenAddr, handler, descriptorProviders, log_)

	manager := system.NewManager()
	manager.Register(dispatcher)
	manager.Register(pub)
	manager.Register(httpSvc)

	ctx := context.Background()
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("start services: %v", err)
	}
	log_.Infof("ruleengine listening on %s", listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}
