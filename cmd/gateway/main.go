package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/fabkury/makapix-sub009/internal/blob"
	"github.com/fabkury/makapix-sub009/internal/catalog"
	"github.com/fabkury/makapix-sub009/internal/command"
	"github.com/fabkury/makapix-sub009/internal/config"
	"github.com/fabkury/makapix-sub009/internal/dispatch"
	"github.com/fabkury/makapix-sub009/internal/kvstore"
	"github.com/fabkury/makapix-sub009/internal/limiter"
	"github.com/fabkury/makapix-sub009/internal/registry"
	"github.com/fabkury/makapix-sub009/internal/resolver"
	gwruntime "github.com/fabkury/makapix-sub009/internal/runtime"
	"github.com/fabkury/makapix-sub009/internal/telemetry"
	"github.com/fabkury/makapix-sub009/internal/transport"
)

const (
	storeTimeout       = 2 * time.Second
	publishWaitTimeout = 5 * time.Second
	// randomPool caps the candidate set seeded-random ordering draws from.
	randomPool = 5000
)

func quotaOf(q config.Quota) limiter.Quota {
	return limiter.Quota{Name: q.Name, Limit: q.Limit, Window: q.Window, FailOpen: q.FailOpen}
}

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	logger.Print(cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gwruntime.SetupGracefulShutdown(cancel, logger)

	// Shared store: one Redis connection serves the limiter, the dedup
	// markers and the device registry.
	store := kvstore.NewRedis(kvstore.RedisOpts{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Timeout:  storeTimeout,
	})
	defer store.Close()

	reg := registry.NewRedisFromClient(store.Client(), registry.RedisOpts{
		UsePubSub: true,
		Timeout:   storeTimeout,
	})

	lim := limiter.New(store, logger)
	dedup := limiter.NewDeduper(store, cfg.DedupTTL, logger)

	repo, err := catalog.NewSQLite(cfg.CatalogDSN)
	if err != nil {
		logger.Fatalf("catalog error: %v", err)
	}
	defer repo.Close()

	signer, err := blob.NewMinIO(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey,
		cfg.MinioUseTLS, cfg.MinioBucket, cfg.BlobURLTTL)
	if err != nil {
		logger.Fatalf("blob store error: %v", err)
	}
	if err := signer.EnsureBucket(ctx); err != nil {
		logger.Fatalf("blob store error: %v", err)
	}

	producer, err := telemetry.NewProducer(telemetry.ProducerOpts{
		Brokers:      cfg.KafkaBrokers,
		ViewsTopic:   cfg.KafkaViewsTopic,
		DLQTopic:     cfg.KafkaDLQTopic,
		Compression:  cfg.KafkaCompression,
		RequiredAcks: cfg.KafkaRequiredAcks,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeoutMs) * time.Millisecond,
		MaxAttempts:  cfg.KafkaMaxAttempts,
	})
	if err != nil {
		logger.Fatalf("kafka error: %v", err)
	}
	defer producer.Close()

	statusWriter := telemetry.NewStatusWriter(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
	defer statusWriter.Close()

	// The dispatcher and the MQTT client reference each other: the client
	// feeds HandleMessage, the dispatcher publishes through the client.
	var dispatcher *dispatch.Dispatcher
	client := transport.BuildClient(cfg.MQTTBrokerURL, cfg.MQTTClientID, cfg.MQTTUsername,
		cfg.MQTTPassword, cfg.TopicRoot, cfg.MQTTQoS, logger,
		func(topic string, payload []byte) { dispatcher.HandleMessage(topic, payload) })
	pub := transport.NewPublisher(client, cfg.MQTTQoS, cfg.MaxOutboundBytes, publishWaitTimeout)

	pipeline := telemetry.NewPipeline(cfg.TopicRoot, lim, quotaOf(cfg.TelemetryQuota), dedup,
		producer, statusWriter, pub, logger)

	handlers := &dispatch.Handlers{
		Resolver:     resolver.New(repo, cfg.MaxPageSize, randomPool),
		Repo:         repo,
		Signer:       signer,
		Telemetry:    pipeline,
		Limiter:      lim,
		RequestQuota: quotaOf(cfg.RequestQuota),
		Logger:       logger,
	}

	dispatcher = dispatch.New(dispatch.Options{
		TopicRoot:   cfg.TopicRoot,
		Registry:    reg,
		Publisher:   pub,
		Handlers:    handlers.Table(),
		Telemetry:   pipeline,
		Logger:      logger,
		Timeout:     cfg.HandlerTimeout,
		MaxInbound:  cfg.MaxInboundBytes,
		MaxOutbound: cfg.MaxOutboundBytes,
	})

	sender := command.NewSender(cfg.TopicRoot, pub, reg, lim,
		quotaOf(cfg.CommandDeviceQuota), quotaOf(cfg.CommandAccountQuota), logger)
	intake := command.NewIntake(cfg.KafkaBrokers, cfg.KafkaCommandsTopic, cfg.KafkaCommandsGroup,
		sender, producer, logger)
	defer intake.Close()
	go func() {
		if err := intake.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("[error] command intake stopped: %v", err)
			cancel()
		}
	}()

	transport.ConnectWithBackoff(ctx, logger, client, 2*time.Second, 30*time.Second)

	<-ctx.Done()
	client.Disconnect(250)
	logger.Println("gateway stopped")
}
