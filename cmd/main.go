/**
 * @description
 * This is the main entry point for the switch-connector. It is responsible
 * for initializing all components of the service: configuration, the Redis
 * store and pub/sub, the switch adapter client, the RabbitMQ producer and
 * saga consumer, the application service, the sweeper, and the HTTP server.
 * It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/redis/go-redis/v9: Redis client.
 * - internal/api, internal/app, internal/bulk, internal/config,
 *   internal/pubsub, internal/store, internal/workflow: Internal packages.
 * - pkg/rabbitmq, pkg/switchclient: External service clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mowali/switch-connector/internal/api"
	"github.com/mowali/switch-connector/internal/app"
	"github.com/mowali/switch-connector/internal/bulk"
	"github.com/mowali/switch-connector/internal/config"
	"github.com/mowali/switch-connector/internal/pubsub"
	"github.com/mowali/switch-connector/internal/store"
	"github.com/mowali/switch-connector/internal/workflow"
	rmrabbit "github.com/mowali/switch-connector/pkg/rabbitmq"
	"github.com/mowali/switch-connector/pkg/switchclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.DfspID) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"dfsp id must be configured\" env=DFSP_ID")
	}

	log.Printf("level=info component=bootstrap msg=\"starting switch-connector\" dfsp_id=%s port=%s", cfg.DfspID, cfg.ServerPort)

	// Connect the Redis store.
	storeOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"redis url parse failed\" err=%v", err)
	}
	storeClient := redis.NewClient(storeOptions)
	defer storeClient.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := storeClient.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"redis ping failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"redis store connected\"")
	repository := store.NewRedisRepository(storeClient)

	// Connect the pub/sub transport; it may share the store's server or use
	// its own.
	pubsubClient := storeClient
	if cfg.RedisPubSubURL != cfg.RedisURL {
		pubsubOptions, err := redis.ParseURL(cfg.RedisPubSubURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"pubsub redis url parse failed\" err=%v", err)
		}
		pubsubClient = redis.NewClient(pubsubOptions)
		defer pubsubClient.Close()
	}
	ps := pubsub.NewRedisPubSub(pubsubClient)
	channel := pubsub.NewChannel(ps)

	// Initialize the client for the switch-facing adapter.
	requester := switchclient.NewClient(cfg.SwitchBaseURL, cfg.SwitchAPIKey)

	// Initialize the RabbitMQ producer for saga events.
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq producer init failed\" err=%v", err)
	}
	defer rabbitProducer.Close()
	log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")

	workflowCfg := workflow.Config{
		DfspID:                       cfg.DfspID,
		ExpirySeconds:                cfg.ExpirySeconds,
		RequestTimeout:               time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		RejectExpiredQuoteResponses:  cfg.RejectExpiredQuoteResponses,
		RejectExpiredTransferFulfils: cfg.RejectExpiredTransferFulfils,
		AutoAcceptParty:              cfg.AutoAcceptParty,
		AutoAcceptQuote:              cfg.AutoAcceptQuote,
	}
	deps := workflow.Deps{
		Repo:      repository,
		Channel:   channel,
		Requester: requester,
		Cfg:       workflowCfg,
	}

	bulkCfg := bulk.Config{
		Exchange:                     cfg.EventExchange,
		ExpirySeconds:                cfg.ExpirySeconds,
		RequestTimeout:               time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		MaxBatchSize:                 cfg.MaxBatchSize,
		RejectExpiredQuoteResponses:  cfg.RejectExpiredQuoteResponses,
		RejectExpiredTransferFulfils: cfg.RejectExpiredTransferFulfils,
		FinishedTTL:                  time.Duration(cfg.BulkFinishedTTLMinutes) * time.Minute,
	}

	// Initialize the core application service and the saga handler set.
	connectorService := app.NewService(deps, rabbitProducer, bulkCfg)
	sagaHandlers := bulk.NewHandlers(repository, rabbitProducer, channel, requester, bulkCfg)

	// Wire up the saga consumer: one queue bound to every saga event name.
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()
	if err := rabbitConsumer.ConsumeWithBindings(cfg.EventExchange, cfg.EventQueue, sagaHandlers.Bindings()); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"saga consumer start failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"saga consumer started\"")

	// Start the stale-bulk sweeper.
	sweeper := app.NewSweeper(repository, sagaHandlers, time.Duration(cfg.BulkStaleAfterMinutes)*time.Minute)
	if err := sweeper.Start(cfg.SweepSchedule); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"sweeper start failed\" err=%v", err)
	}
	defer sweeper.Stop()

	// Set up the HTTP router and start the server.
	handlers := api.NewHandlers(connectorService, ps)
	router := api.Routes(handlers, cfg.InternalAPIKey, cfg.Origins())

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
