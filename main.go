package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"messaging-service/internal/config"
	"messaging-service/internal/db"
	"messaging-service/internal/fanout"
	grpcserver "messaging-service/internal/grpc"
	"messaging-service/internal/handlers"
	"messaging-service/internal/inbox"
	"messaging-service/internal/messaging"
	"messaging-service/internal/observability"
	"messaging-service/internal/presence"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/ws"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}

	database, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	if mode := rabbitmq.PublisherMode(publisher); mode == "noop" {
		log.Printf("event publisher disabled: %s", rabbitmq.PublisherNoopReason(publisher))
	}
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, "audit.messaging", cfg.ServiceName, cfg.Environment)

	var (
		relay   fanout.Relay = fanout.Noop{}
		tracker presence.Tracker
	)
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = presence.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Printf("redis unavailable, typing and fanout stay node-local: %v", err)
		}
	}
	if redisClient != nil {
		tracker = presence.NewRedisTracker(redisClient, presence.DefaultTTL)
		relay = fanout.NewRedisRelay(redisClient, fanout.DefaultChannel, cfg.NodeID)
	} else {
		tracker = presence.NewMemoryTracker(presence.DefaultTTL)
	}
	defer relay.Close()

	conversationRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	notificationRepo := repositories.NewNotificationRepo(database)
	userRepo := repositories.NewUserRepo(database)

	hub := ws.NewHub(relay)
	go relay.Run(ctx, hub.HandleRelay)

	service := messaging.NewService(conversationRepo, messageRepo, notificationRepo, hub, cfg.PersistTimeout)
	reads := inbox.NewService(conversationRepo, messageRepo, notificationRepo, userRepo, cfg.HistoryLimit)

	conversationHandler := handlers.NewConversationHandler(reads, service, tracker, audit)
	notificationHandler := handlers.NewNotificationHandler(reads, notificationRepo, audit)
	wsHandler := ws.NewHandler(hub, service, tracker)

	router := gin.Default()
	router.Use(
		otelgin.Middleware(cfg.ServiceName),
		observability.RequestIDMiddleware(),
		observability.HTTPMetricsMiddleware(),
		observability.CORSMiddleware(),
	)

	router.GET("/healthz", handlers.Healthz(database))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", wsHandler.Handle)
	handlers.RegisterRoutes(router, conversationHandler, notificationHandler)
	handlers.RegisterDebugRoutes(router, audit, cfg.DebugRoutes)

	health := grpcserver.NewHealthServer()
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatalf("failed to listen on grpc port: %v", err)
	}
	go func() {
		if err := health.Serve(lis); err != nil {
			log.Printf("grpc server stopped: %v", err)
		}
	}()

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		log.Printf("messaging service listening http=%s grpc=%s node=%s", cfg.Port, cfg.GRPCPort, cfg.NodeID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()
	health.SetServing(true)

	<-ctx.Done()
	log.Printf("shutting down")
	health.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	hub.Close()
	health.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
}
