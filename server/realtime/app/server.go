package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"sns_server/server/common/infra/cache"
	"sns_server/server/common/infra/db"
	"sns_server/server/common/infra/mq"
	"sns_server/server/realtime/api"
	"sns_server/server/realtime/repository"
	"sns_server/server/realtime/service"
)

type Server struct {
	HTTPServer *http.Server
	DB         *pgxpool.Pool
	Redis      *redis.Client
	MQConn     *amqp.Connection

	consumerCancel context.CancelFunc
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbPool, err := db.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres: %w", err)
	}

	redisClient := cache.NewClient(cfg.RedisAddr)
	if err := cache.Ping(ctx, redisClient); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	messageRepo := repository.NewMessageRepository(dbPool)
	mailboxRepo := repository.NewMailboxRepository(dbPool)
	feedRepo := repository.NewFeedRepository(dbPool)
	socialRepo := repository.NewSocialRepository(dbPool)
	presenceRepo := repository.NewPresenceRepository(redisClient)
	limiterRepo := repository.NewRateLimitRepository(redisClient)
	dedupRepo := repository.NewDedupRepository(redisClient)

	registry := service.NewRegistry(cfg.DuplicateDevicePolicy)
	presence := service.NewPresenceTracker(presenceRepo, socialRepo, registry, cfg.PresenceGrace)
	delivery := service.NewDeliveryEngine(messageRepo, mailboxRepo, socialRepo, registry, dedupRepo)
	typing := service.NewTypingBroadcaster(socialRepo, registry, limiterRepo, cfg.TypingWindow)
	notify := service.NewNotificationFanout(feedRepo, registry)
	calls := service.NewCallManager(registry, cfg.CallRingTimeout, cfg.CallSetupTimeout)

	registry.AddListener(presence)
	registry.AddListener(calls)

	var (
		mqConn         *amqp.Connection
		consumerCancel context.CancelFunc
	)
	if cfg.UseMQ {
		mqConn, err = mq.NewConnection(cfg.RabbitMQURL)
		if err != nil {
			dbPool.Close()
			_ = redisClient.Close()
			return nil, fmt.Errorf("initialize rabbitmq: %w", err)
		}
		consumerCtx, cancelConsumer := context.WithCancel(context.Background())
		consumer := service.NewNotificationConsumer(mqConn, notify)
		if err := consumer.Start(consumerCtx); err != nil {
			cancelConsumer()
			_ = mqConn.Close()
			dbPool.Close()
			_ = redisClient.Close()
			return nil, fmt.Errorf("start notification consumer: %w", err)
		}
		consumerCancel = cancelConsumer
	}

	wsSvc := service.NewRealtimeService(registry, presence, delivery, typing, notify, calls)

	h := api.NewHandler(wsSvc, presence, delivery, notify, cfg.JWTSecret, cfg.JWTTTLMinutes)
	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		HTTPServer:     httpServer,
		DB:             dbPool,
		Redis:          redisClient,
		MQConn:         mqConn,
		consumerCancel: consumerCancel,
	}, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.consumerCancel != nil {
		s.consumerCancel()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	return s.HTTPServer.Shutdown(ctx)
}
