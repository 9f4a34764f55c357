package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	commonauth "gigsync/server/common/auth"
	"gigsync/server/common/infra/cache"
	"gigsync/server/common/infra/db"
	"gigsync/server/common/infra/mq"
	commonlog "gigsync/server/common/log"
	"gigsync/server/realtime/channel"
	"gigsync/server/realtime/repository"
	"gigsync/server/session/api"
	"gigsync/server/session/service"
)

type Server struct {
	HTTPServer *http.Server
	Hub        *service.Hub
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	MQConn     *amqp.Connection
	Publisher  *service.AMQPPublisher

	cancel     context.CancelFunc
	background sync.WaitGroup
}

type backend struct {
	transport channel.Transport
	chats     service.ChatStore
	notifs    service.NotificationStore
	claims    service.Claimer
}

func NewServer(cfg Config) (*Server, error) {
	commonlog.Configure(cfg.Log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Server{Hub: service.NewHub(), cancel: bgCancel}

	var (
		be  backend
		err error
	)
	switch cfg.Backend {
	case BackendMemory:
		be = s.memoryBackend()
	default:
		be, err = s.postgresBackend(ctx, bgCtx, cfg)
	}
	if err != nil {
		s.closeInfra()
		return nil, err
	}

	var publisher service.EventPublisher
	if cfg.UseMQ {
		s.MQConn, err = mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			s.closeInfra()
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		s.Publisher, err = service.NewAMQPPublisher(s.MQConn)
		if err != nil {
			s.closeInfra()
			return nil, fmt.Errorf("initialize amqp publisher: %w", err)
		}
		publisher = s.Publisher
	}

	chatSvc := service.NewChatService(be.chats, be.notifs, publisher)
	if s.MQConn != nil {
		ingestor := service.NewNotificationIngestor(s.MQConn, cfg.NotificationQueue, chatSvc)
		s.background.Go(func() {
			if err := ingestor.Run(bgCtx); err != nil {
				commonlog.Errorf("event=notification_ingest action=run status=stopped error=%v", err)
			}
		})
	}

	wsSvc := service.NewRealtimeService(be.transport, chatSvc, be.claims, s.Hub, service.RealtimeConfig{
		PresenceChannel: cfg.PresenceChannel,
		TypingWindow:    cfg.TypingWindow,
	})
	h := api.NewHandler(chatSvc, wsSvc, commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes))
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	h.RegisterRoutes(r)

	s.HTTPServer = &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	commonlog.Infof("event=session_server action=init status=ok backend=%s use_mq=%t", cfg.Backend, cfg.UseMQ)
	return s, nil
}

func (s *Server) memoryBackend() backend {
	bus := channel.NewMemory()
	store := repository.NewMemoryStore(bus)
	return backend{transport: bus, chats: store, notifs: store, claims: service.NewMemoryClaimer(0)}
}

func (s *Server) postgresBackend(ctx, bgCtx context.Context, cfg Config) (backend, error) {
	pool, err := db.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return backend{}, fmt.Errorf("initialize postgres: %w", err)
	}
	s.Pool = pool
	if err := repository.EnsureSchema(ctx, pool); err != nil {
		return backend{}, err
	}

	s.Redis = cache.NewClient(cfg.RedisAddr)
	if err := cache.Ping(ctx, s.Redis); err != nil {
		return backend{}, fmt.Errorf("ping redis: %w", err)
	}
	s.Hub.UseRedis(s.Redis)
	if err := s.Hub.StartRedisSubscriber(bgCtx); err != nil {
		return backend{}, fmt.Errorf("start session events subscriber: %w", err)
	}

	listener := channel.NewPGListener(pool)
	s.background.Go(func() {
		if err := listener.Run(bgCtx); err != nil {
			commonlog.Errorf("event=pg_listen action=run status=stopped error=%v", err)
		}
	})

	transport := channel.NewRedis(s.Redis, listener, channel.RedisOptions{PresenceTTL: cfg.PresenceTTL})
	return backend{
		transport: transport,
		chats:     repository.NewChatRepository(pool),
		notifs:    repository.NewNotificationRepository(pool),
		claims:    service.NewRedisClaimer(s.Redis, 0),
	}, nil
}

// Shutdown closes live sessions first so their presence leaves are still
// published, then stops HTTP and background consumers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Hub.CloseAll()
	err := s.HTTPServer.Shutdown(ctx)
	s.closeInfra()
	return err
}

func (s *Server) closeInfra() {
	s.Hub.StopRedisSubscriber()
	s.cancel()
	s.background.Wait()
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
