package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"docsync/backend/config"
	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/httpapi/handlers"
	"docsync/backend/internal/httpapi/middleware"
	"docsync/backend/internal/revsync"
	"docsync/backend/internal/store"
	"docsync/backend/internal/ws"
)

func openStore(cfg *config.CollabConfig) (revsync.Persistence, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "mysql":
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return nil, err
		}
		return store.NewGormStore(db), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: port=%d store=%s redis=%v kafka=%v ack=%s",
		cfg.Running.Port, cfg.Store.Driver, cfg.Redis.Addrs, cfg.Kafka.Brokers, cfg.Sync.AckPolicy)

	persistence, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	var (
		presence cache.PresenceCache
		docCache *cache.DocumentCache
	)
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
		docCache = cache.NewDocumentCache(rdb)
	}

	syncOpt := revsync.Options{
		MailboxSize:    cfg.Sync.MailboxSize,
		HistoryCap:     cfg.Sync.HistoryCap,
		SnapshotEvery:  cfg.Sync.SnapshotEvery,
		AckPolicy:      revsync.ParseAckPolicy(cfg.Sync.AckPolicy),
		PersistTimeout: cfg.Sync.PersistTimeout,
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer needs Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			})
		// runs before producer.Close
		defer dispatcher.Close()
		syncOpt.Publisher = dispatcher
	}

	docs := revsync.NewManager(persistence, syncOpt)
	wsManager := ws.NewManager(ws.NewHub(), docs, presence, collab.NewSemaphoreControlN(cfg.Sync.MaxInflight),
		ws.Options{HeartbeatInterval: cfg.Sync.HeartbeatInterval})

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})
	g := r.Group("/collab")
	g.Use(middleware.AuthMiddleware([]byte(cfg.Auth.Secret)))
	g.GET("/ws", wsManager.WebSocketConnect)
	handlers.NewDocumentHandler(docs, docCache, presence).Register(g)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Printf("collab server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
		// flush pending revisions and write final snapshots
		return docs.Close(shutdownCtx)
	})
	if err := eg.Wait(); err != nil {
		log.Printf("collab server stopped: %v", err)
	}
}
