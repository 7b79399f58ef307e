package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	appconfig "collabCore/backend/config"
	"collabCore/backend/internal/bus"
	"collabCore/backend/internal/cache"
	"collabCore/backend/internal/httpapi/handlers"
	"collabCore/backend/internal/httpapi/middleware"
	"collabCore/backend/internal/presence"
	"collabCore/backend/internal/session"
	"collabCore/backend/internal/store"
	"collabCore/backend/internal/ws"
)

func initConfig() (*appconfig.Config, error) {
	cfg := &appconfig.Config{}
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func secondsOr(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config loaded, port=%d", cfg.Running.Port)

	// === Redis（跨实例在线名单镜像，可选） ===
	var mirror cache.PresenceCache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err = rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		mirror = cache.NewRedisPresence(rdb)
	}

	// === MySQL：快照 + 文档元数据（可选） ===
	var snapshots session.SnapshotStore
	var documents *store.DocumentStore
	var users *store.UserStore
	if cfg.Mysql.DSN != "" {
		db, err := sql.Open("mysql", cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		snapshots = store.NewSnapshotStore(db)

		gdb, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to init gorm: %v", err)
		}
		documents = store.NewDocumentStore(gdb)
		users = store.NewUserStore(gdb)
	}

	// === Kafka Producer（跨实例 op 扇出，可选） ===
	var dispatcher *session.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		dispatcher = session.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			session.NewSemaphoreControl(),
			session.KafkaDispatcherOptions{
				//  Go 允许在数字里用下划线做分隔符，方便阅读
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
	}

	// === 核心装配：事件总线 → 在线注册表 / 会话存储 → WS 层 ===
	events := bus.NewBroadcaster()
	defer events.Close()

	registry := presence.NewRegistry(events)
	registry.StartSweeper(
		secondsOr(cfg.Presence.SweepIntervalSeconds, presence.DefaultSweepInterval),
		secondsOr(cfg.Presence.StaleThresholdSeconds, presence.DefaultStaleThreshold),
	)
	defer registry.Close()

	sessions := session.NewStore(snapshots, events, dispatcher)

	hub := ws.NewHub(events, registry, mirror)
	manager := ws.NewManager(hub, sessions, session.NewSemaphoreControl())

	query := handlers.NewQueryHandler(sessions, registry, documents, users)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	collab := r.Group("/collab")
	// 鉴权：从 Authorization 或 ?token= 提取，写入 participantId/username
	collab.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	collab.GET("/ws", manager.WebSocketConnect)

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	v1.GET("/presence", query.ListOnline)
	v1.GET("/presence/:participantId", query.GetPresence)
	v1.GET("/docs/:docId/participants", query.GetActiveParticipants)
	v1.GET("/docs/:docId/history", query.GetHistory)
	v1.POST("/docs", query.CreateDocument)
	v1.GET("/docs/resolve", query.ResolveDocument)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	_ = r.Run(fmt.Sprintf(":%d", cfg.Running.Port))
}
