package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/cache"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/collab"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/httpapi/handlers"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/httpapi/middleware"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/store"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/ws"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		Group   string   `mapstructure:"group"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"Auth"`
}

func initConfig() (*CollabConfig, error) {
	cfg := &CollabConfig{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// works whether launched from the repo root or from backend/
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

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config loaded: port=%d redis=%v kafka=%v", cfg.Running.Port, cfg.Redis.Addrs, cfg.Kafka.Brokers)

	// Redis presence is optional; without it rooms still work, the member
	// roster just is not shared across instances.
	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err = rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	}

	var elementStore store.ElementStore
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("failed to connect to mysql: %v", err)
		}
		elementStore = store.NewElementStore(db)
	}

	var dispatcher *collab.Dispatcher
	var producer sarama.SyncProducer
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err = sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("failed to connect kafka: %v", err)
		}
		defer producer.Close()
	}

	kafkaSem := collab.NewSemaphoreControl()
	dispatcher = collab.NewDispatcher(producer, cfg.Kafka.Topic, kafkaSem, collab.DispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	})

	hub := ws.NewHub(presence, dispatcher, elementStore)
	manager := ws.NewManager(hub)
	pages := handlers.NewPageHandler(hub, elementStore, presence)

	// Cross-instance relay: each node consumes the whole topic under its own
	// group id and skips events it produced itself.
	if producer != nil {
		groupID := cfg.Kafka.Group
		if groupID == "" {
			groupID = "collab"
		}
		groupID = groupID + "-" + hub.NodeID()
		relay, err := collab.NewRelay(cfg.Kafka.Brokers, groupID, cfg.Kafka.Topic, hub.NodeID(), hub)
		if err != nil {
			log.Fatalf("failed to start kafka relay: %v", err)
		}
		go func() {
			if err := relay.Run(context.Background()); err != nil {
				log.Printf("kafka relay stopped: %v", err)
			}
		}()
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	secret := []byte(cfg.Auth.Secret)

	collabGroup := r.Group("/collab")
	collabGroup.Use(middleware.AuthMiddleware(secret))
	collabGroup.GET("/ws", manager.WebSocketConnect)
	collabGroup.GET("/rooms", pages.ListRooms)
	collabGroup.GET("/projects/:projectId/pages/:pageId/elements", pages.PageElements)
	collabGroup.GET("/projects/:projectId/pages/:pageId/members", pages.RoomMembers)

	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok", "node": hub.NodeID()})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
