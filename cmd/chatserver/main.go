package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"campus-chat/internal/auth"
	"campus-chat/internal/chat"
	"campus-chat/internal/config"
	"campus-chat/internal/handlers/chatserver"
	appKafka "campus-chat/internal/kafka"
	kafkahandlers "campus-chat/internal/kafka/handlers"
	"campus-chat/internal/logging"
	appRedis "campus-chat/internal/redis"
	"campus-chat/internal/services"
	"campus-chat/internal/storage"
	"campus-chat/internal/websocket"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a config file (default ./config/config.yaml)")
	pflag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "chatserver: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. 加载配置
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Log, cfg.AppName)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// 2. 初始化数据库连接
	db, err := storage.InitDB(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	if err := storage.AutoMigrateTables(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", zap.String("type", cfg.Database.Type))

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	var background sync.WaitGroup

	// 3. 持久化通道: direct writes, or the Kafka log drained by the archiver
	archive := services.NewArchive(db, logger)
	var sink services.MessageSink = archive
	if cfg.Chat.Persistence == config.PersistenceKafka {
		producer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("create kafka producer: %w", err)
		}
		defer producer.Close()

		consumer, err := appKafka.NewConfluentKafkaConsumer(cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("create kafka consumer: %w", err)
		}
		defer consumer.Close()

		archiver := kafkahandlers.NewArchiveConsumerLogic(archive, logger)
		background.Add(1)
		go func() {
			defer background.Done()
			logger.Info("archiver started", zap.String("topic", cfg.Kafka.MessagesTopic))
			if err := consumer.Consume(rootCtx, []string{cfg.Kafka.MessagesTopic}, cfg.Kafka.ConsumerGroup, archiver.HandleRecord); err != nil {
				logger.Error("archiver stopped", zap.Error(err))
			}
		}()
		sink = services.NewKafkaSink(producer, cfg.Kafka.MessagesTopic)
	}

	messageService := services.NewMessageService(storage.NewGormMessageRepository(db), sink, cfg.Chat, logger)
	conversationService := services.NewConversationService(storage.NewGormConversationRepository(db))

	// 4. Token 黑名单 (optional)
	var blacklist auth.TokenBlacklist
	if cfg.Redis.Addr != "" {
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		client, err := appRedis.NewClient(pingCtx, cfg.Redis)
		cancel()
		if err != nil {
			return err
		}
		defer client.Close()
		blacklist = appRedis.NewRedisTokenBlacklist(client)
		logger.Info("token blacklist enabled", zap.String("redis", cfg.Redis.Addr))
	}
	authn := auth.NewAuthenticator(cfg.Auth, blacklist)
	if cfg.Auth.AllowAnonymous {
		logger.Warn("anonymous connections are enabled, do not run this in production")
	}

	// 5. WebSocket Hub 与路由
	hubCtx, cancelHub := context.WithCancel(context.Background())
	hub := websocket.NewHub(logger)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()
	router := chat.NewRouter(hub, messageService, chat.OptionsFromConfig(cfg.Chat), logger)

	handler := chatserver.NewRouter(cfg.Server,
		chatserver.NewWebSocketHandler(hub, router, authn, cfg.WebSocket, logger),
		chatserver.NewAPIHandler(router, conversationService, authn, logger),
		authn, logger)

	// 6. 启动 HTTP 服务器
	// no WriteTimeout: it would cut hijacked websocket connections
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("chat server listening", zap.String("addr", httpServer.Addr),
			zap.String("websocket_path", cfg.Server.WebSocketPath),
			zap.String("persistence", cfg.Chat.Persistence))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	// stopping the hub closes every connection; the router then waits for
	// persistence still in flight before the sinks go away
	cancelHub()
	<-hubDone
	router.Close()

	cancelRoot()
	background.Wait()
	logger.Info("chat server stopped")
	return nil
}
