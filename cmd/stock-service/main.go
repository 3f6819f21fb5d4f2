// cmd/stock-service/main.go
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mall/internal/pkg/bootstrap"
	"mall/internal/pkg/lock"
	"mall/internal/pkg/mq"
	pkgredis "mall/internal/pkg/redis"
	"mall/internal/service/stock/application"
	"mall/internal/service/stock/infrastructure"
	"mall/internal/service/stock/interfaces"
)

const serviceName = "stock-service"

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config yaml")
	flag.Parse()

	cfg, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// MySQL: 库存与凭证的持久化
	db, err := gorm.Open(mysql.Open(cfg.Infra.Mysql.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mysql")
	}
	if err := db.AutoMigrate(
		&infrastructure.StockRecordModel{},
		&infrastructure.ReservationTicketModel{},
		&infrastructure.StockOperationLogModel{},
	); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	// Redis: 幂等账本 + 分布式锁
	redisClient, err := pkgredis.NewClient(cfg.Infra.Redis.Addrs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	lockOpts := lock.Options{
		WaitTime:  cfg.Stock.Lock.WaitTime.Std(),
		LeaseTime: cfg.Stock.Lock.LeaseTime.Std(),
		Retry:     cfg.Stock.Lock.Retry.Std(),
	}
	var locker lock.Coordinator
	switch cfg.Stock.Lock.Backend {
	case "zookeeper":
		zkLocker, err := lock.NewZKCoordinator(
			strings.Split(cfg.Infra.Zookeeper.Servers, ","),
			cfg.Infra.Zookeeper.SessionTimeout.Std(),
			lockOpts,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to zookeeper")
		}
		defer zkLocker.Close()
		locker = zkLocker
	default:
		redisLocker, err := lock.NewRedisCoordinator(redisClient, lockOpts)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize redis lock scripts")
		}
		locker = redisLocker
	}

	brokers := strings.Split(cfg.Infra.Kafka.Brokers, ",")
	failureWriter := mq.NewKafkaWriter(brokers, cfg.Infra.Kafka.Topics.FreezeFailed)
	notifier := infrastructure.NewFreezeFailedKafkaNotifier(failureWriter)

	appService := application.NewStockApplicationService(
		infrastructure.NewGormStockRepository(db),
		infrastructure.NewGormTicketRepository(db),
		infrastructure.NewGormOperationLog(db),
		infrastructure.NewRedisLedger(redisClient),
		notifier,
		locker,
		otel.Tracer(serviceName),
		application.Options{
			LedgerTTL: cfg.Stock.LedgerTTL.Std(),
			FairLocks: cfg.Stock.Lock.Fair,
		},
	)

	handlers := infrastructure.NewStockEventHandlers(appService, otel.Tracer(serviceName))
	topics := cfg.Infra.Kafka.Topics
	// 每个主题一个独立消费组，再均衡和位点互不干扰
	consumers := []*infrastructure.Consumer{
		infrastructure.NewConsumer(
			mq.NewKafkaReader(brokers, topics.OrderCreated, mq.ConsumerGroupID(serviceName, topics.OrderCreated)),
			handlers.HandleOrderCreated, cfg.Stock.Workers),
		infrastructure.NewConsumer(
			mq.NewKafkaReader(brokers, topics.OrderCompleted, mq.ConsumerGroupID(serviceName, topics.OrderCompleted)),
			handlers.HandleOrderCompleted, cfg.Stock.Workers),
		infrastructure.NewConsumer(
			mq.NewKafkaReader(brokers, topics.StockConfirm, mq.ConsumerGroupID(serviceName, topics.StockConfirm)),
			handlers.HandleStockConfirm, cfg.Stock.Workers),
		infrastructure.NewConsumer(
			mq.NewKafkaReader(brokers, topics.StockRollback, mq.ConsumerGroupID(serviceName, topics.StockRollback)),
			handlers.HandleStockRollback, cfg.Stock.Workers),
	}

	httpHandler := interfaces.NewStockHandler(appService)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
			httpHandler.RegisterRoutes(appCtx.Mux)
		},
		Run: func(ctx context.Context) error {
			g, ctx := errgroup.WithContext(ctx)
			for _, c := range consumers {
				c := c
				g.Go(func() error { return c.Run(ctx) })
			}
			return g.Wait()
		},
		OnShutdown: func(ctx context.Context) {
			if err := notifier.Close(); err != nil {
				log.Error().Err(err).Msg("error closing failure notifier")
			}
			if err := redisClient.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis client")
			}
		},
	})
}
