// Package bootstrap builds the long-lived handles every binary needs from one AppConfig
// and tears them down in reverse order.
package bootstrap

import (
	"FinDocAnalyzer/internal/artifact"
	"FinDocAnalyzer/internal/config"
	"FinDocAnalyzer/internal/database/kafka"
	"FinDocAnalyzer/internal/database/minio"
	"FinDocAnalyzer/internal/database/mongo"
	"FinDocAnalyzer/internal/database/redis"
	"FinDocAnalyzer/internal/database/sqldb"
	"FinDocAnalyzer/internal/executor"
	"FinDocAnalyzer/internal/extract"
	"FinDocAnalyzer/internal/jobstore"
	"FinDocAnalyzer/internal/llm"
	"FinDocAnalyzer/internal/maintenance"
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/internal/queue"
	"FinDocAnalyzer/internal/scheduler"
	"FinDocAnalyzer/pkg/logger"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// App holds the store and broker shared by the api, worker and beat processes.
type App struct {
	Config *config.AppConfig
	Log    *logger.Logger
	Store  jobstore.Store
	Broker queue.Broker
	Routes queue.Routes
	Policy queue.RetryPolicy

	closers []func() error
}

// Open connects the job store and the broker. On error everything opened so far is closed.
func Open(ctx context.Context, cfg *config.AppConfig, log *logger.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		Log:    log,
		Routes: queue.Routes{Analysis: cfg.Queue.AnalysisQueue, Default: cfg.Queue.DefaultQueue},
		Policy: queue.RetryPolicy{
			MaxRetries: cfg.Worker.Retry.MaxRetries,
			Delay:      cfg.Worker.Retry.DelayDuration(),
			Backoff:    queue.BackoffFixed,
		},
	}
	store, err := OpenStore(ctx, &cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	broker, err := OpenBroker(ctx, cfg, a.Routes, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Broker = broker
	a.closers = append(a.closers, broker.Close)
	return a, nil
}

// OpenStore opens and migrates the configured job store.
func OpenStore(ctx context.Context, cfg *config.StorageConfig) (jobstore.Store, error) {
	switch cfg.Driver {
	case "sqlite", "mysql":
		db, err := sqldb.Open(cfg)
		if err != nil {
			return nil, err
		}
		s := jobstore.NewGormStore(db)
		if err := s.Migrate(ctx); err != nil {
			_ = sqldb.Close(db)
			return nil, fmt.Errorf("数据库迁移失败: %w", err)
		}
		return s, nil
	case "mongodb":
		client, err := mongo.Connect(ctx, &cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		s := jobstore.NewMongoStore(client, cfg.MongoDB.Database)
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("创建 MongoDB 索引失败: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %q", cfg.Driver)
	}
}

// OpenBroker connects the configured broker. The memory broker only works inside one process.
func OpenBroker(ctx context.Context, cfg *config.AppConfig, routes queue.Routes, log *logger.Logger) (queue.Broker, error) {
	switch cfg.Queue.Driver {
	case "redis":
		client, err := redis.NewClient(ctx, &cfg.Queue.Redis)
		if err != nil {
			return nil, err
		}
		return queue.NewRedisBroker(client, cfg.Queue.ConsumerName, log), nil
	case "kafka":
		b := queue.NewKafkaBroker(cfg.Queue.Kafka.Brokers, cfg.Queue.Kafka.GroupID, cfg.App.Name+".", cfg.Queue.Durable, log)
		if err := kafka.EnsureTopics(&cfg.Queue.Kafka, b.Topic(routes.Analysis), b.Topic(routes.Default)); err != nil {
			_ = b.Close()
			return nil, err
		}
		return b, nil
	case "memory":
		log.Warn("Using the in-process memory broker; tasks are not shared between processes")
		return queue.NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("不支持的队列驱动: %q", cfg.Queue.Driver)
	}
}

// Recoverer is implemented by brokers that keep per-consumer in-flight lists.
type Recoverer interface {
	Recover(ctx context.Context, queues ...string) error
}

// RecoverInFlight returns deliveries a previous run of this consumer left unacknowledged.
// It must run before the consumer's workers start receiving.
func (a *App) RecoverInFlight(ctx context.Context, queues ...string) error {
	r, ok := a.Broker.(Recoverer)
	if !ok {
		return nil
	}
	return r.Recover(ctx, queues...)
}

// Scheduler returns the task publisher over the app's broker and store.
func (a *App) Scheduler() *scheduler.Scheduler {
	return scheduler.New(a.Broker, a.Store, a.Routes, a.Policy, a.Log)
}

// Artifacts returns the report storage: a local directory, mirrored to MinIO when enabled.
func (a *App) Artifacts(ctx context.Context) (artifact.Storage, error) {
	local := &artifact.LocalStorage{Dir: a.Config.Artifacts.OutputDir}
	mc := a.Config.Artifacts.MinIO
	if !mc.Enabled {
		return local, nil
	}
	client, err := minio.NewClient(ctx, &mc)
	if err != nil {
		return nil, err
	}
	return &artifact.MirroredStorage{
		Primary: local,
		Mirror:  &artifact.MinioStorage{Client: client, Bucket: mc.Bucket},
		Log:     a.Log,
	}, nil
}

// Executor builds the task executor. lease is how long each claim holds the job.
func (a *App) Executor(ctx context.Context, storage artifact.Storage, lease time.Duration) (*executor.Executor, error) {
	analyzer, err := llm.NewFromConfig(ctx, a.Config.LLM)
	if err != nil {
		return nil, fmt.Errorf("初始化分析模型失败: %w", err)
	}
	if c, ok := analyzer.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	cfg := executor.Config{MaxDocumentChars: a.Config.LLM.MaxDocumentChars, Lease: lease}
	return executor.New(a.Store, extract.New(), analyzer, artifact.NewWriter(storage, nil), cfg, a.Log), nil
}

// Sweeper returns the retention sweeper over storage.
func (a *App) Sweeper(storage artifact.Storage) *maintenance.Sweeper {
	return maintenance.NewSweeper(a.Store, storage, a.Config.Maintenance.RetentionDuration(), a.Log)
}

// Reconciler returns a reconciler driving exec. exec should use the reconcile lease.
func (a *App) Reconciler(exec *executor.Executor) *maintenance.Reconciler {
	return maintenance.NewReconciler(a.Store, exec, a.Log)
}

// Close releases every handle in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, queue.ErrClosed) {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.Log.WithError(models.NewErrorInfo(err, "shutdown_error")).Error("Failed to close resources")
		return err
	}
	return nil
}

// InitLogger applies the configured level to the global logrus setup and returns the service logger.
func InitLogger(cfg *config.AppConfig, service string) (*logger.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Logger.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logger level: %w", err)
	}
	logger.Init(level)
	return logger.New(service, "", ""), nil
}
