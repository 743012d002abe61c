package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppInfo 对应 'app' 部分，包含应用程序的基本信息。
type AppInfo struct {
	Name        string `yaml:"name"`        // 应用程序名称
	Environment string `yaml:"environment"` // 运行环境 (例如: "development", "production")
}

// LoggerConfig 定义了日志记录器的配置。
type LoggerConfig struct {
	Level string `yaml:"level"` // 日志级别 (例如: "info", "debug", "warn", "error")
}

// TokenBucketConfig 定义了令牌桶算法的配置。
type TokenBucketConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Rate     float64 `yaml:"rate"` // 每秒速率
	Capacity int     `yaml:"capacity"`
}

// ServerConfig 定义了 HTTP 服务的配置。
type ServerConfig struct {
	Address         string            `yaml:"address"`         // 监听地址
	MaxUploadMB     int64             `yaml:"maxUploadMB"`     // 上传文件大小上限 (MB)
	ShutdownTimeout string            `yaml:"shutdownTimeout"` // 优雅关闭超时, 例如 "5s"
	RateLimiter     TokenBucketConfig `yaml:"rateLimiter"`     // 提交接口限流
}

// PoolConfig 定义了数据库连接池参数。
type PoolConfig struct {
	MaxOpenConns    int `yaml:"maxOpenConns"`    // 最大打开连接数
	MaxIdleConns    int `yaml:"maxIdleConns"`    // 最大空闲连接数
	ConnMaxLifetime int `yaml:"connMaxLifetime"` // 连接最大生命周期 (秒)
}

// MySQLConfig 定义了 MySQL 数据库的连接配置。
type MySQLConfig struct {
	Address  string `yaml:"address"`  // MySQL 服务器地址
	Username string `yaml:"username"` // 用户名
	Password string `yaml:"password"` // 密码
	Database string `yaml:"database"` // 数据库名称
}

// MongoConfig 定义了 MongoDB 数据库的连接配置。
type MongoConfig struct {
	Address  string `yaml:"address"`  // MongoDB 服务器地址
	Username string `yaml:"username"` // 用户名
	Password string `yaml:"password"` // 密码
	Database string `yaml:"database"` // 数据库名称
}

// StorageConfig 选择 Job Store 的存储引擎。
type StorageConfig struct {
	Driver  string      `yaml:"driver"`  // "sqlite", "mysql" 或 "mongodb"
	DSN     string      `yaml:"dsn"`     // 直接指定 DSN 时优先使用 (sqlite 文件路径或 mysql DSN)
	MySQL   MySQLConfig `yaml:"mysql"`   // MySQL 配置
	MongoDB MongoConfig `yaml:"mongodb"` // MongoDB 配置
	Pool    PoolConfig  `yaml:"pool"`    // 连接池配置
}

// RedisConfig 定义了 Redis 的连接配置。
type RedisConfig struct {
	URL      string `yaml:"url"`      // 形如 redis://localhost:6379/0，优先于 Address
	Address  string `yaml:"address"`  // Redis 服务器地址 (例如: "localhost:6379")
	Password string `yaml:"password"` // Redis 密码
	DB       int    `yaml:"db"`       // Redis 数据库编号
}

// KafkaConfig 定义了 Kafka 消息队列的连接配置。
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"` // Kafka Broker 地址列表
	GroupID string   `yaml:"groupID"` // 消费者组
}

// QueueConfig 定义了任务队列 (broker) 的配置。
type QueueConfig struct {
	Driver        string      `yaml:"driver"`        // "redis", "kafka" 或 "memory"
	Durable       bool        `yaml:"durable"`       // 消息持久化
	ConsumerName  string      `yaml:"consumerName"`  // 消费者名称，用于 Redis processing 列表
	AnalysisQueue string      `yaml:"analysisQueue"` // 分析任务队列
	DefaultQueue  string      `yaml:"defaultQueue"`  // 默认/管理任务队列
	Redis         RedisConfig `yaml:"redis"`
	Kafka         KafkaConfig `yaml:"kafka"`
}

// RetryConfig 定义了任务失败后的重试策略。
type RetryConfig struct {
	MaxRetries int    `yaml:"maxRetries"` // 最大重试次数
	Delay      string `yaml:"delay"`      // 固定延迟 (例如: "60s")
}

// WorkerConfig 定义了 worker 进程的配置。
type WorkerConfig struct {
	Concurrency       int         `yaml:"concurrency"`       // 分析队列的 worker 数量
	MaxTasksPerWorker int         `yaml:"maxTasksPerWorker"` // worker 处理多少任务后被回收
	SoftTimeLimit     string      `yaml:"softTimeLimit"`     // 软超时 (例如: "25m")
	HardTimeLimit     string      `yaml:"hardTimeLimit"`     // 硬超时 (例如: "30m")
	Retry             RetryConfig `yaml:"retry"`
}

// MinIOConfig 定义了 MinIO 对象存储的连接配置。
type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled"`   // 是否将报告同步到 MinIO
	Endpoint  string `yaml:"endpoint"`  // MinIO 服务端点
	AccessKey string `yaml:"accessKey"` // 访问密钥
	SecretKey string `yaml:"secretKey"` // Secret 密钥
	Bucket    string `yaml:"bucket"`    // 存储桶名称
	Secure    bool   `yaml:"secure"`    // 是否使用HTTPS
}

// ArtifactConfig 定义了分析报告的输出位置。
type ArtifactConfig struct {
	OutputDir string      `yaml:"outputDir"`
	MinIO     MinIOConfig `yaml:"minio"`
}

// ModelConfig 包含了单个模型提供商的配置。
type ModelConfig struct {
	APIKey  string `yaml:"apiKey"`  // API 密钥
	Model   string `yaml:"model"`   // 模型名称
	BaseURL string `yaml:"baseURL"` // 仅用于兼容 OpenAI 协议的服务
}

// CircuitBreakerConfig 定义了熔断器的配置。
type CircuitBreakerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold uint32 `yaml:"failureThreshold"`
	SuccessThreshold uint32 `yaml:"successThreshold"`
	Timeout          string `yaml:"timeout"` // 例如: "30s"
}

// LLMConfig 包含了不同LLM提供商的配置。
type LLMConfig struct {
	Provider         string               `yaml:"provider"`         // "gemini", "openai" 或 "compatible"
	Gemini           ModelConfig          `yaml:"gemini"`           // Gemini 模型配置
	OpenAI           ModelConfig          `yaml:"openai"`           // OpenAI 模型配置
	Compatible       ModelConfig          `yaml:"compatible"`       // 兼容 OpenAI 协议的自托管模型
	MaxDocumentChars int                  `yaml:"maxDocumentChars"` // 文档内容截断长度
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// MaintenanceConfig 定义了清理与卡住任务恢复的配置。
type MaintenanceConfig struct {
	Retention      string `yaml:"retention"`      // 保留期限 (例如: "720h")
	SweepSchedule  string `yaml:"sweepSchedule"`  // cron 表达式 (例如: "@every 1h")
	ReconcileLease string `yaml:"reconcileLease"` // 恢复任务时的租约时长
}

// DataConfig 定义了输入文档的位置。
type DataConfig struct {
	Dir         string `yaml:"dir"`         // 上传文件保存目录
	DefaultFile string `yaml:"defaultFile"` // 默认示例文档
}

// AppConfig 是整个 YAML 文件的根结构，包含了应用程序的所有配置。
type AppConfig struct {
	App         AppInfo           `yaml:"app"`
	Logger      LoggerConfig      `yaml:"logger"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Queue       QueueConfig       `yaml:"queue"`
	Worker      WorkerConfig      `yaml:"worker"`
	Artifacts   ArtifactConfig    `yaml:"artifacts"`
	LLM         LLMConfig         `yaml:"llm"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Data        DataConfig        `yaml:"data"`
}

// Default 返回带有默认值的配置。
func Default() *AppConfig {
	return &AppConfig{
		App:    AppInfo{Name: "financial_analyzer", Environment: "development"},
		Logger: LoggerConfig{Level: "info"},
		Server: ServerConfig{
			Address:         ":8000",
			MaxUploadMB:     20,
			ShutdownTimeout: "5s",
			RateLimiter:     TokenBucketConfig{Enabled: false, Rate: 5, Capacity: 10},
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Pool:   PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: 300},
		},
		Queue: QueueConfig{
			Driver:        "redis",
			Durable:       true,
			ConsumerName:  hostname(),
			AnalysisQueue: "analysis",
			DefaultQueue:  "default",
			Redis:         RedisConfig{URL: "redis://localhost:6379/0"},
			Kafka:         KafkaConfig{GroupID: "financial-analyzer-workers"},
		},
		Worker: WorkerConfig{
			Concurrency:       2,
			MaxTasksPerWorker: 1000,
			SoftTimeLimit:     "25m",
			HardTimeLimit:     "30m",
			Retry:             RetryConfig{MaxRetries: 3, Delay: "60s"},
		},
		Artifacts: ArtifactConfig{OutputDir: "output"},
		LLM: LLMConfig{
			Provider:         "gemini",
			Gemini:           ModelConfig{Model: "gemini-1.5-flash"},
			OpenAI:           ModelConfig{Model: "gpt-4o-mini"},
			Compatible:       ModelConfig{BaseURL: "http://localhost:8001/v1"},
			MaxDocumentChars: 50000,
			CircuitBreaker:   CircuitBreakerConfig{Enabled: true, FailureThreshold: 5, SuccessThreshold: 1, Timeout: "30s"},
		},
		Maintenance: MaintenanceConfig{Retention: "720h", SweepSchedule: "@every 1h", ReconcileLease: "35m"},
		Data:        DataConfig{Dir: "data", DefaultFile: "data/sample.pdf"},
	}
}

// LoadConfig 从指定路径加载 YAML 配置，随后应用 .env 与环境变量覆盖，最后校验。
// path 为空时只使用默认值与环境变量。
func LoadConfig(path string) (*AppConfig, error) {
	// .env 文件是可选的。
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		yamlFile, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("无法读取 YAML 文件 '%s': %w", path, err)
		}
		if err := yaml.Unmarshal(yamlFile, cfg); err != nil {
			return nil, fmt.Errorf("无法解析 YAML 文件 '%s': %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	setString(&c.LLM.Gemini.APIKey, "GEMINI_API_KEY")
	setString(&c.LLM.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.LLM.Provider, "LLM_PROVIDER")
	setString(&c.Storage.Driver, "STORAGE_DRIVER")
	setString(&c.Storage.DSN, "DATABASE_URL")
	setString(&c.Queue.Driver, "QUEUE_DRIVER")
	setString(&c.Queue.Redis.URL, "BROKER_URL")
	setString(&c.Artifacts.OutputDir, "OUTPUT_DIR")
	setString(&c.Logger.Level, "LOG_LEVEL")
	setString(&c.Server.Address, "SERVER_ADDRESS")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Queue.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.Concurrency = n
		}
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// Validate 检查配置中的取值是否合法。
func (c *AppConfig) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "sqlite", "mysql", "mongodb":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}
	switch c.Queue.Driver {
	case "redis", "kafka", "memory":
	default:
		errs = append(errs, fmt.Errorf("queue.driver: unsupported %q", c.Queue.Driver))
	}
	if c.Queue.Driver == "kafka" && len(c.Queue.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("queue.kafka.brokers: at least one broker is required"))
	}
	if c.Queue.AnalysisQueue == "" || c.Queue.AnalysisQueue == c.Queue.DefaultQueue {
		errs = append(errs, errors.New("queue.analysisQueue must be set and differ from queue.defaultQueue"))
	}
	switch c.LLM.Provider {
	case "gemini", "openai", "compatible":
	default:
		errs = append(errs, fmt.Errorf("llm.provider: unsupported %q", c.LLM.Provider))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be >= 1"))
	}
	if c.Worker.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("worker.retry.maxRetries must be >= 0"))
	}
	for name, v := range map[string]string{
		"server.shutdownTimeout":     c.Server.ShutdownTimeout,
		"worker.softTimeLimit":       c.Worker.SoftTimeLimit,
		"worker.hardTimeLimit":       c.Worker.HardTimeLimit,
		"worker.retry.delay":         c.Worker.Retry.Delay,
		"maintenance.retention":      c.Maintenance.Retention,
		"maintenance.reconcileLease": c.Maintenance.ReconcileLease,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.LLM.CircuitBreaker.Enabled {
		if _, err := time.ParseDuration(c.LLM.CircuitBreaker.Timeout); err != nil {
			errs = append(errs, fmt.Errorf("llm.circuitBreaker.timeout: %w", err))
		}
	}
	if soft, hard := mustDuration(c.Worker.SoftTimeLimit), mustDuration(c.Worker.HardTimeLimit); soft > 0 && hard > 0 && soft >= hard {
		errs = append(errs, errors.New("worker.softTimeLimit must be shorter than worker.hardTimeLimit"))
	}
	return errors.Join(errs...)
}

// SoftTimeLimitDuration 返回解析后的软超时。
func (w WorkerConfig) SoftTimeLimitDuration() time.Duration { return mustDuration(w.SoftTimeLimit) }

// HardTimeLimitDuration 返回解析后的硬超时。
func (w WorkerConfig) HardTimeLimitDuration() time.Duration { return mustDuration(w.HardTimeLimit) }

// DelayDuration 返回解析后的重试延迟。
func (r RetryConfig) DelayDuration() time.Duration { return mustDuration(r.Delay) }

// RetentionDuration 返回解析后的保留期限。
func (m MaintenanceConfig) RetentionDuration() time.Duration { return mustDuration(m.Retention) }

// ReconcileLeaseDuration 返回解析后的恢复租约。
func (m MaintenanceConfig) ReconcileLeaseDuration() time.Duration {
	return mustDuration(m.ReconcileLease)
}

// ShutdownTimeoutDuration 返回解析后的关闭超时。
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration { return mustDuration(s.ShutdownTimeout) }

// TimeoutDuration 返回解析后的熔断超时。
func (c CircuitBreakerConfig) TimeoutDuration() time.Duration { return mustDuration(c.Timeout) }

// mustDuration 在 Validate 之后使用，解析失败时返回 0。
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker"
	}
	return h
}
