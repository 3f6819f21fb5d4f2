// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 让 YAML 里可以写 "3s"、"500ms" 这类时长。
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config 是整个进程的显式配置。工作池大小、锁参数这些都从这里进来，
// 不走包级可变全局状态。
type Config struct {
	App struct {
		ServiceName string `yaml:"serviceName"`
		Port        int    `yaml:"port"`
	} `yaml:"app"`

	Infra struct {
		Jaeger struct {
			Endpoint string `yaml:"endpoint"`
		} `yaml:"jaeger"`
		Kafka struct {
			Brokers string `yaml:"brokers"` // "host1:9092,host2:9092"
			Topics  struct {
				OrderCreated   string `yaml:"orderCreated"`
				OrderCompleted string `yaml:"orderCompleted"`
				StockConfirm   string `yaml:"stockConfirm"`
				StockRollback  string `yaml:"stockRollback"`
				FreezeFailed   string `yaml:"freezeFailed"`
			} `yaml:"topics"`
		} `yaml:"kafka"`
		Mysql struct {
			DSN string `yaml:"dsn"`
		} `yaml:"mysql"`
		Redis struct {
			Addrs string `yaml:"addrs"`
		} `yaml:"redis"`
		Zookeeper struct {
			Servers        string        `yaml:"servers"`
			SessionTimeout Duration      `yaml:"sessionTimeout"`
		} `yaml:"zookeeper"`
		Nacos struct {
			Enabled   bool   `yaml:"enabled"`
			Addrs     string `yaml:"addrs"`
			Namespace string `yaml:"namespace"`
			Group     string `yaml:"group"`
		} `yaml:"nacos"`
	} `yaml:"infra"`

	Stock struct {
		Lock struct {
			Backend   string   `yaml:"backend"` // "redis" 或 "zookeeper"
			WaitTime  Duration `yaml:"waitTime"`
			LeaseTime Duration `yaml:"leaseTime"`
			Retry     Duration `yaml:"retry"`
			Fair      bool     `yaml:"fair"` // 热点商品的写路径统一走公平锁
		} `yaml:"lock"`
		LedgerTTL Duration `yaml:"ledgerTTL"`
		Workers   int      `yaml:"workers"` // 每个分区通道的预取深度（分区间并行，分区内串行）
	} `yaml:"stock"`
}

var currentConfig Config

// LoadConfig 从 YAML 文件加载配置并应用环境变量覆盖，随后可用 GetCurrentConfig 读取。
// 文件路径为空时使用纯默认值 + 环境变量。
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// 环境变量覆盖，便于容器部署
	cfg.Infra.Kafka.Brokers = getEnv("KAFKA_BROKERS", cfg.Infra.Kafka.Brokers)
	cfg.Infra.Mysql.DSN = getEnv("MYSQL_DSN", cfg.Infra.Mysql.DSN)
	cfg.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", cfg.Infra.Redis.Addrs)
	cfg.Infra.Zookeeper.Servers = getEnv("ZK_SERVERS", cfg.Infra.Zookeeper.Servers)
	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	cfg.Infra.Nacos.Addrs = getEnv("NACOS_SERVER_ADDRS", cfg.Infra.Nacos.Addrs)
	cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
	cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
	cfg.Stock.Lock.Backend = getEnv("STOCK_LOCK_BACKEND", cfg.Stock.Lock.Backend)

	currentConfig = cfg
	return &currentConfig, nil
}

// GetCurrentConfig 返回进程当前配置。
func GetCurrentConfig() *Config {
	return &currentConfig
}

func defaultConfig() Config {
	var cfg Config
	cfg.App.ServiceName = "stock-service"
	cfg.App.Port = 8084
	cfg.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	cfg.Infra.Kafka.Brokers = "localhost:9092"
	cfg.Infra.Kafka.Topics.OrderCreated = "order-created-topic"
	cfg.Infra.Kafka.Topics.OrderCompleted = "order-completed-topic"
	cfg.Infra.Kafka.Topics.StockConfirm = "stock-confirm-topic"
	cfg.Infra.Kafka.Topics.StockRollback = "stock-rollback-topic"
	cfg.Infra.Kafka.Topics.FreezeFailed = "stock-freeze-failed-topic"
	cfg.Infra.Mysql.DSN = "root:root@tcp(localhost:3306)/mall?charset=utf8mb4&parseTime=True&loc=Local"
	cfg.Infra.Redis.Addrs = "localhost:6379"
	cfg.Infra.Zookeeper.Servers = "localhost:2181"
	cfg.Infra.Zookeeper.SessionTimeout = Duration(10 * time.Second)
	cfg.Infra.Nacos.Group = "DEFAULT_GROUP"
	cfg.Stock.Lock.Backend = "redis"
	cfg.Stock.Lock.WaitTime = Duration(3 * time.Second)
	cfg.Stock.Lock.LeaseTime = Duration(10 * time.Second)
	cfg.Stock.Lock.Retry = Duration(50 * time.Millisecond)
	cfg.Stock.LedgerTTL = Duration(24 * time.Hour)
	cfg.Stock.Workers = 8
	return cfg
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
