package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int    `mapstructure:"port"`
		Mode string `mapstructure:"mode"` // gin: debug / release / test
	} `mapstructure:"running"`
	Hub struct {
		OutboundQueue int           `mapstructure:"outboundQueue"`
		SessionRate   float64       `mapstructure:"sessionRate"`
		SessionBurst  int           `mapstructure:"sessionBurst"`
		DocumentRate  float64       `mapstructure:"documentRate"`
		DocumentBurst int           `mapstructure:"documentBurst"`
		MaxViolations int           `mapstructure:"maxViolations"`
		IdleTimeout   time.Duration `mapstructure:"idleTimeout"`
		SweepInterval time.Duration `mapstructure:"sweepInterval"`
		SubmitTimeout time.Duration `mapstructure:"submitTimeout"`
		MaxInflight   int           `mapstructure:"maxInflight"`
		// 额外允许的 WebSocket Origin 前缀
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"hub"`
	Document struct {
		Shards            int `mapstructure:"shards"`
		ShardQueue        int `mapstructure:"shardQueue"`
		OpLogSize         int `mapstructure:"opLogSize"`
		MaxPending        int `mapstructure:"maxPending"`
		SnapshotThreshold int `mapstructure:"snapshotThreshold"`
		MaxInsertRunes    int `mapstructure:"maxInsertRunes"`
		AuditSize         int `mapstructure:"auditSize"`
	} `mapstructure:"document"`
	Persistence struct {
		Driver           string        `mapstructure:"driver"` // memory / sqlite / mysql / postgres
		SQLitePath       string        `mapstructure:"sqlitePath"`
		PostgresURL      string        `mapstructure:"postgresUrl"`
		BatchSize        int           `mapstructure:"batchSize"`
		FlushInterval    time.Duration `mapstructure:"flushInterval"`
		SnapshotEveryOps int           `mapstructure:"snapshotEveryOps"`
		SnapshotInterval time.Duration `mapstructure:"snapshotInterval"`
		RetainOps        int           `mapstructure:"retainOps"`
		MaxRetry         int           `mapstructure:"maxRetry"`
	} `mapstructure:"persistence"`
	Presence struct {
		TTL      time.Duration `mapstructure:"ttl"`
		Debounce time.Duration `mapstructure:"debounce"`
		// 同步到 Redis，供其他实例和 HTTP 查询
		Mirror bool `mapstructure:"mirror"`
	} `mapstructure:"presence"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Enabled   bool     `mapstructure:"enabled"`
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		Workers   int      `mapstructure:"workers"`
		QueueSize int      `mapstructure:"queueSize"`
	} `mapstructure:"kafka"`
	Auth struct {
		Mode   string `mapstructure:"mode"` // jwt / remote
		Secret string `mapstructure:"secret"`
		Path   string `mapstructure:"path"` // auth-service 地址，remote 模式使用
	} `mapstructure:"auth"`
	Cors struct {
		AllowOrigins []string `mapstructure:"allowOrigins"`
	} `mapstructure:"cors"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.mode", "release")

	v.SetDefault("hub.outboundQueue", 256)
	v.SetDefault("hub.sessionRate", 50)
	v.SetDefault("hub.sessionBurst", 100)
	v.SetDefault("hub.documentRate", 500)
	v.SetDefault("hub.documentBurst", 1000)
	v.SetDefault("hub.maxViolations", 20)
	v.SetDefault("hub.idleTimeout", 60*time.Second)
	v.SetDefault("hub.sweepInterval", 10*time.Second)
	v.SetDefault("hub.submitTimeout", 200*time.Millisecond)
	v.SetDefault("hub.maxInflight", 100)
	v.SetDefault("hub.allowedOrigins", []string{})

	v.SetDefault("document.shards", 16)
	v.SetDefault("document.shardQueue", 1024)
	v.SetDefault("document.opLogSize", 2048)
	v.SetDefault("document.maxPending", 1024)
	v.SetDefault("document.snapshotThreshold", 500)
	v.SetDefault("document.maxInsertRunes", 64*1024)
	v.SetDefault("document.auditSize", 256)

	v.SetDefault("persistence.driver", "sqlite")
	v.SetDefault("persistence.sqlitePath", "collab.db")
	v.SetDefault("persistence.postgresUrl", "")
	v.SetDefault("persistence.batchSize", 256)
	v.SetDefault("persistence.flushInterval", 200*time.Millisecond)
	v.SetDefault("persistence.snapshotEveryOps", 500)
	v.SetDefault("persistence.snapshotInterval", 30*time.Second)
	v.SetDefault("persistence.retainOps", 0)
	v.SetDefault("persistence.maxRetry", 5)

	v.SetDefault("presence.ttl", 30*time.Second)
	v.SetDefault("presence.debounce", 50*time.Millisecond)
	v.SetDefault("presence.mirror", false)

	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("mysql.dsn", "")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.queueSize", 10_000)

	v.SetDefault("auth.mode", "jwt")
	v.SetDefault("auth.secret", "dev-secret")
	v.SetDefault("auth.path", "http://localhost:3001")

	v.SetDefault("cors.allowOrigins", []string{"http://localhost:5173"})
}

// Load 读取 collabConfig.yaml，file 为空时按默认路径查找；找不到配置文件时只用默认值和环境变量。
// 环境变量前缀 COLLAB_，层级用下划线，例如 COLLAB_RUNNING_PORT=9000
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Persistence.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Mysql.DSN == "" {
			return errors.New("config: mysql.dsn is required for the mysql driver")
		}
	case "postgres":
		if c.Persistence.PostgresURL == "" {
			return errors.New("config: persistence.postgresUrl is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown persistence driver %q", c.Persistence.Driver)
	}
	switch c.Auth.Mode {
	case "jwt", "remote":
	default:
		return fmt.Errorf("config: unknown auth mode %q", c.Auth.Mode)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("config: kafka.brokers is empty")
	}
	return nil
}
