package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node    NodeConfig    `mapstructure:"node"`
	Storage StorageConfig `mapstructure:"storage"`
	Routing RoutingConfig `mapstructure:"routing"`
	Gaps    GapConfig     `mapstructure:"gaps"`
	Reader  ReaderConfig  `mapstructure:"reader"`
	Lock    LockConfig    `mapstructure:"lock"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Log     LogConfig     `mapstructure:"log"`
}

type NodeConfig struct {
	ID      string `mapstructure:"id"`
	GroupID string `mapstructure:"group_id"`
}

type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

type RoutingConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	Mode                string        `mapstructure:"mode"`
	PoolSize            int           `mapstructure:"pool_size"`
	WaitTimeout         time.Duration `mapstructure:"wait_timeout"`
	FlushEventThreshold int           `mapstructure:"flush_event_threshold"`
	MaxExtraPasses      int           `mapstructure:"max_extra_passes"`
	EligibilityCacheTTL time.Duration `mapstructure:"eligibility_cache_ttl"`
	NodeCacheTTL        time.Duration `mapstructure:"node_cache_ttl"`
}

type GapConfig struct {
	Size           int64         `mapstructure:"size"`
	StaleGapTime   time.Duration `mapstructure:"stale_gap_time"`
	MaxGapsInQuery int           `mapstructure:"max_gaps_in_query"`
}

type ReaderConfig struct {
	PeekAhead       int           `mapstructure:"peek_ahead"`
	TakeTimeout     time.Duration `mapstructure:"take_timeout"`
	MaxPayloadBytes int           `mapstructure:"max_payload_bytes"`
}

type LockConfig struct {
	Backend  string             `mapstructure:"backend"`
	TTL      time.Duration      `mapstructure:"ttl"`
	Redis    RedisLockConfig    `mapstructure:"redis"`
	Postgres PostgresLockConfig `mapstructure:"postgres"`
	Blob     BlobLockConfig     `mapstructure:"blob"`
	Raft     RaftLockConfig     `mapstructure:"raft"`
}

type RedisLockConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresLockConfig struct {
	DSN string `mapstructure:"dsn"`
}

type BlobLockConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	Container        string `mapstructure:"container"`
}

type RaftLockConfig struct {
	ID    uint64     `mapstructure:"id"`
	Peers []RaftPeer `mapstructure:"peers"`
}

type RaftPeer struct {
	ID   uint64 `mapstructure:"id"`
	Addr string `mapstructure:"addr"`
}

// PeerMap indexes the configured raft peers by id.
func (c RaftLockConfig) PeerMap() map[uint64]string {
	out := make(map[uint64]string, len(c.Peers))
	for _, p := range c.Peers {
		out[p.ID] = p.Addr
	}
	return out
}

type IngestConfig struct {
	Socket SocketConfig `mapstructure:"socket"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
}

type SocketConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Network string `mapstructure:"network"`
	Address string `mapstructure:"address"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topics  []string `mapstructure:"topics"`
	GroupID string   `mapstructure:"group_id"`
}

type NotifyConfig struct {
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("routeflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.dir", "data")
	v.SetDefault("routing.interval", 10*time.Second)
	v.SetDefault("routing.mode", "serial")
	v.SetDefault("routing.pool_size", 4)
	v.SetDefault("routing.wait_timeout", time.Minute)
	v.SetDefault("routing.flush_event_threshold", 5000)
	v.SetDefault("routing.max_extra_passes", 10)
	v.SetDefault("routing.eligibility_cache_ttl", 10*time.Minute)
	v.SetDefault("routing.node_cache_ttl", time.Minute)
	v.SetDefault("gaps.size", 50000000)
	v.SetDefault("gaps.stale_gap_time", time.Hour)
	v.SetDefault("gaps.max_gaps_in_query", 100)
	v.SetDefault("reader.peek_ahead", 1000)
	v.SetDefault("reader.take_timeout", 330*time.Second)
	v.SetDefault("reader.max_payload_bytes", 1<<20)
	v.SetDefault("lock.backend", "sqlite")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("ingest.socket.network", "tcp")
	v.SetDefault("ingest.socket.address", "127.0.0.1:7420")
	v.SetDefault("notify.rabbitmq.exchange", "routeflow.batches")
	v.SetDefault("admin.address", "127.0.0.1:7421")
	v.SetDefault("log.level", "info")
}

func (c Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.GroupID == "" {
		return fmt.Errorf("node.group_id is required")
	}
	switch c.Routing.Mode {
	case "serial", "parallel":
	default:
		return fmt.Errorf("routing.mode must be serial or parallel, got %q", c.Routing.Mode)
	}
	if c.Routing.Mode == "parallel" && c.Routing.PoolSize <= 0 {
		return fmt.Errorf("routing.pool_size must be > 0 in parallel mode")
	}
	if c.Gaps.Size <= 0 {
		return fmt.Errorf("gaps.size must be > 0")
	}
	if c.Reader.PeekAhead <= 0 {
		return fmt.Errorf("reader.peek_ahead must be > 0")
	}
	switch c.Lock.Backend {
	case "local", "sqlite":
	case "redis":
		if c.Lock.Redis.Addr == "" {
			return fmt.Errorf("lock.redis.addr is required for the redis backend")
		}
	case "postgres":
		if c.Lock.Postgres.DSN == "" {
			return fmt.Errorf("lock.postgres.dsn is required for the postgres backend")
		}
	case "blob":
		if c.Lock.Blob.ConnectionString == "" || c.Lock.Blob.Container == "" {
			return fmt.Errorf("lock.blob.connection_string and lock.blob.container are required for the blob backend")
		}
	case "raft":
		if c.Lock.Raft.ID == 0 || len(c.Lock.Raft.Peers) == 0 {
			return fmt.Errorf("lock.raft.id and lock.raft.peers are required for the raft backend")
		}
		if _, ok := c.Lock.Raft.PeerMap()[c.Lock.Raft.ID]; !ok {
			return fmt.Errorf("lock.raft.peers must contain lock.raft.id=%d", c.Lock.Raft.ID)
		}
	default:
		return fmt.Errorf("unknown lock.backend %q", c.Lock.Backend)
	}
	if c.Ingest.Kafka.Enabled {
		if len(c.Ingest.Kafka.Brokers) == 0 || len(c.Ingest.Kafka.Topics) == 0 || c.Ingest.Kafka.GroupID == "" {
			return fmt.Errorf("ingest.kafka requires brokers, topics and group_id")
		}
	}
	if c.Notify.RabbitMQ.Enabled && c.Notify.RabbitMQ.URL == "" {
		return fmt.Errorf("notify.rabbitmq.url is required when enabled")
	}
	return nil
}
