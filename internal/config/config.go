// Package config loads node configuration from environment, file and
// defaults, in that order of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for a node.
type Config struct {
	Server    ServerConfig
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Cluster   ClusterConfig
	WAL       WALConfig
	Replica   ReplicaConfig
	Retention RetentionConfig
	Admin     AdminConfig
	Log       LogConfig
}

// ServerConfig configures the binary client/peer port.
type ServerConfig struct {
	Host           string
	Port           int
	MaxPayloadSize int64 // applies to both compressed and decompressed bodies
}

// HTTPConfig configures the admin/status HTTP plane.
type HTTPConfig struct {
	Host string
	Port int
}

// DatabaseConfig describes the database this node serves.
type DatabaseConfig struct {
	Name           string
	Precision      string // s, ms, us, ns
	DataDir        string
	ShardDuration  int64 // shard width in timestamps of the precision
	FlushThreshold int
}

// ClusterConfig describes this node's place in the cluster.
type ClusterConfig struct {
	// Servers lists every cluster member as "pool:name:host:port". Two
	// entries with the same pool id form a replica pair.
	Servers []string

	// OwnName must match one entry's name.
	OwnName string

	DialTimeoutMS     int
	ResponseTimeoutMS int
	SendQueueSize     int
}

// WALConfig configures the storage engine's write-ahead log.
type WALConfig struct {
	Dir          string
	SyncMode     string // fsync, batch, none
	MaxSizeMB    int64
	SyncMS       int
	SyncBytes    int64
}

// ReplicaConfig configures mirroring to the pool-mate.
type ReplicaConfig struct {
	Dir             string
	DrainIntervalMS int
}

// RetentionConfig configures the shard expiration sweep.
type RetentionConfig struct {
	Schedule string // cron schedule, empty disables the sweep
	MaxAgeS  int64  // horizon in seconds, 0 keeps everything
}

// AdminConfig configures the service-account store.
type AdminConfig struct {
	DBPath string
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string
	Format string // json or console
}

// Load reads configuration from stratum.toml (working directory or
// /etc/stratum) and STRATUM_* environment variables over the defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("stratum")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/stratum")

	v.SetEnvPrefix("STRATUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.maxpayloadsize", 100*1024*1024)

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 9080)

	v.SetDefault("database.name", "stratum")
	v.SetDefault("database.precision", "ms")
	v.SetDefault("database.datadir", "./data")
	v.SetDefault("database.shardduration", int64(604800000)) // one week in ms
	v.SetDefault("database.flushthreshold", 4096)

	v.SetDefault("cluster.servers", []string{"0:stratum-0:127.0.0.1:9000"})
	v.SetDefault("cluster.ownname", "stratum-0")
	v.SetDefault("cluster.dialtimeoutms", 5000)
	v.SetDefault("cluster.responsetimeoutms", 10000)
	v.SetDefault("cluster.sendqueuesize", 1024)

	v.SetDefault("wal.dir", "./data/wal")
	v.SetDefault("wal.syncmode", "batch")
	v.SetDefault("wal.maxsizemb", int64(64))
	v.SetDefault("wal.syncms", 100)
	v.SetDefault("wal.syncbytes", int64(1024*1024))

	v.SetDefault("replica.dir", "./data/replica")
	v.SetDefault("replica.drainintervalms", 200)

	v.SetDefault("retention.schedule", "")
	v.SetDefault("retention.maxages", int64(0))

	v.SetDefault("admin.dbpath", "./data/admin.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate rejects configurations the node cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTP.Port)
	}
	switch c.Database.Precision {
	case "s", "ms", "us", "ns":
	default:
		return fmt.Errorf("invalid precision %q (want s, ms, us or ns)", c.Database.Precision)
	}
	if c.Database.ShardDuration <= 0 {
		return fmt.Errorf("shard duration must be positive")
	}
	if len(c.Cluster.Servers) == 0 {
		return fmt.Errorf("cluster.servers must not be empty")
	}
	if c.Cluster.OwnName == "" {
		return fmt.Errorf("cluster.ownname must not be empty")
	}
	return nil
}
