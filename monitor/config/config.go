package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/itskum47/scnms/monitor/protocol"
	"github.com/itskum47/scnms/monitor/streaming"
)

const envPrefix = "SCNMS"

type Config struct {
	NodeID    string          `mapstructure:"node_id"`
	Inventory string          `mapstructure:"inventory"`
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Leader    LeaderConfig    `mapstructure:"leader"`
	Polling   PollingConfig   `mapstructure:"polling"`
	Alarms    AlarmConfig     `mapstructure:"alarms"`
	Protocols protocol.Config `mapstructure:"protocols"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig selects Postgres when URL is set, otherwise the in-memory store.
type DatabaseConfig struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MQTTConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	streaming.MQTTConfig `mapstructure:",squash"`
}

type LeaderConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type PollingConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	RoundTimeout       time.Duration `mapstructure:"round_timeout"`
	MaxConcurrentPolls int           `mapstructure:"max_concurrent_polls"`
	DeviceRate         float64       `mapstructure:"device_rate"`
	DeviceBurst        int           `mapstructure:"device_burst"`
	BreakerThreshold   int           `mapstructure:"breaker_threshold"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
}

type AlarmConfig struct {
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	v.SetDefault("node_id", hostname)
	v.SetDefault("inventory", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("http.addr", ":9100")

	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.topic_prefix", "scnms/")

	v.SetDefault("leader.enabled", false)
	v.SetDefault("leader.ttl", 15*time.Second)

	v.SetDefault("polling.interval", 60*time.Second)
	v.SetDefault("polling.round_timeout", 5*time.Minute)
	v.SetDefault("polling.max_concurrent_polls", 10)
	v.SetDefault("polling.device_rate", 0.0)
	v.SetDefault("polling.device_burst", 1)
	v.SetDefault("polling.breaker_threshold", 3)
	v.SetDefault("polling.breaker_cooldown", 60*time.Second)

	v.SetDefault("alarms.retention", 30*24*time.Hour)
	v.SetDefault("alarms.cleanup_interval", time.Hour)

	p := protocol.DefaultConfig()
	v.SetDefault("protocols.snmp.community", p.SNMP.Community)
	v.SetDefault("protocols.snmp.version", p.SNMP.Version)
	v.SetDefault("protocols.snmp.port", p.SNMP.Port)
	v.SetDefault("protocols.snmp.timeout", p.SNMP.Timeout)
	v.SetDefault("protocols.snmp.retries", p.SNMP.Retries)
	v.SetDefault("protocols.netconf.username", p.NETCONF.Username)
	v.SetDefault("protocols.netconf.password", p.NETCONF.Password)
	v.SetDefault("protocols.netconf.port", p.NETCONF.Port)
	v.SetDefault("protocols.netconf.timeout", p.NETCONF.Timeout)
	v.SetDefault("protocols.restconf.username", p.RESTCONF.Username)
	v.SetDefault("protocols.restconf.password", p.RESTCONF.Password)
	v.SetDefault("protocols.restconf.scheme", p.RESTCONF.Scheme)
	v.SetDefault("protocols.restconf.port", p.RESTCONF.Port)
	v.SetDefault("protocols.restconf.timeout", p.RESTCONF.Timeout)
	v.SetDefault("protocols.restconf.insecure", p.RESTCONF.Insecure)
}

// Load reads path (or scnms.yaml from the working directory or /etc/scnms
// when path is empty) and applies SCNMS_* environment overrides, e.g.
// SCNMS_POLLING_INTERVAL=30s.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("scnms")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/scnms")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Polling.Interval <= 0 {
		errs = append(errs, errors.New("polling.interval must be positive"))
	}
	if c.Polling.MaxConcurrentPolls < 1 {
		errs = append(errs, errors.New("polling.max_concurrent_polls must be at least 1"))
	}
	if c.Alarms.Retention <= 0 {
		errs = append(errs, errors.New("alarms.retention must be positive"))
	}
	if c.Alarms.CleanupInterval <= 0 {
		errs = append(errs, errors.New("alarms.cleanup_interval must be positive"))
	}
	if c.Leader.Enabled && !c.Redis.Enabled {
		errs = append(errs, errors.New("leader election requires redis.enabled"))
	}
	if c.Leader.Enabled && c.Leader.TTL < 3*time.Millisecond {
		errs = append(errs, errors.New("leader.ttl too short"))
	}
	switch c.Protocols.SNMP.Version {
	case "1", "2c":
	default:
		errs = append(errs, fmt.Errorf("protocols.snmp.version %q not supported", c.Protocols.SNMP.Version))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
