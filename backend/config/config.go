package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Store struct {
		// Driver is "mysql" or "memory".
		Driver string `mapstructure:"driver"`
	} `mapstructure:"store"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		// empty disables presence and the document cache
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		// empty disables revision events
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		Workers int      `mapstructure:"workers"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Sync struct {
		AckPolicy         string        `mapstructure:"ack_policy"`
		MailboxSize       int           `mapstructure:"mailbox_size"`
		HistoryCap        int           `mapstructure:"history_cap"`
		SnapshotEvery     int           `mapstructure:"snapshot_every"`
		PersistTimeout    time.Duration `mapstructure:"persist_timeout"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		MaxInflight       int           `mapstructure:"max_inflight"`
	} `mapstructure:"sync"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("kafka.topic", "doc-revisions")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("auth.secret", "dev-secret")
	v.SetDefault("sync.ack_policy", "after_queue")
	v.SetDefault("sync.mailbox_size", 1000)
	v.SetDefault("sync.history_cap", 1000)
	v.SetDefault("sync.snapshot_every", 100)
	v.SetDefault("sync.persist_timeout", 5*time.Second)
	v.SetDefault("sync.heartbeat_interval", 8*time.Second)
	v.SetDefault("sync.max_inflight", 5)
}

// Load reads collabConfig.yaml from the first of paths that has one. A
// missing file is fine; DOCSYNC_* environment variables override either,
// e.g. DOCSYNC_MYSQL_DSN.
func Load(paths ...string) (*CollabConfig, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// started from the repo root or from backend/
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("DOCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &CollabConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
