package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Journal JournalConfig `mapstructure:"journal"`
	Export  ExportConfig  `mapstructure:"export"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
}

type JournalConfig struct {
	// BaseDir is the parent of the journal directory. The journal itself
	// lives at <base_dir>/<name>.
	BaseDir string `mapstructure:"base_dir"`
	Name    string `mapstructure:"name"`

	// BlockSize sets the storage page size in bytes. Zero keeps the
	// backend default.
	BlockSize int `mapstructure:"block_size"`

	// PollInterval controls how often tailing readers check for new
	// entries.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type ExportConfig struct {
	// Zone is an IANA zone name for rendering export timestamps. Empty
	// keeps raw epoch milliseconds.
	Zone   string `mapstructure:"zone"`
	Stdout bool   `mapstructure:"stdout"`
}

type IngestConfig struct {
	Socket   SocketConfig   `mapstructure:"socket"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type SocketConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Network   string `mapstructure:"network"`
	Address   string `mapstructure:"address"`
	AuthToken string `mapstructure:"auth_token"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topics  []string `mapstructure:"topics"`
	GroupID string   `mapstructure:"group_id"`
}

type RabbitMQConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Queue   string `mapstructure:"queue"`
	Filter  string `mapstructure:"filter"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("rxjournal")
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
	v.SetDefault("journal.base_dir", ".")
	v.SetDefault("journal.name", ".rxjournal")
	v.SetDefault("journal.poll_interval", "10ms")
	v.SetDefault("ingest.socket.network", "tcp")
}

func (c Config) Validate() error {
	if c.Journal.BaseDir == "" {
		return fmt.Errorf("journal.base_dir is required")
	}
	if c.Journal.Name == "" {
		return fmt.Errorf("journal.name is required")
	}
	if c.Journal.BlockSize < 0 {
		return fmt.Errorf("journal.block_size must not be negative")
	}
	if c.Export.Zone != "" {
		if _, err := time.LoadLocation(c.Export.Zone); err != nil {
			return fmt.Errorf("export.zone: %w", err)
		}
	}
	if c.Ingest.Socket.Enabled && c.Ingest.Socket.Address == "" {
		return fmt.Errorf("ingest.socket.address is required when the socket server is enabled")
	}
	if c.Ingest.Kafka.Enabled {
		if len(c.Ingest.Kafka.Brokers) == 0 {
			return fmt.Errorf("ingest.kafka.brokers is required when kafka ingest is enabled")
		}
		if len(c.Ingest.Kafka.Topics) == 0 {
			return fmt.Errorf("ingest.kafka.topics is required when kafka ingest is enabled")
		}
		if c.Ingest.Kafka.GroupID == "" {
			return fmt.Errorf("ingest.kafka.group_id is required when kafka ingest is enabled")
		}
	}
	if c.Ingest.RabbitMQ.Enabled {
		if c.Ingest.RabbitMQ.URL == "" {
			return fmt.Errorf("ingest.rabbitmq.url is required when rabbitmq ingest is enabled")
		}
		if c.Ingest.RabbitMQ.Queue == "" {
			return fmt.Errorf("ingest.rabbitmq.queue is required when rabbitmq ingest is enabled")
		}
	}
	return nil
}
