package cmd

import (
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Provider string

const (
	MeiliSearch   Provider = "meilisearch"
	ElasticSearch Provider = "elasticsearch"
	Database      Provider = "sql"
	Badger        Provider = "badger"
)

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	CORSOrigins  []string      `mapstructure:"corsOrigins"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
	MaxBodyBytes int64         `mapstructure:"maxBodyBytes"`
}

type DatabaseConfig struct {
	Type       string `mapstructure:"type"`
	Driver     string `mapstructure:"driver"`
	DataSource string `mapstructure:"dataSource"`
	Table      string `mapstructure:"table"`
	Path       string `mapstructure:"path"`
}

type LedgerConfig struct {
	MaxRetries int    `mapstructure:"maxRetries"`
	PageSize   uint64 `mapstructure:"pageSize"`
}

type HubConfig struct {
	BufferSize int `mapstructure:"bufferSize"`
}

// SessionConfig locates the session store. Driver and DataSource are only
// read when the chain itself is not kept in SQL.
type SessionConfig struct {
	CookieName string `mapstructure:"cookieName"`
	Secret     string `mapstructure:"secret"`
	Table      string `mapstructure:"table"`
	Driver     string `mapstructure:"driver"`
	DataSource string `mapstructure:"dataSource"`
}

type MirrorConfig struct {
	Type           string   `mapstructure:"type"`
	URL            string   `mapstructure:"url"`
	URLs           []string `mapstructure:"urls"`
	User           string   `mapstructure:"user"`
	Password       string   `mapstructure:"password"`
	APIKey         string   `mapstructure:"apiKey"`
	Index          string   `mapstructure:"index"`
	CheckpointPath string   `mapstructure:"checkpointPath"`
	BatchSize      uint64   `mapstructure:"batchSize"`
}

type Config struct {
	LogLevel string         `mapstructure:"logLevel"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Hub      HubConfig      `mapstructure:"hub"`
	Session  SessionConfig  `mapstructure:"session"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
}

// SetDefaults registers every configuration key. Unmarshal only reads
// environment variables for keys viper already knows.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "debug")
	v.SetDefault("server.address", ":3000")
	v.SetDefault("server.corsOrigins", []string{
		"https://bims-app.netlify.app",
		"http://127.0.0.1:5500",
		"http://localhost:5500",
		"http://127.0.0.1:5501",
		"http://localhost:5501",
	})
	v.SetDefault("server.heartbeat", "15s")
	v.SetDefault("server.maxBodyBytes", 1<<20)
	v.SetDefault("database.type", string(Database))
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dataSource", "")
	v.SetDefault("database.table", "blockchain")
	v.SetDefault("database.path", "bims-ledger.badgerdb")
	v.SetDefault("ledger.maxRetries", 5)
	v.SetDefault("ledger.pageSize", 500)
	v.SetDefault("hub.bufferSize", 64)
	v.SetDefault("session.cookieName", "bims.sid")
	v.SetDefault("session.table", "user_sessions")
	v.SetDefault("session.driver", "postgres")
	v.SetDefault("session.dataSource", "")
	v.SetDefault("session.secret", "")
	v.SetDefault("mirror.type", "")
	v.SetDefault("mirror.url", "")
	v.SetDefault("mirror.urls", []string{})
	v.SetDefault("mirror.user", "")
	v.SetDefault("mirror.password", "")
	v.SetDefault("mirror.apiKey", "")
	v.SetDefault("mirror.index", "bims_blockchain")
	v.SetDefault("mirror.checkpointPath", "bims-mirror.badgerdb")
	v.SetDefault("mirror.batchSize", 2000)
}

// LoadConfig decodes the viper state into a Config.
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	return cfg, nil
}
