package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
	Mode    string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Path    string `mapstructure:"path"`
	LogMode bool   `mapstructure:"log_mode"`
}

// DynamoDBConfig is only read when the ledger backend is "dynamodb".
type DynamoDBConfig struct {
	Table    string `mapstructure:"table"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"` // e.g. http://localhost:8000 for DynamoDB Local
}

// LedgerConfig selects the one authoritative store for projects and donations.
type LedgerConfig struct {
	Backend  string         `mapstructure:"backend"` // sql / dynamodb
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	Issuer      string `mapstructure:"issuer"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

type SecurityConfig struct {
	BcryptCost    int    `mapstructure:"bcrypt_cost"`
	EncryptionKey string `mapstructure:"encryption_key"`
}

type LogConfig struct {
	File   string `mapstructure:"file"`
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text / json
}

type BackupConfig struct {
	Dir      string `mapstructure:"dir"`
	S3Bucket string `mapstructure:"s3_bucket"`
	S3Prefix string `mapstructure:"s3_prefix"`
	Region   string `mapstructure:"region"`
}

// MpesaConfig holds the Daraja credentials used by the payment initiator.
type MpesaConfig struct {
	Environment    string `mapstructure:"environment"` // sandbox / production / demo
	BaseURL        string `mapstructure:"base_url"`
	ConsumerKey    string `mapstructure:"consumer_key"`
	ConsumerSecret string `mapstructure:"consumer_secret"`
	Shortcode      string `mapstructure:"shortcode"`
	Passkey        string `mapstructure:"passkey"`
	CallbackURL    string `mapstructure:"callback_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type AppSubConfig struct {
	PageSize int `mapstructure:"page_size"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Security SecurityConfig `mapstructure:"security"`
	Log      LogConfig      `mapstructure:"log"`
	Backup   BackupConfig   `mapstructure:"backup"`
	Mpesa    MpesaConfig    `mapstructure:"mpesa"`
	App      AppSubConfig   `mapstructure:"app"`
}

var (
	appConfig *Config
	once      sync.Once
)

// Load loads configuration from given file path (e.g. "config.yaml").
// If path is empty, it looks for "config.yaml" in the current working directory
// and falls back to defaults plus environment when no file exists.
func Load(path string) (*Config, error) {
	var err error
	once.Do(func() {
		appConfig, err = Read(path)
	})

	if err != nil {
		return nil, err
	}
	return appConfig, nil
}

// Get returns the loaded global configuration.
// Call Load() once at application startup.
func Get() *Config {
	return appConfig
}

// Read loads a configuration file without touching the global copy.
func Read(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	// environment overrides, e.g. CH_SERVER_PORT=9000, CH_MPESA_CONSUMER_KEY=...
	v.SetEnvPrefix("CH") // community hope
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.path", "data/community-hope.db")
	v.SetDefault("database.log_mode", false)

	v.SetDefault("ledger.backend", "sql")
	v.SetDefault("ledger.dynamodb.table", "community-hope-ledger")
	v.SetDefault("ledger.dynamodb.region", "us-east-1")
	v.SetDefault("ledger.dynamodb.endpoint", "")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "community-hope")
	v.SetDefault("jwt.expire_hours", 24)

	v.SetDefault("security.bcrypt_cost", 12)
	v.SetDefault("security.encryption_key", "")

	v.SetDefault("log.file", "logs/community-hope.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("backup.dir", "data/backups")
	v.SetDefault("backup.s3_bucket", "")
	v.SetDefault("backup.s3_prefix", "backups/")
	v.SetDefault("backup.region", "us-east-1")

	v.SetDefault("mpesa.environment", "sandbox")
	v.SetDefault("mpesa.base_url", "")
	v.SetDefault("mpesa.consumer_key", "")
	v.SetDefault("mpesa.consumer_secret", "")
	v.SetDefault("mpesa.shortcode", "174379")
	v.SetDefault("mpesa.passkey", "")
	v.SetDefault("mpesa.callback_url", "")
	v.SetDefault("mpesa.timeout_seconds", 30)

	v.SetDefault("app.page_size", 20)
}

// Validate checks the settings that have no sensible default.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case "sql", "dynamodb":
	default:
		return fmt.Errorf("ledger.backend must be sql or dynamodb, got %q", c.Ledger.Backend)
	}
	if c.Ledger.Backend == "dynamodb" && c.Ledger.DynamoDB.Table == "" {
		return fmt.Errorf("ledger.dynamodb.table is required for the dynamodb backend")
	}
	switch c.Mpesa.Environment {
	case "sandbox", "production", "demo":
	default:
		return fmt.Errorf("mpesa.environment must be sandbox, production or demo, got %q", c.Mpesa.Environment)
	}
	return nil
}
