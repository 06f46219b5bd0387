package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var envReplacer = strings.NewReplacer(".", "_")

// Config models config.yaml. Every key can be overridden through the
// environment as MAILMERGE_<SECTION>_<KEY>.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	Auth struct {
		JWTSecret string        `mapstructure:"jwt_secret"`
		TokenTTL  time.Duration `mapstructure:"token_ttl"`
		// Hex or raw 32-byte key for encrypting coordinator mail auth codes.
		EncryptionKey string `mapstructure:"encryption_key"`
	} `mapstructure:"auth"`

	Scheduler struct {
		TaskSweepInterval time.Duration `mapstructure:"task_sweep_interval"`
		MailPollInterval  time.Duration `mapstructure:"mail_poll_interval"`
	} `mapstructure:"scheduler"`

	SMTP struct {
		Host        string        `mapstructure:"host"`
		Port        int           `mapstructure:"port"`
		StartTLS    bool          `mapstructure:"starttls"`
		Username    string        `mapstructure:"username"`
		Password    string        `mapstructure:"password"`
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
	} `mapstructure:"smtp"`

	IMAP struct {
		Host        string        `mapstructure:"host"`
		Port        int           `mapstructure:"port"`
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
		Mailbox     string        `mapstructure:"mailbox"`
	} `mapstructure:"imap"`

	Storage struct {
		// "minio" or "local".
		Backend string `mapstructure:"backend"`
		Minio   struct {
			Endpoint  string `mapstructure:"endpoint"`
			AccessKey string `mapstructure:"access_key"`
			SecretKey string `mapstructure:"secret_key"`
			Bucket    string `mapstructure:"bucket"`
			Secure    bool   `mapstructure:"secure"`
		} `mapstructure:"minio"`
	} `mapstructure:"storage"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".mailmerge")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("scheduler.task_sweep_interval", "1m")
	v.SetDefault("scheduler.mail_poll_interval", "2m")
	v.SetDefault("smtp.port", 465)
	v.SetDefault("smtp.dial_timeout", "15s")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.dial_timeout", "15s")
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.minio.bucket", "mailmerge")
}

// Load reads config from the given file path (optional when empty), applies
// defaults and MAILMERGE_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MAILMERGE")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Scheduler.TaskSweepInterval < time.Second {
		return fmt.Errorf("scheduler.task_sweep_interval must be at least 1s")
	}
	if c.Scheduler.MailPollInterval < time.Second {
		return fmt.Errorf("scheduler.mail_poll_interval must be at least 1s")
	}
	switch c.Storage.Backend {
	case "local":
	case "minio":
		m := c.Storage.Minio
		if m.Endpoint == "" || m.AccessKey == "" || m.SecretKey == "" {
			return fmt.Errorf("storage.minio endpoint, access_key and secret_key are required")
		}
		if m.Bucket == "" {
			return fmt.Errorf("storage.minio.bucket is required")
		}
	default:
		return fmt.Errorf("storage.backend must be 'local' or 'minio'")
	}
	return nil
}
