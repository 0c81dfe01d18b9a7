package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr string `mapstructure:"LISTEN_ADDR"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	PostgresHost     string `mapstructure:"POSTGRES_HOST"`
	PostgresUser     string `mapstructure:"POSTGRES_USER"`
	PostgresPassword string `mapstructure:"POSTGRES_PASSWORD"`
	PostgresDB       string `mapstructure:"POSTGRES_DB"`

	AWSAccessKeyID     string `mapstructure:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `mapstructure:"AWS_SECRET_ACCESS_KEY"`
	AWSSessionToken    string `mapstructure:"AWS_SESSION_TOKEN"`
	AWSRegion          string `mapstructure:"AWS_REGION"`
	EC2Endpoint        string `mapstructure:"EC2_ENDPOINT"`

	AllowedInstanceTypes string `mapstructure:"ALLOWED_INSTANCE_TYPES"`
	AllowedRegions       string `mapstructure:"ALLOWED_REGIONS"`
	AccountTable         string `mapstructure:"ACCOUNT_TABLE"`
	DefaultLoginUser     string `mapstructure:"DEFAULT_LOGIN_USER"`
	KeyDir               string `mapstructure:"KEY_DIR"`

	BootstrapScript      string        `mapstructure:"BOOTSTRAP_SCRIPT"`
	BootstrapRemotePath  string        `mapstructure:"BOOTSTRAP_REMOTE_PATH"`
	BootstrapCallbackURL string        `mapstructure:"BOOTSTRAP_CALLBACK_URL"`
	BootstrapServiceKey  string        `mapstructure:"BOOTSTRAP_SERVICE_KEY"`
	ProbeAttempts        int           `mapstructure:"PROBE_ATTEMPTS"`
	ProbeInterval        time.Duration `mapstructure:"PROBE_INTERVAL"`
	ProbeTimeout         time.Duration `mapstructure:"PROBE_TIMEOUT"`
	MaxReboots           int           `mapstructure:"MAX_REBOOTS"`

	TunnelPort         int           `mapstructure:"TUNNEL_PORT"`
	TunnelPortRange    int           `mapstructure:"TUNNEL_PORT_RANGE"`
	TunnelReadyTimeout time.Duration `mapstructure:"TUNNEL_READY_TIMEOUT"`
	ServiceCommand     string        `mapstructure:"SERVICE_COMMAND"`

	ArtifactExtensions string `mapstructure:"ARTIFACT_EXTENSIONS"`
	RestoreDir         string `mapstructure:"RESTORE_DIR"`
	DownloadDir        string `mapstructure:"DOWNLOAD_DIR"`

	S3Endpoint  string `mapstructure:"S3_ENDPOINT"`
	S3AccessKey string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey string `mapstructure:"S3_SECRET_KEY"`
	S3Bucket    string `mapstructure:"S3_BUCKET"`
	S3Region    string `mapstructure:"S3_REGION"`

	NATSURL      string        `mapstructure:"NATS_URL"`
	NATSSubject  string        `mapstructure:"NATS_SUBJECT"`
	PollInterval time.Duration `mapstructure:"POLL_INTERVAL"`
}

var defaults = map[string]any{
	"LISTEN_ADDR":            ":7339",
	"LOG_LEVEL":              "info",
	"DATABASE_URL":           "",
	"POSTGRES_HOST":          "",
	"POSTGRES_USER":          "spire",
	"POSTGRES_PASSWORD":      "password",
	"POSTGRES_DB":            "spire",
	"AWS_ACCESS_KEY_ID":      "",
	"AWS_SECRET_ACCESS_KEY":  "",
	"AWS_SESSION_TOKEN":      "",
	"AWS_REGION":             "us-east-1",
	"EC2_ENDPOINT":           "",
	"ALLOWED_INSTANCE_TYPES": "",
	"ALLOWED_REGIONS":        "",
	"ACCOUNT_TABLE":          "",
	"DEFAULT_LOGIN_USER":     "ubuntu",
	"KEY_DIR":                "~/.ssh",
	"BOOTSTRAP_SCRIPT":       "scripts/bootstrap-ec2.sh",
	"BOOTSTRAP_REMOTE_PATH":  "/tmp/bootstrap-ec2.sh",
	"BOOTSTRAP_CALLBACK_URL": "",
	"BOOTSTRAP_SERVICE_KEY":  "",
	"PROBE_ATTEMPTS":         30,
	"PROBE_INTERVAL":         "10s",
	"PROBE_TIMEOUT":          "5s",
	"MAX_REBOOTS":            3,
	"TUNNEL_PORT":            8888,
	"TUNNEL_PORT_RANGE":      100,
	"TUNNEL_READY_TIMEOUT":   "30s",
	"SERVICE_COMMAND":        "",
	"ARTIFACT_EXTENSIONS":    ".ipynb",
	"RESTORE_DIR":            "tmp-downloads",
	"DOWNLOAD_DIR":           "downloaded-sessions",
	"S3_ENDPOINT":            "",
	"S3_ACCESS_KEY":          "",
	"S3_SECRET_KEY":          "",
	"S3_BUCKET":              "notebooks",
	"S3_REGION":              "",
	"NATS_URL":               "",
	"NATS_SUBJECT":           "spire.events",
	"POLL_INTERVAL":          "15s",
}

// Load reads .env (if present), the optional config file and the
// environment, in increasing precedence.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// ResolveDatabaseURL picks DATABASE_URL, then POSTGRES_HOST, then a local
// sqlite file under the user's home directory.
func (c *Config) ResolveDatabaseURL() (string, error) {
	if u := strings.TrimSpace(c.DatabaseURL); u != "" {
		return u, nil
	}
	if strings.TrimSpace(c.PostgresHost) != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:5432/%s", c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresDB), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir for sqlite store: %w", err)
	}
	return "sqlite://" + filepath.Join(home, ".spire", "spire.sqlite3"), nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// List splits a comma-separated setting, dropping empty items.
func List(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
