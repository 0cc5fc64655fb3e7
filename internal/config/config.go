package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SourceConfig selects where feeds and packages are downloaded from. Only
// the fields relevant to Type are read.
type SourceConfig struct {
	Type             string            `mapstructure:"type"` // http, file, s3, gcs, azure, b2
	URL              string            `mapstructure:"url"`
	Path             string            `mapstructure:"path"`
	Bucket           string            `mapstructure:"bucket"`
	Prefix           string            `mapstructure:"prefix"`
	Region           string            `mapstructure:"region"`
	Endpoint         string            `mapstructure:"endpoint"`
	PathStyle        bool              `mapstructure:"path_style"`
	AccessKeyID      string            `mapstructure:"access_key_id"`
	SecretAccessKey  string            `mapstructure:"secret_access_key"`
	CredentialsFile  string            `mapstructure:"credentials_file"`
	Anonymous        bool              `mapstructure:"anonymous"`
	Container        string            `mapstructure:"container"`
	ConnectionString string            `mapstructure:"connection_string"`
	AccountID        string            `mapstructure:"account_id"`
	AppKey           string            `mapstructure:"app_key"`
	Headers          map[string]string `mapstructure:"headers"`
	TimeoutSeconds   int               `mapstructure:"timeout_seconds"`
	ClientCertFile   string            `mapstructure:"client_cert_file"`
	ClientKeyFile    string            `mapstructure:"client_key_file"`
	CAFile           string            `mapstructure:"ca_file"`
	Proxy            string            `mapstructure:"proxy"`
	NoProxy          string            `mapstructure:"no_proxy"`
}

type Config struct {
	InstallRoot    string `mapstructure:"install_root"`
	PackageID      string `mapstructure:"package_id"`
	Channel        string `mapstructure:"channel"`
	Platform       string `mapstructure:"platform"`
	EntryPoint     string `mapstructure:"entry_point"`
	ServiceName    string `mapstructure:"service_name"`
	CurrentVersion string `mapstructure:"current_version"`

	Source SourceConfig `mapstructure:"source"`

	AllowDowngrade         bool   `mapstructure:"allow_downgrade"`
	MaxDeltaChain          int    `mapstructure:"max_delta_chain"`
	MaxConcurrentDownloads int    `mapstructure:"max_concurrent_downloads"`
	DeltaCodec             string `mapstructure:"delta_codec"`
	ZstdLevel              int    `mapstructure:"zstd_level"`
	SmallFileThreshold     int    `mapstructure:"small_file_threshold"`

	RetryMaxAttempts    int `mapstructure:"retry_max_attempts"`
	RetryInitialDelayMs int `mapstructure:"retry_initial_delay_ms"`
	RetryMaxDelayMs     int `mapstructure:"retry_max_delay_ms"`

	LockStaleAfterSeconds int `mapstructure:"lock_stale_after_seconds"`

	JournalPath     string `mapstructure:"journal_path"`
	AuditPath       string `mapstructure:"audit_path"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		Channel:                defaultChannel(),
		Platform:               DefaultPlatform(),
		Source:                 SourceConfig{Type: "http", TimeoutSeconds: 1800},
		MaxDeltaChain:          10,
		MaxConcurrentDownloads: 4,
		DeltaCodec:             "native",
		ZstdLevel:              3,
		SmallFileThreshold:     1024,
		RetryMaxAttempts:       3,
		RetryInitialDelayMs:    1000,
		RetryMaxDelayMs:        30000,
		LockStaleAfterSeconds:  6 * 60 * 60,
		AuditMaxSizeMB:         10,
		AuditMaxBackups:        3,
		LogLevel:               "info",
		LogFormat:              "text",
		LogMaxSizeMB:           50,
		LogMaxBackups:          3,
	}
}

// Load reads cfgFile (or updater.yaml from the platform config directory)
// and overlays UPDATER_* environment variables.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("updater")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("UPDATER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// AutomaticEnv only resolves keys viper already knows about, so every key
// is registered up front for env-only configuration to work.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"install_root", "package_id", "channel", "platform", "entry_point", "service_name", "current_version",
		"source.type", "source.url", "source.path", "source.bucket", "source.prefix", "source.region",
		"source.endpoint", "source.path_style", "source.access_key_id", "source.secret_access_key",
		"source.credentials_file", "source.anonymous", "source.container", "source.connection_string",
		"source.account_id", "source.app_key", "source.timeout_seconds",
		"allow_downgrade", "max_delta_chain", "max_concurrent_downloads", "delta_codec", "zstd_level",
		"small_file_threshold", "retry_max_attempts", "retry_initial_delay_ms", "retry_max_delay_ms",
		"lock_stale_after_seconds", "journal_path", "audit_path", "audit_max_size_mb", "audit_max_backups",
		"log_level", "log_format", "log_file", "log_max_size_mb", "log_max_backups",
	} {
		_ = v.BindEnv(key)
	}
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("install_root", cfg.InstallRoot)
	v.Set("package_id", cfg.PackageID)
	v.Set("channel", cfg.Channel)
	v.Set("platform", cfg.Platform)
	v.Set("entry_point", cfg.EntryPoint)
	v.Set("service_name", cfg.ServiceName)
	v.Set("current_version", cfg.CurrentVersion)
	v.Set("source", map[string]any{
		"type":              cfg.Source.Type,
		"url":               cfg.Source.URL,
		"path":              cfg.Source.Path,
		"bucket":            cfg.Source.Bucket,
		"prefix":            cfg.Source.Prefix,
		"region":            cfg.Source.Region,
		"endpoint":          cfg.Source.Endpoint,
		"path_style":        cfg.Source.PathStyle,
		"access_key_id":     cfg.Source.AccessKeyID,
		"secret_access_key": cfg.Source.SecretAccessKey,
		"credentials_file":  cfg.Source.CredentialsFile,
		"anonymous":         cfg.Source.Anonymous,
		"container":         cfg.Source.Container,
		"connection_string": cfg.Source.ConnectionString,
		"account_id":        cfg.Source.AccountID,
		"app_key":           cfg.Source.AppKey,
		"headers":           cfg.Source.Headers,
		"timeout_seconds":   cfg.Source.TimeoutSeconds,
		"client_cert_file":  cfg.Source.ClientCertFile,
		"client_key_file":   cfg.Source.ClientKeyFile,
		"ca_file":           cfg.Source.CAFile,
		"proxy":             cfg.Source.Proxy,
		"no_proxy":          cfg.Source.NoProxy,
	})
	v.Set("allow_downgrade", cfg.AllowDowngrade)
	v.Set("max_delta_chain", cfg.MaxDeltaChain)
	v.Set("max_concurrent_downloads", cfg.MaxConcurrentDownloads)
	v.Set("delta_codec", cfg.DeltaCodec)
	v.Set("zstd_level", cfg.ZstdLevel)
	v.Set("small_file_threshold", cfg.SmallFileThreshold)
	v.Set("retry_max_attempts", cfg.RetryMaxAttempts)
	v.Set("retry_initial_delay_ms", cfg.RetryInitialDelayMs)
	v.Set("retry_max_delay_ms", cfg.RetryMaxDelayMs)
	v.Set("lock_stale_after_seconds", cfg.LockStaleAfterSeconds)
	v.Set("journal_path", cfg.JournalPath)
	v.Set("audit_path", cfg.AuditPath)
	v.Set("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.Set("audit_max_backups", cfg.AuditMaxBackups)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	v.Set("log_max_backups", cfg.LogMaxBackups)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "updater.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Source credentials may be stored inline.
	return os.Chmod(cfgPath, 0600)
}

// RetryDelays returns the configured backoff bounds.
func (c *Config) RetryDelays() (initial, max time.Duration) {
	return time.Duration(c.RetryInitialDelayMs) * time.Millisecond, time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

// LockStaleAfter is the age after which a lock held by a live process is
// still considered abandoned.
func (c *Config) LockStaleAfter() time.Duration {
	return time.Duration(c.LockStaleAfterSeconds) * time.Second
}

// JournalFile resolves the update history database path.
func (c *Config) JournalFile() string {
	if c.JournalPath != "" {
		return c.JournalPath
	}
	return filepath.Join(c.InstallRoot, "history.db")
}

// AuditFile resolves the audit log path.
func (c *Config) AuditFile() string {
	if c.AuditPath != "" {
		return c.AuditPath
	}
	return filepath.Join(c.InstallRoot, "logs", "audit.jsonl")
}

// DefaultPlatform is the runtime identifier used to pick assets,
// e.g. "linux-x64" or "win-arm64".
func DefaultPlatform() string {
	osName := runtime.GOOS
	switch osName {
	case "windows":
		osName = "win"
	case "darwin":
		osName = "osx"
	}
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x64"
	case "386":
		arch = "x86"
	}
	return osName + "-" + arch
}

func defaultChannel() string {
	switch runtime.GOOS {
	case "windows":
		return "win"
	case "darwin":
		return "osx"
	default:
		return "linux"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Updater")
	case "darwin":
		return "/Library/Application Support/Updater"
	default:
		return "/etc/updater"
	}
}
