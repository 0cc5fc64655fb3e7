package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

var packageIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var channelRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

var validSourceTypes = map[string]bool{
	"http":  true,
	"file":  true,
	"s3":    true,
	"gcs":   true,
	"azure": true,
	"b2":    true,
}

var validCodecs = map[string]bool{
	"native": true,
	"zstd":   true,
	"bsdiff": true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates problems that must stop the updater from ones
// that were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// ValidateTiered checks the config. Out-of-range numbers are clamped and
// reported as warnings; values that would point the updater at the wrong
// place are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	fatal := func(format string, args ...any) { r.Fatals = append(r.Fatals, fmt.Errorf(format, args...)) }
	warn := func(format string, args ...any) { r.Warnings = append(r.Warnings, fmt.Errorf(format, args...)) }

	if c.InstallRoot != "" && !filepath.IsAbs(c.InstallRoot) {
		fatal("install_root %q must be an absolute path", c.InstallRoot)
	}
	if c.PackageID != "" && !packageIDRegex.MatchString(c.PackageID) {
		fatal("package_id %q contains invalid characters", c.PackageID)
	}
	if c.Channel == "" {
		fatal("channel is required")
	} else if !channelRegex.MatchString(c.Channel) {
		fatal("channel %q contains invalid characters", c.Channel)
	}
	if c.EntryPoint != "" && (filepath.IsAbs(c.EntryPoint) || strings.Contains(filepath.ToSlash(c.EntryPoint), "..")) {
		fatal("entry_point %q must be a relative path inside the install", c.EntryPoint)
	}

	c.validateSource(fatal, warn)

	if !validCodecs[strings.ToLower(c.DeltaCodec)] {
		warn("delta_codec %q is not valid (use native, zstd, bsdiff), using native", c.DeltaCodec)
		c.DeltaCodec = "native"
	}

	clamp := func(name string, v *int, lo, hi int) {
		if *v < lo {
			warn("%s %d is below minimum %d, clamping", name, *v, lo)
			*v = lo
		} else if *v > hi {
			warn("%s %d exceeds maximum %d, clamping", name, *v, hi)
			*v = hi
		}
	}
	clamp("max_delta_chain", &c.MaxDeltaChain, 1, 100)
	clamp("max_concurrent_downloads", &c.MaxConcurrentDownloads, 1, 32)
	clamp("zstd_level", &c.ZstdLevel, 1, 4)
	clamp("small_file_threshold", &c.SmallFileThreshold, 0, 1<<20)
	clamp("retry_max_attempts", &c.RetryMaxAttempts, 0, 10)
	clamp("retry_initial_delay_ms", &c.RetryInitialDelayMs, 10, 60000)
	clamp("retry_max_delay_ms", &c.RetryMaxDelayMs, c.RetryInitialDelayMs, 600000)
	clamp("lock_stale_after_seconds", &c.LockStaleAfterSeconds, 60, 7*24*60*60)
	clamp("audit_max_size_mb", &c.AuditMaxSizeMB, 1, 1024)
	clamp("audit_max_backups", &c.AuditMaxBackups, 0, 100)
	clamp("log_max_size_mb", &c.LogMaxSizeMB, 1, 1024)
	clamp("log_max_backups", &c.LogMaxBackups, 0, 100)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn("log_format %q is not valid (use text or json)", c.LogFormat)
	}

	return r
}

func (c *Config) validateSource(fatal, warn func(string, ...any)) {
	s := &c.Source
	s.Type = strings.ToLower(s.Type)
	if !validSourceTypes[s.Type] {
		fatal("source.type %q is not valid (use http, file, s3, gcs, azure, b2)", s.Type)
		return
	}
	switch s.Type {
	case "http":
		if (s.ClientCertFile == "") != (s.ClientKeyFile == "") {
			fatal("source.client_cert_file and source.client_key_file must be set together")
		}
		if s.Proxy != "" {
			if p, err := url.Parse(s.Proxy); err != nil || p.Host == "" {
				fatal("source.proxy %q is not a valid proxy URL", s.Proxy)
			}
		}
		if s.URL == "" {
			break
		}
		u, err := url.Parse(s.URL)
		if err != nil {
			fatal("source.url %q is not a valid URL: %v", s.URL, err)
		} else if u.Scheme != "http" && u.Scheme != "https" {
			fatal("source.url scheme must be http or https, got %q", u.Scheme)
		} else if u.Scheme == "http" {
			if len(s.Headers) > 0 {
				warn("source.headers are sent over plain http to %s", u.Host)
			}
			if s.ClientCertFile != "" {
				warn("source.client_cert_file is not used over plain http")
			}
		}
	case "file":
		if s.Path == "" {
			fatal("source.path is required for file sources")
		}
	case "s3", "gcs", "b2":
		if s.Bucket == "" {
			fatal("source.bucket is required for %s sources", s.Type)
		}
	case "azure":
		if s.Container == "" {
			fatal("source.container is required for azure sources")
		}
	}
	for k, v := range s.Headers {
		for _, r := range k + v {
			if unicode.IsControl(r) {
				fatal("source.headers[%s] contains control characters", k)
				break
			}
		}
	}
	if s.TimeoutSeconds < 0 {
		warn("source.timeout_seconds %d is negative, disabling timeout", s.TimeoutSeconds)
		s.TimeoutSeconds = 0
	}
}

// Validate runs ValidateTiered and logs every problem. It returns all of
// them, fatal or not.
func (c *Config) Validate() []error {
	r := c.ValidateTiered()
	for _, err := range r.Fatals {
		slog.Error("config validation", "error", err)
	}
	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return r.AllErrors()
}
