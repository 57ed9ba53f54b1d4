// Package config loads the mailguard configuration from a JSON file and
// the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/synqronlabs/mailguard/dnsbl"
)

// DefaultPath is read when MAILGUARD_CONFIG is not set.
const DefaultPath = "mailguard.json"

var ErrInvalid = errors.New("config: invalid configuration")

// Duration is a time.Duration written as a Go duration string, such as
// "5s" or "24h".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Plain numbers are seconds.
		var secs float64
		if err := json.Unmarshal(b, &secs); err != nil {
			return fmt.Errorf("duration must be a string or a number: %s", b)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Validation struct {
		Enabled                 bool   `json:"enabled"`
		StrictMode              bool   `json:"strict_mode"`
		DMARCMalformedPermerror bool   `json:"dmarc_malformed_permerror"`
		DMARCRUAFallback        bool   `json:"dmarc_rua_fallback"`
		Hostname                string `json:"hostname"`
	} `json:"validation"`

	DNS struct {
		Nameservers []string `json:"nameservers"`
		Timeout     Duration `json:"timeout"`
		Retries     int      `json:"retries"`
		DNSSEC      bool     `json:"dnssec"`
		CacheTTL    Duration `json:"cache_ttl"`
	} `json:"dns"`

	DNSBL struct {
		Timeout        Duration `json:"timeout"`
		MaxConcurrency int      `json:"max_concurrency"`
		BatchDelay     Duration `json:"batch_delay"`
		Lists          []List   `json:"lists"`
	} `json:"dnsbl"`

	Report struct {
		OrgName         string   `json:"org_name"`
		ContactEmail    string   `json:"contact_email"`
		StoragePath     string   `json:"storage_path"`
		Interval        Duration `json:"interval"`
		RetentionDays   int      `json:"retention_days"`
		MaxSendAttempts int      `json:"max_send_attempts"`
		SplitDivergent  bool     `json:"split_divergent"`
	} `json:"report"`

	Database struct {
		Driver string `json:"driver"`
		DSN    string `json:"dsn"`
	} `json:"database"`

	Redis struct {
		URL string `json:"url"`
	} `json:"redis"`

	SMTP struct {
		Addr         string   `json:"addr"`
		TLS          string   `json:"tls"`
		Username     string   `json:"username"`
		Password     string   `json:"password"`
		Timeout      Duration `json:"timeout"`
		DKIMDomain   string   `json:"dkim_domain"`
		DKIMSelector string   `json:"dkim_selector"`
		DKIMKeyFile  string   `json:"dkim_key_file"`
	} `json:"smtp"`

	Server struct {
		MetricsAddr string `json:"metrics_addr"`
	} `json:"server"`

	Log struct {
		Level string `json:"level"`
	} `json:"log"`
}

// List is a configured DNS block list.
type List struct {
	Hostname    string `json:"hostname"`
	DisplayName string `json:"display_name"`
	Weight      int    `json:"weight"`
	Active      bool   `json:"active"`
}

// Default returns the configuration used for options that are not set.
func Default() Config {
	var c Config
	c.Validation.Enabled = true
	c.Validation.Hostname = "localhost"

	c.DNS.Timeout = Duration(5 * time.Second)
	c.DNS.Retries = 2
	c.DNS.CacheTTL = Duration(5 * time.Minute)

	c.DNSBL.Timeout = Duration(dnsbl.DefaultTimeout)
	c.DNSBL.MaxConcurrency = dnsbl.DefaultMaxConcurrency
	c.DNSBL.BatchDelay = Duration(dnsbl.DefaultBatchDelay)
	for _, l := range dnsbl.DefaultLists() {
		c.DNSBL.Lists = append(c.DNSBL.Lists, List{
			Hostname:    l.Hostname,
			DisplayName: l.DisplayName,
			Weight:      l.Weight,
			Active:      l.Active,
		})
	}

	c.Report.Interval = Duration(24 * time.Hour)
	c.Report.RetentionDays = 30
	c.Report.MaxSendAttempts = 5

	c.Database.Driver = "sqlite"
	c.Database.DSN = "mailguard.db"

	c.SMTP.TLS = "starttls"
	c.SMTP.Timeout = Duration(30 * time.Second)

	c.Server.MetricsAddr = ":9464"
	c.Log.Level = "info"
	return c
}

// Load reads the JSON file at path over the defaults and applies
// environment overrides. A missing file is not an error. An empty path
// means MAILGUARD_CONFIG, or DefaultPath.
func Load(path string) (Config, error) {
	if path == "" {
		path = GetEnv("MAILGUARD_CONFIG", DefaultPath)
	}
	c := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return c, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	c.applyEnv()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	c.Validation.Enabled = GetEnvBool("MAILGUARD_VALIDATION_ENABLED", c.Validation.Enabled)
	c.Validation.StrictMode = GetEnvBool("MAILGUARD_STRICT_MODE", c.Validation.StrictMode)
	c.Validation.DMARCRUAFallback = GetEnvBool("MAILGUARD_DMARC_RUA_FALLBACK", c.Validation.DMARCRUAFallback)
	c.Validation.Hostname = GetEnv("MAILGUARD_HOSTNAME", c.Validation.Hostname)

	if ns := GetEnv("MAILGUARD_DNS_NAMESERVERS", ""); ns != "" {
		c.DNS.Nameservers = splitList(ns)
	}
	c.DNS.Timeout = Duration(GetEnvDuration("MAILGUARD_DNS_TIMEOUT", c.DNS.Timeout.D()))
	c.DNS.DNSSEC = GetEnvBool("MAILGUARD_DNS_DNSSEC", c.DNS.DNSSEC)

	c.DNSBL.Timeout = Duration(GetEnvDuration("MAILGUARD_DNSBL_TIMEOUT", c.DNSBL.Timeout.D()))
	c.DNSBL.MaxConcurrency = GetEnvInt("MAILGUARD_DNSBL_MAX_CONCURRENCY", c.DNSBL.MaxConcurrency)

	c.Report.OrgName = GetEnv("MAILGUARD_REPORT_ORG_NAME", c.Report.OrgName)
	c.Report.ContactEmail = GetEnv("MAILGUARD_REPORT_CONTACT_EMAIL", c.Report.ContactEmail)
	c.Report.StoragePath = GetEnv("MAILGUARD_REPORT_STORAGE_PATH", c.Report.StoragePath)
	c.Report.Interval = Duration(GetEnvDuration("MAILGUARD_REPORT_INTERVAL", c.Report.Interval.D()))
	c.Report.RetentionDays = GetEnvInt("MAILGUARD_REPORT_RETENTION_DAYS", c.Report.RetentionDays)

	c.Database.Driver = GetEnv("MAILGUARD_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = GetEnv("MAILGUARD_DB_DSN", c.Database.DSN)
	c.Redis.URL = GetEnv("MAILGUARD_REDIS_URL", c.Redis.URL)

	c.SMTP.Addr = GetEnv("MAILGUARD_SMTP_ADDR", c.SMTP.Addr)
	c.SMTP.Username = GetEnv("MAILGUARD_SMTP_USERNAME", c.SMTP.Username)
	c.SMTP.Password = GetEnv("MAILGUARD_SMTP_PASSWORD", c.SMTP.Password)

	c.Server.MetricsAddr = GetEnv("MAILGUARD_METRICS_ADDR", c.Server.MetricsAddr)
	c.Log.Level = GetEnv("MAILGUARD_LOG_LEVEL", c.Log.Level)
}

// Validate reports every invalid option at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DNSBL.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("dnsbl.max_concurrency must be at least 1, got %d", c.DNSBL.MaxConcurrency))
	}
	if c.DNSBL.Timeout <= 0 {
		errs = append(errs, errors.New("dnsbl.timeout must be positive"))
	}
	for i, l := range c.DNSBL.Lists {
		if strings.TrimSpace(l.Hostname) == "" {
			errs = append(errs, fmt.Errorf("dnsbl.lists[%d]: hostname is empty", i))
		}
		if l.Weight < 0 {
			errs = append(errs, fmt.Errorf("dnsbl.lists[%d]: negative weight", i))
		}
	}
	if c.Report.Interval <= 0 {
		errs = append(errs, errors.New("report.interval must be positive"))
	}
	if c.Report.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("report.retention_days must be at least 1, got %d", c.Report.RetentionDays))
	}
	if c.Report.MaxSendAttempts < 1 {
		errs = append(errs, fmt.Errorf("report.max_send_attempts must be at least 1, got %d", c.Report.MaxSendAttempts))
	}
	switch c.Database.Driver {
	case "postgres", "postgresql", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not postgres or sqlite", c.Database.Driver))
	}
	switch c.SMTP.TLS {
	case "none", "starttls", "tls":
	default:
		errs = append(errs, fmt.Errorf("smtp.tls %q is not none, starttls or tls", c.SMTP.TLS))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not debug, info, warn or error", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// BlockLists converts the configured lists for the DNSBL checker.
func (c *Config) BlockLists() []dnsbl.List {
	lists := make([]dnsbl.List, len(c.DNSBL.Lists))
	for i, l := range c.DNSBL.Lists {
		lists[i] = dnsbl.List{
			Hostname:    strings.ToLower(strings.TrimSpace(l.Hostname)),
			DisplayName: l.DisplayName,
			Weight:      l.Weight,
			Active:      l.Active,
		}
	}
	return lists
}

// Retention is the report retention period.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Report.RetentionDays) * 24 * time.Hour
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
