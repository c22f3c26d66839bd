package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
)

type Config struct {
	Port    string `env:"PORT" envDefault:"8080"`
	Version string `env:"APP_VERSION" envDefault:"dev"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	PayPalClientID  string `env:"PAYPAL_CLIENT_ID,required,notEmpty"`
	PayPalSecretKey string `env:"PAYPAL_SECRET_KEY,required,notEmpty"`
	PayPalBaseURL   string `env:"PAYPAL_BASE_URL" envDefault:"https://api-m.paypal.com"`
	BrandName       string `env:"BRAND_NAME" envDefault:"Ascend Software"`

	DatastoreURL        string `env:"SUPABASE_URL,required,notEmpty"`
	DatastoreServiceKey string `env:"SUPABASE_SERVICE_ROLE_KEY,required,notEmpty"`
	AuthJWTSecret       string `env:"SUPABASE_JWT_SECRET"`

	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"20"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	// TrustedProxies lists the addresses or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means none are.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	SentryDSN string `env:"SENTRY_DSN"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     string `env:"SMTP_PORT"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	EmailFrom    string `env:"EMAIL_FROM" envDefault:"licenses@ascend.software"`
}

// New reads the configuration from the environment. Missing required
// variables and inconsistent settings are reported together.
func New() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var result *multierror.Error

	if _, err := url.ParseRequestURI(c.PayPalBaseURL); err != nil {
		result = multierror.Append(result, fmt.Errorf("PAYPAL_BASE_URL is not a valid URL: %w", err))
	}

	if !supportedDatastore(c.DatastoreURL) {
		result = multierror.Append(result, fmt.Errorf("SUPABASE_URL scheme not supported: %q", c.DatastoreURL))
	}

	if c.RateLimitRequests < 0 {
		result = multierror.Append(result, errors.New("RATE_LIMIT_REQUESTS must not be negative"))
	}

	if c.RateLimitWindow <= 0 {
		result = multierror.Append(result, errors.New("RATE_LIMIT_WINDOW must be positive"))
	}

	if _, err := ParseProxies(c.TrustedProxies); err != nil {
		result = multierror.Append(result, fmt.Errorf("TRUSTED_PROXIES: %w", err))
	}

	smtpSet := 0
	for _, v := range []string{c.SMTPHost, c.SMTPPort, c.SMTPUsername, c.SMTPPassword} {
		if v != "" {
			smtpSet++
		}
	}
	if smtpSet > 0 && smtpSet < 4 {
		result = multierror.Append(result, errors.New("SMTP_HOST, SMTP_PORT, SMTP_USERNAME, and SMTP_PASSWORD must be set together"))
	}

	return result.ErrorOrNil()
}

// EmailEnabled reports whether license receipts can be mailed.
func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != "" && c.SMTPPort != "" && c.SMTPUsername != "" && c.SMTPPassword != ""
}

// AuthEnabled reports whether session tokens can be verified.
func (c *Config) AuthEnabled() bool {
	return c.AuthJWTSecret != ""
}

// ParseProxies turns addresses and CIDRs into networks. A bare address is
// treated as a single-host network.
func ParseProxies(entries []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid address %q", entry)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}

		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q", entry)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

func supportedDatastore(raw string) bool {
	for _, prefix := range []string{"https://", "http://", "postgres://", "postgresql://", "sqlite://", "memory://"} {
		if strings.HasPrefix(raw, prefix) {
			return true
		}
	}
	return false
}
