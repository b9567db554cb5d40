package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/seantiz/kompot/internal/model"
)

// Supported config file formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// Credentials are the password credentials exchanged for a bearer token.
type Credentials struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// General is the platform section of the config document.
type General struct {
	Host        string      `yaml:"host" json:"host"`
	APIUsername string      `yaml:"apiusername" json:"apiusername"`
	APIPassword string      `yaml:"apipassword" json:"apipassword"`
	Credentials Credentials `yaml:"credentials" json:"credentials"`
	TenantName  string      `yaml:"tenantName" json:"tenantName"`
	TrustCert   bool        `yaml:"trustcert" json:"trustcert"`
	ExitOnFail  bool        `yaml:"exitonfail" json:"exitonfail"`
	Delete      bool        `yaml:"delete" json:"delete"`
}

// Order is one order entry of the config document.
type Order struct {
	OfferingName       string            `yaml:"offeringName" json:"offeringName"`
	OfferingVersion    string            `yaml:"offeringVersion" json:"offeringVersion"`
	SubscriptionPrefix string            `yaml:"subscriptionPrefix" json:"subscriptionPrefix"`
	ServiceOptions     map[string]string `yaml:"serviceOptions" json:"serviceOptions"`
}

// Config is the parsed config document: a general platform section and the
// list of orders to submit.
type Config struct {
	General General `yaml:"general" json:"general"`
	Orders  []Order `yaml:"orders" json:"orders"`
}

// Load reads and parses the config document at path in the given format.
func Load(path, format string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}

	if cfg.General.Host == "" {
		return nil, fmt.Errorf("config: general.host is required")
	}
	if len(cfg.Orders) == 0 {
		return nil, fmt.Errorf("config: at least one order is required")
	}

	return cfg, nil
}

// BaseURL returns the platform endpoint with a scheme. A bare host gets
// https, a host that already carries a scheme is used as-is (test servers).
func (g General) BaseURL() string {
	if strings.Contains(g.Host, "://") {
		return g.Host
	}
	return "https://" + g.Host
}

// ModelOrders converts the config order entries to their domain form.
func (c *Config) ModelOrders() []model.Order {
	orders := make([]model.Order, 0, len(c.Orders))
	for _, o := range c.Orders {
		orders = append(orders, model.Order{
			OfferingName:       o.OfferingName,
			OfferingVersion:    o.OfferingVersion,
			SubscriptionPrefix: o.SubscriptionPrefix,
			ServiceOptions:     o.ServiceOptions,
		})
	}
	return orders
}

// ParseLogLevel maps a level name to its slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
