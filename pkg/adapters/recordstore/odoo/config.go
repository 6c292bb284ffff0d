package odoo

import (
	"fmt"
	"strings"
	"time"
)

// Config contains Odoo connection options.
type Config struct {
	URL        string // base URL, e.g. https://erp.example.com
	Database   string
	User       string
	Password   string
	Timeout    time.Duration
	RateLimit  float64 // calls per second
	RateBurst  int
	MaxRetries int
}

// DefaultTimeout bounds one RPC round trip. Large creates on a busy server
// routinely take tens of seconds.
const DefaultTimeout = 120 * time.Second

// FromMap creates a Config from a generic config map.
func FromMap(config map[string]any) (*Config, error) {
	cfg := &Config{
		Timeout:    DefaultTimeout,
		RateLimit:  10,
		RateBurst:  5,
		MaxRetries: 3,
	}

	if u, ok := config["url"].(string); ok && u != "" {
		cfg.URL = strings.TrimSuffix(u, "/")
	} else {
		return nil, fmt.Errorf("url is required")
	}

	if database, ok := config["database"].(string); ok && database != "" {
		cfg.Database = database
	} else {
		return nil, fmt.Errorf("database is required")
	}

	if user, ok := config["user"].(string); ok && user != "" {
		cfg.User = user
	} else {
		return nil, fmt.Errorf("user is required")
	}

	if password, ok := config["password"].(string); ok {
		cfg.Password = password
	}

	if n, ok := intValue(config["timeout_seconds"]); ok && n > 0 {
		cfg.Timeout = time.Duration(n) * time.Second
	}
	if f, ok := config["rate_limit"].(float64); ok && f > 0 {
		cfg.RateLimit = f
	}
	if n, ok := intValue(config["rate_burst"]); ok && n > 0 {
		cfg.RateBurst = n
	}
	if n, ok := intValue(config["max_retries"]); ok && n >= 0 {
		cfg.MaxRetries = n
	}

	return cfg, nil
}

func intValue(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64: // JSON numbers are float64
		return int(x), true
	}
	return 0, false
}
