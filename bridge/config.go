package bridge

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Listen            string        `yaml:"listen"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	AttributeThrottle time.Duration `yaml:"attribute_throttle"`
	Pages             []PageConfig  `yaml:"pages"`
	Audit             AuditConfig   `yaml:"audit"`
}

// PageConfig declares one inspectable page served from an HTML file.
type PageConfig struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
	URL   string `yaml:"url"`
	File  string `yaml:"file"`
}

// AuditConfig controls the optional SQLite protocol audit trail.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with their defaults. LoadConfigFile
// calls it; programmatic configs should too.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:9222"
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.Audit.Enabled && c.Audit.DBPath == "" {
		c.Audit.DBPath = "devtools-audit.db"
	}
	if c.Audit.RetentionDays <= 0 {
		c.Audit.RetentionDays = 30
	}
	for i := range c.Pages {
		if c.Pages[i].Title == "" {
			c.Pages[i].Title = c.Pages[i].ID
		}
		if c.Pages[i].URL == "" {
			c.Pages[i].URL = "coui://" + c.Pages[i].ID
		}
	}
}

func (c *Config) validate() error {
	if len(c.Pages) == 0 {
		return fmt.Errorf("bridge: config declares no pages")
	}
	seen := make(map[string]bool, len(c.Pages))
	for _, p := range c.Pages {
		if p.ID == "" {
			return fmt.Errorf("bridge: page with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("bridge: duplicate page id %q", p.ID)
		}
		seen[p.ID] = true
		if p.File == "" {
			return fmt.Errorf("bridge: page %q has no file", p.ID)
		}
	}
	return nil
}
