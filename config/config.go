package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PostsConfig groups settings for the markdown post source directory.
type PostsConfig struct {
	Dir       string `json:"dir"`
	RawAccess bool   `json:"rawAccess"`
}

// CacheConfig controls the rendered-post cache and its persistence.
type CacheConfig struct {
	Enable           bool   `json:"enable"`
	File             string `json:"file"`
	Persist          bool   `json:"persist"`
	Compress         bool   `json:"compress"`
	CompressionLevel int    `json:"compressionLevel"`
	TTLSec           int    `json:"ttlSec"`
	SweepIntervalSec int    `json:"sweepIntervalSec"`

	ttl           time.Duration `json:"-"`
	sweepInterval time.Duration `json:"-"`
}

// TemplatesConfig points at the optional custom template overlay directory.
type TemplatesConfig struct {
	CustomDir string `json:"customDir"`
}

// RenderConfig holds options that affect rendered output. Its fingerprint
// invalidates persisted cache images when the options change.
type RenderConfig struct {
	HighlightTheme string `json:"highlightTheme"`
	Unsafe         bool   `json:"unsafe"`
	Minify         bool   `json:"minify"`
}

// Config encapsulates runtime options.
type Config struct {
	Listen      string          `json:"listen"`
	SiteName    string          `json:"siteName"`
	Description string          `json:"description"`
	BaseURL     string          `json:"baseUrl"`
	Posts       PostsConfig     `json:"posts"`
	Render      RenderConfig    `json:"render"`
	Cache       CacheConfig     `json:"cache"`
	Templates   TemplatesConfig `json:"templates"`
	StaticDir   string          `json:"staticDir"`
	MediaDir    string          `json:"mediaDir"`
	EnableTLS   bool            `json:"enableTLS"`
	TLSCert     string          `json:"tlsCert"`
	TLSKey      string          `json:"tlsKey"`
	LogLevel    string          `json:"logLevel"`
}

// TTL returns the effective cache entry lifetime, zero when disabled.
func (c CacheConfig) TTL() time.Duration {
	return c.ttl
}

// SweepInterval returns the effective sweep cadence, zero when disabled.
func (c CacheConfig) SweepInterval() time.Duration {
	return c.sweepInterval
}

// Load reads configuration from disk and applies sane defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(bytes, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() error {
	if c.Listen == "" {
		c.Listen = ":3000"
	}

	c.SiteName = strings.TrimSpace(c.SiteName)
	if c.SiteName == "" {
		c.SiteName = "quill"
	}
	c.Description = strings.TrimSpace(c.Description)
	if c.Description == "" {
		c.Description = "a markdown blog"
	}
	c.BaseURL = strings.TrimSpace(c.BaseURL)

	c.Posts.Dir = strings.TrimSpace(c.Posts.Dir)
	if c.Posts.Dir == "" {
		c.Posts.Dir = "./posts"
	}

	if c.Render.HighlightTheme == "" {
		c.Render.HighlightTheme = "catppuccin-mocha"
	}

	if c.Cache.File == "" {
		c.Cache.File = "./cache.qlc"
	}
	if c.Cache.CompressionLevel == 0 {
		c.Cache.CompressionLevel = 3
	}
	if c.Cache.TTLSec > 0 {
		c.Cache.ttl = time.Duration(c.Cache.TTLSec) * time.Second
	}
	if c.Cache.SweepIntervalSec > 0 {
		c.Cache.sweepInterval = time.Duration(c.Cache.SweepIntervalSec) * time.Second
	}

	c.Templates.CustomDir = strings.TrimSpace(c.Templates.CustomDir)
	c.StaticDir = strings.TrimSpace(c.StaticDir)
	c.MediaDir = strings.TrimSpace(c.MediaDir)

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

func (c *Config) validate() error {
	if c.Cache.CompressionLevel < 1 || c.Cache.CompressionLevel > 22 {
		return fmt.Errorf("cache compression level %d out of range [1, 22]", c.Cache.CompressionLevel)
	}
	if c.Cache.TTLSec < 0 {
		return fmt.Errorf("negative cache ttl")
	}
	if c.Cache.SweepIntervalSec < 0 {
		return fmt.Errorf("negative sweep interval")
	}
	if c.EnableTLS {
		if c.TLSCert == "" || c.TLSKey == "" {
			return fmt.Errorf("tls enabled but certificates missing")
		}
	}
	return nil
}
