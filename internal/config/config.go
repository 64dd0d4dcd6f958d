// Package config loads the process configuration once at startup. Values
// come from an optional YAML file layered under AVATAR_-prefixed environment
// variables, with `__` as the nesting separator (AVATAR_LLM__API_URL sets
// llm.api_url). The result is immutable for the process lifetime.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "AVATAR_"

type Config struct {
	Server ServerConfig `koanf:"server"`
	LLM    LLMConfig    `koanf:"llm"`
}

type ServerConfig struct {
	Host        string `koanf:"host"`
	Port        int    `koanf:"port"`
	CORSOrigins string `koanf:"cors_origins"`
	RateLimit   string `koanf:"rate_limit"`
}

type LLMConfig struct {
	APIURL      string  `koanf:"api_url"`
	Model       string  `koanf:"model"`
	MaxTokens   int     `koanf:"max_tokens"`
	Temperature float64 `koanf:"temperature"`
}

// Load reads configuration from the optional YAML file at path (skipped if
// empty) and the environment, then applies defaults for anything unset.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]interface{}{
		"server.host":         "127.0.0.1",
		"server.port":         8000,
		"server.cors_origins": "http://localhost:5173,http://localhost:3000",
		"server.rate_limit":   "30/minute",
		"llm.model":           "Qwen2.5-1.5B-Instruct",
		"llm.max_tokens":      150,
		"llm.temperature":     0.7,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if cfg.LLM.APIURL == "" {
		return nil, errors.New("llm.api_url is required (set AVATAR_LLM__API_URL)")
	}

	return &cfg, nil
}

// Addr is the host:port the server binds to.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Origins returns the allowed CORS origins as a slice.
func (s ServerConfig) Origins() []string {
	parts := strings.Split(s.CORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

// ParseRateLimit parses the "N/period" quota string, e.g. "30/minute".
func (s ServerConfig) ParseRateLimit() (int, time.Duration, error) {
	parts := strings.SplitN(s.RateLimit, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("rate limit %q: want \"N/period\"", s.RateLimit)
	}

	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("rate limit %q: invalid request count", s.RateLimit)
	}

	var window time.Duration
	switch strings.TrimSpace(parts[1]) {
	case "second":
		window = time.Second
	case "minute":
		window = time.Minute
	case "hour":
		window = time.Hour
	case "day":
		window = 24 * time.Hour
	default:
		return 0, 0, fmt.Errorf("rate limit %q: unknown period", s.RateLimit)
	}

	return n, window, nil
}
