// Package config loads client settings from an optional YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/mathduel/go/internal/duel/engine"
	"github.com/mcdev12/mathduel/go/internal/duel/lifecycle"
	"github.com/mcdev12/mathduel/go/internal/duel/problem"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
	BackendRedis    = "redis"
)

type Config struct {
	Store    StoreConfig  `yaml:"store"`
	Game     GameConfig   `yaml:"game"`
	Client   ClientConfig `yaml:"client"`
	Bridge   BridgeConfig `yaml:"bridge"`
	LogLevel string       `yaml:"log_level"`
}

type StoreConfig struct {
	Backend   string `yaml:"backend"`
	NATSURL   string `yaml:"nats_url"`
	KVBucket  string `yaml:"kv_bucket"`
	RedisAddr string `yaml:"redis_addr"`
}

type GameConfig struct {
	TimeLimitSec   int    `yaml:"time_limit_sec"`
	TimeoutPenalty int    `yaml:"timeout_penalty"`
	Difficulty     int    `yaml:"difficulty"`
	ConflictMode   string `yaml:"conflict_mode"`
}

type ClientConfig struct {
	HandlePath string `yaml:"handle_path"`
}

type BridgeConfig struct {
	Port string `yaml:"port"`
}

// Default returns the settings used when neither file nor environment say
// otherwise.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:   BackendMemory,
			NATSURL:   "nats://localhost:4222",
			KVBucket:  "DUEL_SESSIONS",
			RedisAddr: "localhost:6379",
		},
		Game: GameConfig{
			TimeLimitSec:   10,
			TimeoutPenalty: 5,
			Difficulty:     20,
			ConflictMode:   string(engine.ConflictGuarded),
		},
		Client:   ClientConfig{HandlePath: ".mathduel/session.yaml"},
		Bridge:   BridgeConfig{Port: "8080"},
		LogLevel: "info",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Store.Backend = getEnv("DUEL_STORE", c.Store.Backend)
	c.Store.NATSURL = getEnv("NATS_URL", c.Store.NATSURL)
	c.Store.KVBucket = getEnv("DUEL_KV_BUCKET", c.Store.KVBucket)
	c.Store.RedisAddr = getEnv("REDIS_ADDR", c.Store.RedisAddr)
	c.Game.TimeLimitSec = getEnvAsInt("DUEL_TIME_LIMIT_SEC", c.Game.TimeLimitSec)
	c.Game.TimeoutPenalty = getEnvAsInt("DUEL_TIMEOUT_PENALTY", c.Game.TimeoutPenalty)
	c.Game.Difficulty = getEnvAsInt("DUEL_DIFFICULTY", c.Game.Difficulty)
	c.Game.ConflictMode = getEnv("DUEL_CONFLICT_MODE", c.Game.ConflictMode)
	c.Client.HandlePath = getEnv("DUEL_HANDLE_PATH", c.Client.HandlePath)
	c.Bridge.Port = getEnv("BRIDGE_PORT", c.Bridge.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendPostgres, BackendNATS, BackendRedis:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Game.TimeLimitSec <= 0 {
		return fmt.Errorf("time limit must be positive, got %d", c.Game.TimeLimitSec)
	}
	if c.Game.TimeoutPenalty < 0 {
		return fmt.Errorf("timeout penalty must not be negative, got %d", c.Game.TimeoutPenalty)
	}
	if c.Game.Difficulty < 1 || c.Game.Difficulty > problem.MaxBound {
		return fmt.Errorf("difficulty %d outside 1..%d", c.Game.Difficulty, problem.MaxBound)
	}
	if _, err := engine.ParseConflictMode(c.Game.ConflictMode); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return nil
}

// Engine returns the engine settings.
func (c *Config) Engine() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.TimeLimit = time.Duration(c.Game.TimeLimitSec) * time.Second
	cfg.TimeoutPenalty = c.Game.TimeoutPenalty
	cfg.ConflictMode, _ = engine.ParseConflictMode(c.Game.ConflictMode)
	return cfg
}

// Lifecycle returns the session lifecycle settings.
func (c *Config) Lifecycle() lifecycle.Config {
	cfg := lifecycle.DefaultConfig()
	cfg.DefaultDifficulty = c.Game.Difficulty
	cfg.ConflictMode, _ = engine.ParseConflictMode(c.Game.ConflictMode)
	return cfg
}

func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
