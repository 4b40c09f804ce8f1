// Package config loads the Port Pool Manager's range configuration and the
// handful of other environment-driven knobs the orchestration core needs.
//
// Loading order (last wins): documented defaults, environment variables,
// then an optional YAML override file at a user-config path. This is the
// only package in the core where numeric port literals are allowed to
// appear (spec.md §6).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// PoolName identifies one of the recognized port-range pools.
type PoolName string

const (
	PoolMemoryService  PoolName = "MEMORY_SERVICE"
	PoolBackendService PoolName = "BACKEND_SERVICE"
	PoolTerminals      PoolName = "TERMINALS"
	PoolDebugServer    PoolName = "DEBUG_SERVER"
)

// recognizedPools is the closed set of pool names the loader understands.
var recognizedPools = []PoolName{PoolMemoryService, PoolBackendService, PoolTerminals, PoolDebugServer}

// PortRange is the configuration record for one pool (spec.md §3).
type PortRange struct {
	PoolName    string `yaml:"pool"`
	Start       int    `yaml:"start"`
	End         int    `yaml:"end"`
	DesiredSize int    `yaml:"desired_size"`
	Priority    int    `yaml:"priority"`
}

// documentedDefaults is the only place in the core, besides this file's own
// env-var-driven overrides, where numeric port literals appear (spec.md §6).
var documentedDefaults = map[PoolName]PortRange{
	PoolMemoryService:  {PoolName: string(PoolMemoryService), Start: 39000, End: 39050, DesiredSize: 4, Priority: 20},
	PoolBackendService: {PoolName: string(PoolBackendService), Start: 39100, End: 39160, DesiredSize: 4, Priority: 10},
	PoolTerminals:      {PoolName: string(PoolTerminals), Start: 39200, End: 39340, DesiredSize: 12, Priority: 30},
	PoolDebugServer:    {PoolName: string(PoolDebugServer), Start: 39400, End: 39420, DesiredSize: 2, Priority: 40},
}

// Config is the orchestration core's top-level configuration.
type Config struct {
	// PortRanges, keyed by pool name, drive portpool.Manager.Initialize.
	PortRanges map[string]PortRange

	// AllowEphemeralFallback gates portpool.Manager.AllocateEphemeral. The
	// default path never silently falls back (spec.md §4.1); this must be
	// explicitly opted into.
	AllowEphemeralFallback bool

	// BundledInterpreterPath is the path to the interpreter used to spawn
	// interpreted-script children. Resolved from an .env.production-style
	// file in production, or dynamically from InterpreterSearchPath in
	// development when that file is absent.
	BundledInterpreterPath string

	// BackendBinaryPath is the path to the native consensus backend binary
	// (the native-binary kind spawned with stdio-mode=inherit so its own ML
	// helper subprocess can talk to it over inherited descriptors).
	BackendBinaryPath string

	// RedisAddr feeds internal/installer's Asynq client/server (host:port).
	RedisAddr string

	// LogLevel / LogPretty feed internal/logging.
	LogLevel  string
	LogPretty bool
}

type yamlOverride struct {
	PortRanges             []PortRange `yaml:"port_ranges"`
	AllowEphemeralFallback *bool       `yaml:"allow_ephemeral_fallback"`
	BundledInterpreterPath string      `yaml:"bundled_interpreter_path"`
	BackendBinaryPath      string      `yaml:"backend_binary_path"`
	LogLevel               string      `yaml:"log_level"`
	LogPretty              *bool       `yaml:"log_pretty"`
}

// ErrPortScanConfig is returned when no range configuration is available at
// all — fatal to boot per spec.md §4.1.
var ErrPortScanConfig = fmt.Errorf("no port range configuration available")

// Load builds the Config from documented defaults, then environment
// variables, then an optional YAML file at yamlPath (if non-empty and the
// file exists).
func Load(yamlPath string) (*Config, error) {
	_ = godotenv.Load(".env.production") // best-effort; production path only

	cfg := &Config{
		PortRanges: make(map[string]PortRange, len(recognizedPools)),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogPretty:  getEnvAsBool("LOG_PRETTY", false),
		RedisAddr:  parseRedisAddr(getEnv("REDIS_URL", "redis://localhost:6379")),
	}

	for _, pool := range recognizedPools {
		def := documentedDefaults[pool]
		cfg.PortRanges[string(pool)] = PortRange{
			PoolName:    string(pool),
			Start:       getEnvAsInt(string(pool)+"_PORT_START", def.Start),
			End:         getEnvAsInt(string(pool)+"_PORT_END", def.End),
			DesiredSize: getEnvAsInt(string(pool)+"_POOL_SIZE", def.DesiredSize),
			Priority:    def.Priority,
		}
	}

	cfg.AllowEphemeralFallback = getEnvAsBool("ALLOW_EPHEMERAL_PORTS", false)
	cfg.BundledInterpreterPath = os.Getenv("BUNDLED_INTERPRETER_PATH")
	cfg.BackendBinaryPath = os.Getenv("BACKEND_BINARY_PATH")

	if yamlPath != "" {
		if err := applyYAMLOverride(cfg, yamlPath); err != nil {
			return nil, fmt.Errorf("config: yaml override: %w", err)
		}
	}

	if len(cfg.PortRanges) == 0 {
		return nil, fmt.Errorf("config: %w", ErrPortScanConfig)
	}

	return cfg, nil
}

func applyYAMLOverride(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // optional file; absence is not an error
		}
		return err
	}

	var override yamlOverride
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	for _, pr := range override.PortRanges {
		if pr.PoolName == "" {
			continue
		}
		cfg.PortRanges[pr.PoolName] = pr
	}
	if override.AllowEphemeralFallback != nil {
		cfg.AllowEphemeralFallback = *override.AllowEphemeralFallback
	}
	if override.BundledInterpreterPath != "" {
		cfg.BundledInterpreterPath = override.BundledInterpreterPath
	}
	if override.BackendBinaryPath != "" {
		cfg.BackendBinaryPath = override.BackendBinaryPath
	}
	if override.LogLevel != "" {
		cfg.LogLevel = override.LogLevel
	}
	if override.LogPretty != nil {
		cfg.LogPretty = *override.LogPretty
	}
	return nil
}

// DefaultUserConfigPath returns the conventional per-OS location for the
// optional YAML override file, under the user's config directory.
func DefaultUserConfigPath(appName string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appName, "orchestration.yaml"), nil
}

// InterpreterSearchPath is the development-mode priority list used to
// resolve the bundled interpreter dynamically when BundledInterpreterPath
// is unset (spec.md §6).
var InterpreterSearchPath = []string{
	"venv/bin/python3",
	".venv/bin/python3",
	"/usr/local/bin/python3",
	"/usr/bin/python3",
}

// ResolveInterpreterPath returns cfg.BundledInterpreterPath if set, else the
// first existing entry in InterpreterSearchPath rooted at cwd.
func ResolveInterpreterPath(cfg *Config) (string, error) {
	if cfg.BundledInterpreterPath != "" {
		return cfg.BundledInterpreterPath, nil
	}
	for _, candidate := range InterpreterSearchPath {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("config: no bundled interpreter found (checked %v)", InterpreterSearchPath)
}

// BackendBinarySearchPath is the development-mode priority list used to
// resolve the bundled consensus binary dynamically when BackendBinaryPath
// is unset.
var BackendBinarySearchPath = []string{
	"bin/backend",
	"target/release/backend",
	"/usr/local/bin/alloyide-backend",
}

// ResolveBackendBinaryPath returns cfg.BackendBinaryPath if set, else the
// first existing entry in BackendBinarySearchPath rooted at cwd.
func ResolveBackendBinaryPath(cfg *Config) (string, error) {
	if cfg.BackendBinaryPath != "" {
		return cfg.BackendBinaryPath, nil
	}
	for _, candidate := range BackendBinarySearchPath {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("config: no backend binary found (checked %v)", BackendBinarySearchPath)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

// parseRedisAddr extracts host:port from a Redis URL.
// Supports: redis://host:port, host:port, host
func parseRedisAddr(redisURL string) string {
	addr := strings.TrimPrefix(redisURL, "redis://")
	addr = strings.TrimPrefix(addr, "rediss://")
	addr = strings.TrimSuffix(addr, "/")
	if !strings.Contains(addr, ":") {
		addr = addr + ":6379"
	}
	return addr
}
