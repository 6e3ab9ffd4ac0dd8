// Package config loads custody settings from YAML with environment
// overrides. Missing files fall back to defaults; a config file never
// carries secrets.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	envPath          = "HELMKEY_KEYSTORE_PATH"
	envScheme        = "HELMKEY_SCHEME"
	envUnlockPerMin  = "HELMKEY_UNLOCK_PER_MIN"
	envUnlockBurst   = "HELMKEY_UNLOCK_BURST"
	envKDFTime       = "HELMKEY_KDF_TIME"
	envKDFMemoryKB   = "HELMKEY_KDF_MEMORY_KB"
	envKDFThreads    = "HELMKEY_KDF_THREADS"
	defaultStoreName = "device-key.json"
)

type Config struct {
	Custody CustodyConfig `yaml:"custody"`
}

type CustodyConfig struct {
	// Path of the encrypted device-key store.
	Path   string `yaml:"path"`
	Scheme string `yaml:"scheme"`

	// Unlock attempt throttling; zero disables.
	UnlockPerMin float64 `yaml:"unlockPerMin"`
	UnlockBurst  int     `yaml:"unlockBurst"`

	// argon2id cost settings; zero means library default.
	KDFTime     uint32 `yaml:"kdfTime"`
	KDFMemoryKB uint32 `yaml:"kdfMemoryKb"`
	KDFThreads  uint8  `yaml:"kdfThreads"`
}

func Default(dataDir string) Config {
	return Config{
		Custody: CustodyConfig{
			Path:         filepath.Join(dataDir, defaultStoreName),
			Scheme:       "ed25519",
			UnlockPerMin: 10,
			UnlockBurst:  5,
		},
	}
}

// LoadFromPath reads the first readable candidate config and merges it
// over defaults, then applies env overrides. A missing or unparseable
// file silently falls back, matching daemon bootstrap behavior.
func LoadFromPath(configPath, dataDir string) Config {
	cfg := Default(dataDir)

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			filepath.Join(dataDir, "config.yaml"),
			"configs/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		Merge(&cfg.Custody, parsed.Custody)
		break
	}

	ApplyEnvOverrides(&cfg.Custody)
	return cfg
}

func Merge(dst *CustodyConfig, src CustodyConfig) {
	if src.Path != "" {
		dst.Path = src.Path
	}
	if src.Scheme != "" {
		dst.Scheme = src.Scheme
	}
	if src.UnlockPerMin > 0 {
		dst.UnlockPerMin = src.UnlockPerMin
	}
	if src.UnlockBurst > 0 {
		dst.UnlockBurst = src.UnlockBurst
	}
	if src.KDFTime > 0 {
		dst.KDFTime = src.KDFTime
	}
	if src.KDFMemoryKB > 0 {
		dst.KDFMemoryKB = src.KDFMemoryKB
	}
	if src.KDFThreads > 0 {
		dst.KDFThreads = src.KDFThreads
	}
}

func ApplyEnvOverrides(cfg *CustodyConfig) {
	if v := strings.TrimSpace(os.Getenv(envPath)); v != "" {
		cfg.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(envScheme)); v != "" {
		cfg.Scheme = v
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(envUnlockPerMin)), 64); err == nil && v >= 0 {
		cfg.UnlockPerMin = v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(envUnlockBurst))); err == nil && v >= 0 {
		cfg.UnlockBurst = v
	}
	if v, err := strconv.ParseUint(strings.TrimSpace(os.Getenv(envKDFTime)), 10, 32); err == nil && v > 0 {
		cfg.KDFTime = uint32(v)
	}
	if v, err := strconv.ParseUint(strings.TrimSpace(os.Getenv(envKDFMemoryKB)), 10, 32); err == nil && v > 0 {
		cfg.KDFMemoryKB = uint32(v)
	}
	if v, err := strconv.ParseUint(strings.TrimSpace(os.Getenv(envKDFThreads)), 10, 8); err == nil && v > 0 {
		cfg.KDFThreads = uint8(v)
	}
}
