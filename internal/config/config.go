// Package config loads and holds all proxy configuration.
// Settings come from defaults, then an optional JSON file, then environment
// variables, in that order. Go's net/http automatically respects
// HTTP_PROXY / HTTPS_PROXY env vars, so upstream (corporate) proxy chaining
// requires no extra code here.
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// Config holds the full proxy configuration.
type Config struct {
	Port       int    `json:"port"`
	MgmtPort   int    `json:"mgmtPort"`
	APIToken   string `json:"apiToken"`
	StatsToken string `json:"statsToken"`
	DBPath     string `json:"dbPath"`
	CORSOrigin string `json:"corsOrigin"`

	NERURL        string `json:"nerUrl"`
	NERModelCache string `json:"nerModelCache"`
	NERCacheSize  int    `json:"nerCacheSize"`

	SessionTTL int `json:"sessionTtlSeconds"`
}

// Load returns config with defaults overridden by the JSON file at path
// (optional; "" skips the file) and then by environment variables.
func Load(path string) *Config {
	cfg := defaults()
	if path != "" {
		loadFile(cfg, path)
	}
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		Port:         3000,
		MgmtPort:     0,
		DBPath:       "./data/anonamoose.db",
		CORSOrigin:   "*",
		NERURL:       "http://127.0.0.1:8090",
		NERCacheSize: 1024,
		SessionTTL:   3600,
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("MGMT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MgmtPort = n
		}
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("STATS_TOKEN"); v != "" {
		cfg.StatsToken = v
	}
	if v := os.Getenv("ANONAMOOSE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		cfg.CORSOrigin = v
	}
	if v := os.Getenv("NER_URL"); v != "" {
		cfg.NERURL = v
	}
	if v := os.Getenv("NER_MODEL_CACHE"); v != "" {
		cfg.NERModelCache = v
	}
	if v := os.Getenv("NER_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.NERCacheSize = n
		}
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SessionTTL = n
		}
	}
}
