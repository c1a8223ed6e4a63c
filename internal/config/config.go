package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (cache generations)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Cache router
	CacheVersion  string   // current cache generation tag, bumped per release
	OriginURL     string   // upstream the proxy forwards to
	ShellManifest []string // paths primed into the cache on install

	// Worker <-> page protocol
	WorkerURL string // base URL of the worker, used by the client binary

	// Remote action endpoint
	ActionEndpoint string
	ActionUserID   string

	// Platform signals (push + background sync) via SQS
	SQSRegion   string
	SQSQueueURL string

	// Connectivity probe
	ProbeURL        string
	ProbeIntervalMS int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "remindly",
		DBPassword: "",
		DBName:     "remindly",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		CacheVersion: "v1",
		OriginURL:    "http://localhost:3000",
		ShellManifest: []string{
			"/", "/index.html", "/offline.html",
			"/static/app.js", "/static/app.css", "/static/icon-192.png",
		},

		WorkerURL: "http://localhost:8080",

		ProbeURL:        "http://localhost:3000/healthz",
		ProbeIntervalMS: 10000,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Cache router config
	if v := os.Getenv("CACHE_VERSION"); v != "" {
		cfg.CacheVersion = v
	}

	if origin := os.Getenv("ORIGIN_URL"); origin != "" {
		cfg.OriginURL = origin
	}

	if manifest := os.Getenv("SHELL_MANIFEST"); manifest != "" {
		cfg.ShellManifest = strings.Split(manifest, ",")
	}

	if u := os.Getenv("WORKER_URL"); u != "" {
		cfg.WorkerURL = u
	}

	// Remote action endpoint
	if endpoint := os.Getenv("ACTION_ENDPOINT"); endpoint != "" {
		cfg.ActionEndpoint = endpoint
	}

	if user := os.Getenv("ACTION_USER_ID"); user != "" {
		cfg.ActionUserID = user
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = "us-east-1"
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// Connectivity probe
	if u := os.Getenv("PROBE_URL"); u != "" {
		cfg.ProbeURL = u
	}

	if iv := os.Getenv("PROBE_INTERVAL_MS"); iv != "" {
		ms, err := strconv.Atoi(iv)
		if err != nil {
			return nil, fmt.Errorf("invalid PROBE_INTERVAL_MS: %w", err)
		}
		cfg.ProbeIntervalMS = ms
	}

	return cfg, nil
}
