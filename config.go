package main

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"eisenhower/api"
)

const (
	defaultUsername       = "admin"
	defaultPassword       = "password"
	defaultPort           = 8080
	defaultDBPath         = "tasks.db"
	defaultCompletedLimit = 100
	defaultCacheTTL       = 10 * time.Minute
	defaultDeduperTTL     = 24 * time.Hour
	defaultUpdatesChannel = "eisenhower:updates"
)

// Config is read once at startup.
type Config struct {
	Credentials    api.Credentials
	Port           int
	DBPath         string
	CompletedLimit int
	RedisURL       string
	CacheTTL       time.Duration
	DeduperTTL     time.Duration
	UpdatesChannel string
	Debug          bool
	JSONLogs       bool
}

// DefaultCredentials reports whether the built-in username and password are
// still in use.
func (c Config) DefaultCredentials() bool {
	return c.Credentials.Username == defaultUsername && c.Credentials.Password == defaultPassword
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// loadConfig builds a Config from getenv, normally os.Getenv.
func loadConfig(getenv func(string) string) (Config, error) {
	cfg := Config{
		Credentials: api.Credentials{
			Username: orDefault(getenv("EISENHOWER_USERNAME"), defaultUsername),
			Password: orDefault(getenv("EISENHOWER_PASSWORD"), defaultPassword),
		},
		Port:           defaultPort,
		DBPath:         orDefault(getenv("EISENHOWER_DB"), defaultDBPath),
		CompletedLimit: defaultCompletedLimit,
		RedisURL:       getenv("REDIS_CONNECTION_STRING"),
		CacheTTL:       defaultCacheTTL,
		DeduperTTL:     defaultDeduperTTL,
		UpdatesChannel: orDefault(getenv("UPDATES_CHANNEL"), defaultUpdatesChannel),
		JSONLogs:       strings.EqualFold(getenv("LOG_FORMAT"), "json"),
	}

	if v := getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			return Config{}, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = n
	}
	if v := getenv("COMPLETED_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid COMPLETED_LIMIT: %w", err)
		}
		if n <= 0 {
			return Config{}, fmt.Errorf("invalid COMPLETED_LIMIT: must be greater than zero")
		}
		cfg.CompletedLimit = n
	}
	var err error
	if cfg.CacheTTL, err = durationEnv(getenv, "CACHE_TTL", defaultCacheTTL, true); err != nil {
		return Config{}, err
	}
	if cfg.DeduperTTL, err = durationEnv(getenv, "DEDUPER_TTL", defaultDeduperTTL, false); err != nil {
		return Config{}, err
	}
	if v := getenv("DEBUG"); v != "" {
		dbg, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DEBUG: %w", err)
		}
		cfg.Debug = dbg
	}
	return cfg, nil
}

// durationEnv parses a positive duration. A zero CACHE_TTL disables caching.
func durationEnv(getenv func(string) string, name string, def time.Duration, allowZero bool) (time.Duration, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", name)
	}
	return d, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// redisOptions accepts either a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func redisOptions(conn string) (*redis.Options, error) {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.TrimSpace(parts[0]) == "" {
		return nil, fmt.Errorf("invalid REDIS_CONNECTION_STRING")
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}

func configureLogging(logger *log.Logger, cfg Config) {
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.JSONLogs {
		logger.SetFormatter(&log.JSONFormatter{})
	}
}
