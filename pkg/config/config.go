package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type GatewayConfig struct {
	Port   string
	DBDSN  string
	RMQURL string
	// QueuePrefix is suffixed with the owning server id to route dispatch jobs.
	QueuePrefix  string
	QueueEnabled bool

	RedisAddr     string
	RedisPassword string

	ServerID       string
	MaxCapacity    int
	ServerPriority int

	BridgeURL   string
	BridgeToken string

	// AdminToken guards the failover and rate-limit reset routes. Empty
	// disables them.
	AdminToken string

	DevicePollInterval   time.Duration
	CampaignPollInterval time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatStaleAfter  time.Duration
	StuckTimeout         time.Duration
	RestoreDelay         time.Duration

	DedupTTL     time.Duration
	DedupMaxSize int
	DiscoverMax  int

	SendTimeout       time.Duration
	DeviceSendsPerMin int
	MaxSessionRetries int
	RateLimitMax      int
	RateLimitWindow   time.Duration
	ShutdownTimeout   time.Duration
}

var Gateway GatewayConfig

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("required env %s is not set", k)
	}
	return v
}

func getInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Fatalf("env %s: invalid integer %q", k, v)
	}
	return n
}

func getBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		log.Fatalf("env %s: invalid bool %q", k, v)
	}
	return b
}

func getDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		log.Fatalf("env %s: invalid duration %q", k, v)
	}
	return d
}

func defaultServerID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "worker-1"
}

// MustLoadGateway reads an optional .env file and then the process environment.
func MustLoadGateway() {
	_ = godotenv.Load()
	Gateway = loadGateway()
	Gateway.DBDSN = mustEnv("DB_DSN")
	Gateway.RedisAddr = mustEnv("REDIS_ADDR")
	if Gateway.QueueEnabled {
		Gateway.RMQURL = mustEnv("RMQ_URL")
	}
}

func loadGateway() GatewayConfig {
	return GatewayConfig{
		Port:         getenv("PORT", "8080"),
		DBDSN:        os.Getenv("DB_DSN"),
		RMQURL:       os.Getenv("RMQ_URL"),
		QueuePrefix:  getenv("QUEUE_PREFIX", "dispatch"),
		QueueEnabled: getBool("QUEUE_ENABLED", true),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		ServerID:       getenv("SERVER_ID", defaultServerID()),
		MaxCapacity:    getInt("SERVER_MAX_CAPACITY", 50),
		ServerPriority: getInt("SERVER_PRIORITY", 0),

		BridgeURL:   getenv("BRIDGE_URL", "http://localhost:3000"),
		BridgeToken: os.Getenv("BRIDGE_TOKEN"),

		AdminToken: os.Getenv("ADMIN_TOKEN"),

		DevicePollInterval:   getDuration("DEVICE_POLL_INTERVAL", 10*time.Second),
		CampaignPollInterval: getDuration("CAMPAIGN_POLL_INTERVAL", 15*time.Second),
		HeartbeatInterval:    getDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		HeartbeatStaleAfter:  getDuration("HEARTBEAT_STALE_AFTER", 90*time.Second),
		StuckTimeout:         getDuration("STUCK_TIMEOUT", 120*time.Second),
		RestoreDelay:         getDuration("RESTORE_DELAY", 3*time.Second),

		DedupTTL:     getDuration("DEDUP_TTL", 15*time.Minute),
		DedupMaxSize: getInt("DEDUP_MAX_SIZE", 1000),
		DiscoverMax:  getInt("DISCOVER_BATCH", 10),

		SendTimeout:       getDuration("SEND_TIMEOUT", 30*time.Second),
		DeviceSendsPerMin: getInt("DEVICE_SENDS_PER_MIN", 0),
		MaxSessionRetries: getInt("MAX_SESSION_RETRIES", 5),
		RateLimitMax:      getInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow:   getDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		ShutdownTimeout:   getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}
