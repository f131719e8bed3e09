// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type EventsCfg struct {
	Enabled bool
	Brokers string
	Topic   string
	GroupID string
}

// BrokerList splits the comma separated broker string.
func (e EventsCfg) BrokerList() []string {
	var out []string
	for _, p := range strings.Split(e.Brokers, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}

type Config struct {
	Addr               string
	LogLevel           string
	LogConsole         bool
	DatabaseURL        string
	RedisAddr          string
	OutboundProxyURL   string
	OutboundTimeout    time.Duration
	CapabilitiesLimit  int64
	MaskCacheSize      int
	MaskCacheTTL       time.Duration
	MaskColor          string
	HarvestPageSize    int
	HarvestWorkers     int
	MetricsAddr        string
	MetricsPath        string
	GroupHeader        string
	MaxPOSTURILength   int
	Events             EventsCfg
	DefaultCRSCode     int
	CellResolution     int
	CaptionMinFontSize int
	CaptionMaxFontSize int
}

func FromEnv() Config {
	return Config{
		Addr:               getenv("ADDR", ":8090"),
		LogLevel:           getenv("LOG_LEVEL", "info"),
		LogConsole:         getbool("LOG_CONSOLE", false),
		DatabaseURL:        getenv("DATABASE_URL", "postgres://localhost:5432/owsgate?sslmode=disable"),
		RedisAddr:          getenv("REDIS_ADDR", "localhost:6379"),
		OutboundProxyURL:   getenv("OUTBOUND_PROXY_URL", ""),
		OutboundTimeout:    getduration("OUTBOUND_TIMEOUT", 30*time.Second),
		CapabilitiesLimit:  getint64("CAPABILITIES_MAX_BYTES", 32<<20),
		MaskCacheSize:      getint("MASK_CACHE_SIZE", 256),
		MaskCacheTTL:       getduration("MASK_CACHE_TTL", 10*time.Minute),
		MaskColor:          getenv("MASK_COLOR", "#888888"),
		HarvestPageSize:    getint("HARVEST_PAGE_SIZE", 200),
		HarvestWorkers:     getint("HARVEST_WORKERS", 0), // 0 = NumCPU/2
		MetricsAddr:        getenv("METRICS_ADDR", ":9108"),
		MetricsPath:        getenv("METRICS_PATH", "/metrics"),
		GroupHeader:        getenv("GROUP_HEADER", "X-Caller-Groups"),
		MaxPOSTURILength:   getint("MAX_GET_URI_LENGTH", 2048),
		DefaultCRSCode:     getint("DEFAULT_CRS_CODE", 4326),
		CellResolution:     getint("CELL_RESOLUTION", 7),
		CaptionMinFontSize: getint("CAPTION_MIN_FONT_SIZE", 10),
		CaptionMaxFontSize: getint("CAPTION_MAX_FONT_SIZE", 30),
		Events: EventsCfg{
			Enabled: getbool("EVENTS_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("KAFKA_TOPIC", "registry-events"),
			GroupID: getenv("KAFKA_GROUP_ID", "owsgate"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
