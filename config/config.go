package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// defaultUserAgents is the built-in identity pool used when USER_AGENTS is
// not configured. Rotation is an anti-fingerprinting heuristic, not a
// security boundary.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
}

// Config holds all application configuration loaded from environment variables.
// It is read once at startup and never mutated afterwards.
type Config struct {
	BotName string

	// Catalog settings
	SearchURL       string
	CatalogBaseURL  string
	CatalogHost     string
	EndpointPattern string
	PageParam       string
	Pages           []int
	SortSelector    string
	SortOption      string

	// Browser settings
	Headless       bool
	BrowserTimeout time.Duration

	// Fetch settings
	UserAgents   []string
	FetchTimeout time.Duration
	MaxRetries   int
	RateLimitMs  int

	// Cycle settings
	ScrapeInterval      time.Duration
	Retention           time.Duration
	ResolveFailureLimit int

	// Telegram settings
	TelegramAPIKey string
	TelegramChatID string

	// Database settings
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Optional CSV change journal; empty path disables it.
	JournalPath string
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		BotName: getEnv("BOT_NAME", "AutoScout Bot"),

		SearchURL: getEnv("SEARCH_URL",
			"https://www.autoscout24.de/lst?atype=C&cy=D&damaged_listing=exclude&"+
				"desc=0&ocs_listing=include&powertype=kw&sort=age&source=homepage_search-mask&ustate=N%2CU"),
		CatalogBaseURL:  getEnv("CATALOG_BASE_URL", "https://www.autoscout24.de"),
		CatalogHost:     getEnv("CATALOG_HOST", "www.autoscout24.de"),
		EndpointPattern: getEnv("ENDPOINT_PATTERN", "lst.json"),
		PageParam:       getEnv("PAGE_PARAM", "page"),
		Pages:           getEnvInts("PAGES", []int{1, 2}),
		SortSelector:    getEnv("SORT_SELECTOR", "#sort-dropdown-select"),
		SortOption:      getEnv("SORT_OPTION", "age-descending"),

		Headless:       getEnvBool("BROWSER_HEADLESS", true),
		BrowserTimeout: getEnvDuration("BROWSER_TIMEOUT", 60*time.Second),

		UserAgents:   getEnvList("USER_AGENTS", defaultUserAgents),
		FetchTimeout: getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		MaxRetries:   getEnvInt("MAX_RETRIES", 3),
		RateLimitMs:  getEnvInt("RATE_LIMIT_MS", 1500),

		ScrapeInterval:      getEnvDuration("SCRAPE_INTERVAL", 60*time.Second),
		Retention:           getEnvDuration("RETENTION", 7*24*time.Hour),
		ResolveFailureLimit: getEnvInt("RESOLVE_FAILURE_LIMIT", 3),

		TelegramAPIKey: getEnv("TELEGRAM_API_KEY", ""),
		TelegramChatID: getEnv("TELEGRAM_CHAT_ID", ""),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "watcher"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "watcher123"),
		PostgresDB:       getEnv("POSTGRES_DB", "autoscout_db"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		JournalPath: getEnv("JOURNAL_PATH", ""),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

// TelegramEnabled reports whether both Telegram credentials are set.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramAPIKey != "" && c.TelegramChatID != ""
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// getEnvInts parses a comma-separated list of integers, e.g. "1,2,3".
func getEnvInts(key string, fallback []int) []int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []int
	for _, part := range strings.Split(val, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fallback
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// getEnvList parses a "|"-separated list of strings. Commas appear inside
// User-Agent values, so they cannot be the separator here.
func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, "|") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
