package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Tenant is one reconciliation scope and the QBO realm it reads deposits
// from.
type Tenant struct {
	Name    string `validate:"required"`
	RealmID string `validate:"required"`
}

type Config struct {
	Port      string `validate:"required,numeric"`
	DBPath    string `validate:"required"`
	LogLevel  string `validate:"oneof=trace debug info warn error"`
	LogFormat string `validate:"oneof=json text"`

	RedisAddress string
	AdminToken   string

	QBOClientID     string
	QBOClientSecret string
	QBOTokenURL     string `validate:"omitempty,url"`
	QBOAuthURL      string `validate:"omitempty,url"`
	QBORedirectURL  string `validate:"omitempty,url"`
	QBOBaseURL      string `validate:"omitempty,url"`

	MSCBaseURL         string `validate:"omitempty,url"`
	MSCAPIKey          string
	BlueprintReportURL string `validate:"omitempty,url"`
	BlueprintAPIKey    string

	Tenants      []Tenant      `validate:"dive"`
	SyncInterval time.Duration `validate:"gt=0"`
	SyncLookback time.Duration `validate:"gt=0"`

	MatchTolerance  decimal.Decimal
	MatchScale      int32 `validate:"gte=0,lte=6"`
	MatchWindowDays int   `validate:"gte=0,lte=31"`
	MatchMaxStates  int   `validate:"gte=1000"`

	TokenLookahead   time.Duration `validate:"gte=0"`
	ProviderTimeout  time.Duration `validate:"gt=0"`
	RetryMaxAttempts int           `validate:"gte=1"`
	RetryBase        time.Duration `validate:"gt=0"`
	RetryCap         time.Duration `validate:"gt=0"`
	IngestWorkers    int           `validate:"gte=1,lte=64"`

	StaleSyncAfter time.Duration `validate:"gt=0"`
	SeedFixtures   string
}

// Load reads .env (if present) and the environment, applies defaults and
// validates the result.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	var errs []string
	c := &Config{
		Port:      getenv("PORT", "8080"),
		DBPath:    getenv("DB_PATH", "reconciler.db"),
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getenv("LOG_FORMAT", "json")),

		RedisAddress: os.Getenv("REDIS_ADDRESS"),
		AdminToken:   os.Getenv("ADMIN_TOKEN"),

		QBOClientID:     os.Getenv("QBO_CLIENT_ID"),
		QBOClientSecret: os.Getenv("QBO_CLIENT_SECRET"),
		QBOTokenURL:     getenv("QBO_TOKEN_URL", "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"),
		QBOAuthURL:      getenv("QBO_AUTH_URL", "https://appcenter.intuit.com/connect/oauth2"),
		QBORedirectURL:  os.Getenv("QBO_REDIRECT_URL"),
		QBOBaseURL:      getenv("QBO_BASE_URL", "https://quickbooks.api.intuit.com"),

		MSCBaseURL:         os.Getenv("MSC_BASE_URL"),
		MSCAPIKey:          os.Getenv("MSC_API_KEY"),
		BlueprintReportURL: os.Getenv("BLUEPRINT_REPORT_URL"),
		BlueprintAPIKey:    os.Getenv("BLUEPRINT_API_KEY"),

		SeedFixtures: os.Getenv("SEED_FIXTURES"),
	}

	c.SyncInterval = durationEnv("SYNC_INTERVAL", 15*time.Minute, &errs)
	c.SyncLookback = durationEnv("SYNC_LOOKBACK", 7*24*time.Hour, &errs)
	c.TokenLookahead = durationEnv("TOKEN_LOOKAHEAD", 5*time.Minute, &errs)
	c.ProviderTimeout = durationEnv("PROVIDER_TIMEOUT", 60*time.Second, &errs)
	c.RetryBase = durationEnv("RETRY_BASE", 30*time.Second, &errs)
	c.RetryCap = durationEnv("RETRY_CAP", 30*time.Minute, &errs)
	c.StaleSyncAfter = durationEnv("STALE_SYNC_AFTER", 10*time.Minute, &errs)

	c.MatchScale = int32(intEnv("MATCH_SCALE", 2, &errs))
	c.MatchWindowDays = intEnv("MATCH_WINDOW_DAYS", 3, &errs)
	c.MatchMaxStates = intEnv("MATCH_MAX_SEARCH_STATES", 200000, &errs)
	c.RetryMaxAttempts = intEnv("RETRY_MAX_ATTEMPTS", 4, &errs)
	c.IngestWorkers = intEnv("INGEST_WORKERS", 4, &errs)

	tol, err := decimal.NewFromString(getenv("MATCH_TOLERANCE", "0"))
	if err != nil || tol.IsNegative() {
		errs = append(errs, fmt.Sprintf("MATCH_TOLERANCE: invalid amount %q", os.Getenv("MATCH_TOLERANCE")))
	}
	c.MatchTolerance = tol

	tenants, err := ParseTenants(os.Getenv("TENANTS"))
	if err != nil {
		errs = append(errs, err.Error())
	}
	c.Tenants = tenants

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// ParseTenants parses "name:realm,name:realm". An empty string yields no
// tenants.
func ParseTenants(s string) ([]Tenant, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []Tenant
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, realm, ok := strings.Cut(part, ":")
		name, realm = strings.TrimSpace(name), strings.TrimSpace(realm)
		if !ok || name == "" || realm == "" {
			return nil, fmt.Errorf("TENANTS: entry %q must be name:realm", part)
		}
		if seen[name] {
			return nil, fmt.Errorf("TENANTS: duplicate tenant %q", name)
		}
		seen[name] = true
		out = append(out, Tenant{Name: name, RealmID: realm})
	}
	return out, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

func intEnv(key string, def int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}
