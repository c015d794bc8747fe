package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures everything the broker needs from the environment.
// main stays lean; packages receive the slices of this they care about.
type Config struct {
	Addr string

	// HostIssuer is the issuer string stamped into locally issued tokens and
	// required on refresh tokens presented back to us.
	HostIssuer string
	// JWTSigningKey signs locally issued access and refresh tokens.
	JWTSigningKey string

	PostgresDSN string
	RedisURL    string

	// VisaIssuerAllowlist lists the visa issuers this deployment trusts.
	VisaIssuerAllowlist []string
	// ParseConsentCode controls whether consent-group codes are appended to
	// project identifiers when mapping access.
	ParseConsentCode bool

	RAS RASConfig

	KafkaBrokers []string
	GrantTopic   string

	// SyncWorkers bounds the bulk job's per-user concurrency.
	SyncWorkers int
	// SyncAttempts bounds retries around provider token/userinfo fetches.
	SyncAttempts int
	// SyncUserTimeout is the overall deadline for one user's sync.
	SyncUserTimeout time.Duration
}

// RASConfig holds the research-access-management provider settings.
type RASConfig struct {
	DiscoveryURL string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       string
	// UserinfoPath is appended to the issuer because RAS does not publish its
	// versioned userinfo endpoint in the discovery document.
	UserinfoPath string
}

// FromEnv builds a Config from environment variables with development defaults.
func FromEnv() Config {
	return Config{
		Addr:          getenv("VISABROKER_ADDR", ":8080"),
		HostIssuer:    getenv("VISABROKER_HOST_ISSUER", "http://localhost:8080"),
		JWTSigningKey: getenv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		RedisURL:      os.Getenv("REDIS_URL"),

		VisaIssuerAllowlist: splitList(os.Getenv("VISA_ISSUER_ALLOWLIST")),
		ParseConsentCode:    os.Getenv("PARSE_CONSENT_CODE") == "true",

		RAS: RASConfig{
			DiscoveryURL: getenv("RAS_DISCOVERY_URL", "https://sts.nih.gov/.well-known/openid-configuration"),
			ClientID:     os.Getenv("RAS_CLIENT_ID"),
			ClientSecret: os.Getenv("RAS_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("RAS_REDIRECT_URL"),
			Scopes:       getenv("RAS_SCOPES", "openid ga4gh_passport_v1 email profile"),
			UserinfoPath: getenv("RAS_USERINFO_PATH", "/openid/connect/v1.1/userinfo"),
		},

		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		GrantTopic:   getenv("GRANT_TOPIC", "authz.access-grants"),

		SyncWorkers:     getenvInt("SYNC_WORKERS", 8),
		SyncAttempts:    getenvInt("SYNC_ATTEMPTS", 5),
		SyncUserTimeout: getenvDuration("SYNC_USER_TIMEOUT", 2*time.Minute),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
