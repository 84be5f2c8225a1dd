// Package config loads Baudrate's runtime configuration from environment
// variables into a single struct populated once at startup.
package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// RegistrationMode controls how new local accounts are admitted.
type RegistrationMode string

const (
	RegistrationOpen            RegistrationMode = "open"
	RegistrationApprovalRequired RegistrationMode = "approval_required"
	RegistrationInviteOnly      RegistrationMode = "invite_only"
)

// FederationMode selects whether AP_DOMAIN_BLOCKLIST or AP_DOMAIN_ALLOWLIST
// governs which remote domains may federate with this instance.
type FederationMode string

const (
	FederationBlocklist FederationMode = "blocklist"
	FederationAllowlist FederationMode = "allowlist"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	BaseURL  string
	SiteName string
	Port     string

	DatabaseURL string

	TOTPVaultKey  []byte // 32 bytes, decoded from TOTP_VAULT_KEY
	VAPIDVaultKey []byte // 32 bytes, decoded from VAPID_VAULT_KEY
	VAPIDContact  string // mailto: used in the VAPID JWT sub claim

	RegistrationMode RegistrationMode

	APFederationEnabled bool
	APFederationMode    FederationMode
	APDomainBlocklist    []string
	APDomainAllowlist    []string

	// Tunable performance constants; all have sensible production defaults.
	ActorCacheTTL           time.Duration // default 24h; not read by actorresolver, which uses its own fixed 24h cacheTTL
	InboxDedupWindow        time.Duration // inbox activity-id dedup window (default 24h)
	SessionTTL              time.Duration // session/refresh token lifetime (default 14d)
	MaxSessionsPerUser      int           // sessions evicted beyond this count (default 3)
	DeliveryMaxAttempts     int           // delivery job terminal attempt count (default 8)
	DeliveryBaseBackoff     time.Duration // first retry delay (default 1m, doubles thereafter)
	DeliveryMaxBackoff      time.Duration // backoff ceiling (default 24h)
	FederationConcurrency   int           // max concurrent outbound deliveries (default 10)
	HTTPTimeout             time.Duration // outbound HTTP timeout (default 10s)
	ClockSkewTolerance      time.Duration // HTTP signature date tolerance (default 12h)
}

// Load reads configuration from environment variables. It exits the process
// if a required secret is missing or malformed, since every auth and
// federation operation depends on the vault keys being present.
func Load() *Config {
	totpKey := decodeVaultKey("TOTP_VAULT_KEY")
	vapidKey := decodeVaultKey("VAPID_VAULT_KEY")

	return &Config{
		BaseURL:  getEnv("BASE_URL", "http://localhost:4000"),
		SiteName: getEnv("SITE_NAME", "Baudrate"),
		Port:     getEnv("PORT", "4000"),

		DatabaseURL: getEnv("DATABASE_URL", "baudrate.db"),

		TOTPVaultKey:  totpKey,
		VAPIDVaultKey: vapidKey,
		VAPIDContact:  getEnv("VAPID_CONTACT", "mailto:admin@example.com"),

		RegistrationMode: RegistrationMode(getEnv("REGISTRATION_MODE", string(RegistrationOpen))),

		APFederationEnabled: getEnv("AP_FEDERATION_ENABLED", "true") != "false",
		APFederationMode:    FederationMode(getEnv("AP_FEDERATION_MODE", string(FederationBlocklist))),
		APDomainBlocklist:    parseList(os.Getenv("AP_DOMAIN_BLOCKLIST")),
		APDomainAllowlist:    parseList(os.Getenv("AP_DOMAIN_ALLOWLIST")),

		ActorCacheTTL:         parseDuration(os.Getenv("ACTOR_CACHE_TTL"), 24*time.Hour),
		InboxDedupWindow:      parseDuration(os.Getenv("INBOX_DEDUP_WINDOW"), 24*time.Hour),
		SessionTTL:            parseDuration(os.Getenv("SESSION_TTL"), 14*24*time.Hour),
		MaxSessionsPerUser:    parseInt(os.Getenv("MAX_SESSIONS_PER_USER"), 3),
		DeliveryMaxAttempts:   parseInt(os.Getenv("DELIVERY_MAX_ATTEMPTS"), 8),
		DeliveryBaseBackoff:   parseDuration(os.Getenv("DELIVERY_BASE_BACKOFF"), time.Minute),
		DeliveryMaxBackoff:    parseDuration(os.Getenv("DELIVERY_MAX_BACKOFF"), 24*time.Hour),
		FederationConcurrency: parseInt(os.Getenv("AP_FEDERATION_CONCURRENCY"), 10),
		HTTPTimeout:           parseDuration(os.Getenv("HTTP_TIMEOUT"), 10*time.Second),
		ClockSkewTolerance:    parseDuration(os.Getenv("CLOCK_SKEW_TOLERANCE"), 12*time.Hour),
	}
}

// URL returns the parsed base URL.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.BaseURL)
	return u
}

// ActorURI builds an absolute actor URI under the configured base URL, e.g.
// ActorURI("users", "alice") -> "https://example.com/ap/users/alice".
func (c *Config) ActorURI(kind, slug string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/ap/" + kind + "/" + slug
}

// DomainAllowed reports whether a remote domain may federate with this
// instance under the configured AP_FEDERATION_MODE and its list.
func (c *Config) DomainAllowed(domain string) bool {
	if !c.APFederationEnabled {
		return false
	}
	domain = strings.ToLower(domain)
	if c.APFederationMode == FederationAllowlist {
		for _, d := range c.APDomainAllowlist {
			if d == domain {
				return true
			}
		}
		return false
	}
	for _, d := range c.APDomainBlocklist {
		if d == domain {
			return false
		}
	}
	return true
}

func decodeVaultKey(envVar string) []byte {
	raw := os.Getenv(envVar)
	if raw == "" {
		fmt.Fprintf(os.Stderr, "ERROR: %s is not set!\n", envVar)
		fmt.Fprintln(os.Stderr, "Set it to a base64-encoded 32-byte AES-256 key.")
		os.Exit(1)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(key) != 32 {
		fmt.Fprintf(os.Stderr, "ERROR: %s must decode to exactly 32 bytes (got err=%v, len=%d)\n", envVar, err, len(key))
		os.Exit(1)
	}
	return key
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}
