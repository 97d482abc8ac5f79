// Package config loads gateway configuration from environment variables,
// following a flat env-struct-plus-godotenv convention.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration.
type Config struct {
	Port int

	// RegistryPath points at the JSON file describing native/partner capabilities.
	RegistryPath string

	// GatewayPayTo is the gateway's payout address, quoted in every 402 body.
	GatewayPayTo string

	// GatewayURL identifies this deployment as the "resource" field of
	// every 402 payment requirement.
	GatewayURL string

	// Network is the CAIP-2-style network identifier quoted in 402 bodies.
	Network string

	// FacilitatorURL is the x402 facilitator endpoint. When empty and
	// GatewayPrivateKey is set, the gateway settles locally instead.
	FacilitatorURL string

	// GatewayPrivateKey, when set, selects the local (self-settling)
	// facilitator instead of a remote HTTP one.
	GatewayPrivateKey string
	SettlementRPCURL  string

	// USDCAddress / domain fields feed the local facilitator's EIP-712 domain.
	USDCAddress       string
	USDCDomainName    string
	USDCDomainVersion string

	// TestBypassKey, when non-empty, lets allow-listed peers skip payment
	// entirely by presenting it in X-Test-Key.
	TestBypassKey    string
	TestBypassPeers  []string // CIDR list
	BackendBypassKey string   // credential sent to native/partner backends

	// DiscoveryURL is the external marketplace/bazaar search endpoint.
	DiscoveryURL string

	// PlannerURL/PlannerAPIKey/PlannerModel configure the chain planner LLM.
	PlannerURL    string
	PlannerAPIKey string
	PlannerModel  string

	// LedgerDSN is the sqlite DSN (WAL mode) for the usage ledger.
	LedgerDSN string

	// JWTSecret signs the usage-self-query bearer token.
	JWTSecret []byte

	ReplayWindow       time.Duration
	DiscoveryCacheTTL  time.Duration
	RateLimitPerWindow int
	RateLimitWindow    time.Duration

	CORSOrigins []string

	LogLevel string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnvInt("PORT", 8080),
		RegistryPath:       getEnv("REGISTRY_PATH", "registry.json"),
		GatewayPayTo:       getEnv("GATEWAY_PAY_TO", ""),
		GatewayURL:         getEnv("GATEWAY_URL", "https://gateway.agentpay.dev"),
		Network:            getEnv("NETWORK", "eip155:84532"),
		FacilitatorURL:     getEnv("FACILITATOR_URL", ""),
		GatewayPrivateKey:  getEnv("GATEWAY_PRIVATE_KEY", ""),
		SettlementRPCURL:   getEnv("SETTLEMENT_RPC_URL", "https://sepolia.base.org"),
		USDCAddress:        getEnv("USDC_ADDRESS", "0x036CbD53842c5426634E7929541eC2318f3dCF7e"),
		USDCDomainName:     getEnv("USDC_DOMAIN_NAME", "USDC"),
		USDCDomainVersion:  getEnv("USDC_DOMAIN_VERSION", "2"),
		TestBypassKey:      getEnv("TEST_BYPASS_KEY", ""),
		TestBypassPeers:    splitCSV(getEnv("TEST_BYPASS_PEERS", "127.0.0.0/8,::1/128")),
		BackendBypassKey:   getEnv("BACKEND_BYPASS_KEY", ""),
		DiscoveryURL:       getEnv("DISCOVERY_URL", ""),
		PlannerURL:         getEnv("PLANNER_URL", ""),
		PlannerAPIKey:      getEnv("PLANNER_API_KEY", ""),
		PlannerModel:       getEnv("PLANNER_MODEL", "gpt-4o-mini"),
		LedgerDSN:          getEnv("LEDGER_DSN", "file:gateway.db?_journal_mode=WAL&_foreign_keys=on"),
		ReplayWindow:       time.Duration(getEnvInt("REPLAY_WINDOW_SECONDS", 300)) * time.Second,
		DiscoveryCacheTTL:  time.Duration(getEnvInt("DISCOVERY_CACHE_TTL_SECONDS", 300)) * time.Second,
		RateLimitPerWindow: getEnvInt("RATE_LIMIT_PER_WINDOW", 60),
		RateLimitWindow:    time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		CORSOrigins:        splitCSV(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:8080")),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}

	jwtHex := getEnv("JWT_SECRET", "")
	if jwtHex == "" {
		cfg.JWTSecret = []byte("dev-only-insecure-secret-change-me-please")
	} else {
		cfg.JWTSecret = []byte(jwtHex)
	}

	if cfg.GatewayPayTo == "" {
		return nil, fmt.Errorf("GATEWAY_PAY_TO env var is required")
	}
	if cfg.FacilitatorURL == "" && cfg.GatewayPrivateKey == "" {
		return nil, fmt.Errorf("either FACILITATOR_URL or GATEWAY_PRIVATE_KEY must be set")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func splitCSV(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
