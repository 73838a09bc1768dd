package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"salesescrow/internal/escrow"
)

// DeploymentConfig represents deployment.json: the fixed terms of the escrow.
type DeploymentConfig struct {
	ChainID                   int64  `json:"chainId"`
	Token                     string `json:"token" validate:"required,eth_addr"`
	Escrow                    string `json:"escrow" validate:"required,eth_addr"`
	Seller                    string `json:"seller" validate:"required,eth_addr"`
	Buyer                     string `json:"buyer" validate:"required,eth_addr,nefield=Seller"`
	Agent                     string `json:"agent" validate:"required,eth_addr,nefield=Seller,nefield=Buyer"`
	ContractAmount            string `json:"contractAmount" validate:"required,numeric"`
	TimeExecutionDeltaSeconds int64  `json:"timeExecutionDeltaSeconds" validate:"gte=0"`
}

// Terms converts the deployment into escrow terms.
func (d DeploymentConfig) Terms() (escrow.Terms, error) {
	amount, ok := new(big.Int).SetString(d.ContractAmount, 10)
	if !ok {
		return escrow.Terms{}, fmt.Errorf("contractAmount %q is not an integer", d.ContractAmount)
	}
	return escrow.Terms{
		Token:              common.HexToAddress(d.Token),
		Address:            common.HexToAddress(d.Escrow),
		Seller:             common.HexToAddress(d.Seller),
		Buyer:              common.HexToAddress(d.Buyer),
		Agent:              common.HexToAddress(d.Agent),
		ContractAmount:     amount,
		TimeExecutionDelta: time.Duration(d.TimeExecutionDeltaSeconds) * time.Second,
	}, nil
}

// AppConfig ties together the deployment and the runtime settings.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Storage    StorageConfig
	Events     EventsConfig
	Log        LogConfig
	Retry      RetryConfig
}

type ServiceConfig struct {
	HTTPPort          int           `validate:"gt=0,lt=65536"`
	ClockSkew         time.Duration `validate:"gt=0"`
	IdempotencyWindow time.Duration `validate:"gt=0"`
	DebugEndpoints    bool
	InsecureAuth      bool
	RateLimit         float64 `validate:"gte=0"`
	RateBurst         int     `validate:"gte=0"`
	ShutdownTimeout   time.Duration
}

type ChainConfig struct {
	Ledger      string `validate:"oneof=memory postgres erc20"`
	RPCURL      string `validate:"required_if=Ledger erc20"`
	PrivateKey  string `validate:"required_if=Ledger erc20"`
	ClockSource string `validate:"oneof=system chain"`
	ReceiptPoll time.Duration
	// SeedDeposit funds the custody account of a memory or postgres ledger
	// with the contract amount at startup.
	SeedDeposit bool
}

type StorageConfig struct {
	Backend         string `validate:"oneof=memory file postgres"`
	PostgresDSN     string
	StatePath       string `validate:"required_if=Backend file"`
	IdempotencyPath string
}

type EventsConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisStream   string
	RedisMaxLen   int64
	AMQPURL       string `validate:"omitempty,url"`
	AMQPExchange  string
	Timeout       time.Duration
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
	JSON  bool
	File  string
}

type RetryConfig struct {
	MaxAttempts       int `validate:"gte=1"`
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

const defaultDeploymentPath = "../deployment.json"

// Load aggregates configuration from disk and environment. A .env file in
// the working directory (or at ENV_FILE) is applied first and never
// overrides variables already set.
func Load() (*AppConfig, error) {
	if err := loadDotEnv(envOr("ENV_FILE", ".env")); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	deployCfg, err := loadDeployment(envOr("DEPLOYMENT_PATH", defaultDeploymentPath))
	if err != nil {
		return nil, fmt.Errorf("load deployment: %w", err)
	}

	cfg := &AppConfig{
		Deployment: *deployCfg,
		Service: ServiceConfig{
			HTTPPort:          envOrInt("API_HTTP_PORT", 3000),
			ClockSkew:         time.Duration(envOrInt("AUTH_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			IdempotencyWindow: time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
			DebugEndpoints:    envOrBool("ESCROW_DEBUG_ENDPOINTS", false),
			InsecureAuth:      envOrBool("AUTH_INSECURE", false),
			RateLimit:         envOrFloat("RATE_LIMIT_PER_SECOND", 5),
			RateBurst:         envOrInt("RATE_LIMIT_BURST", 10),
			ShutdownTimeout:   time.Duration(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Chain: ChainConfig{
			Ledger:      envOr("LEDGER_BACKEND", "memory"),
			RPCURL:      envOr("CHAIN_RPC_URL", ""),
			PrivateKey:  envOr("CHAIN_PRIVATE_KEY", ""),
			ClockSource: envOr("CLOCK_SOURCE", "system"),
			ReceiptPoll: time.Duration(envOrInt("RECEIPT_POLL_MS", 2000)) * time.Millisecond,
			SeedDeposit: envOrBool("LEDGER_SEED_DEPOSIT", false),
		},
		Storage: StorageConfig{
			Backend:         envOr("STATE_BACKEND", "file"),
			PostgresDSN:     envOr("POSTGRES_DSN", ""),
			StatePath:       envOr("STATE_PATH", filepath.Join(os.TempDir(), "salesescrow-state.json")),
			IdempotencyPath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "salesescrow-idem.json")),
		},
		Events: EventsConfig{
			RedisAddr:     envOr("REDIS_ADDR", ""),
			RedisPassword: envOr("REDIS_PASSWORD", ""),
			RedisStream:   envOr("REDIS_STREAM", "escrow:events"),
			RedisMaxLen:   int64(envOrInt("REDIS_STREAM_MAXLEN", 10000)),
			AMQPURL:       envOr("AMQP_URL", ""),
			AMQPExchange:  envOr("AMQP_EXCHANGE", "escrow.events"),
			Timeout:       time.Duration(envOrInt("EVENTS_TIMEOUT_MS", 2000)) * time.Millisecond,
		},
		Log: LogConfig{
			Level: envOr("LOG_LEVEL", "info"),
			JSON:  envOrBool("LOG_JSON", false),
			File:  envOr("LOG_FILE", ""),
		},
		Retry: RetryConfig{
			MaxAttempts:       envOrInt("RETRY_MAX_ATTEMPTS", 3),
			InitialBackoff:    time.Duration(envOrInt("RETRY_INITIAL_BACKOFF_MS", 500)) * time.Millisecond,
			MaxBackoff:        time.Duration(envOrInt("RETRY_MAX_BACKOFF_MS", 5000)) * time.Millisecond,
			BackoffMultiplier: envOrFloat("RETRY_BACKOFF_MULTIPLIER", 2),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section, and cross-field rules the tags can't express.
func (c *AppConfig) Validate() error {
	v := validator.New()
	for name, section := range map[string]interface{}{
		"deployment": c.Deployment,
		"service":    c.Service,
		"chain":      c.Chain,
		"storage":    c.Storage,
		"events":     c.Events,
		"log":        c.Log,
		"retry":      c.Retry,
	} {
		if err := v.Struct(section); err != nil {
			return fmt.Errorf("invalid %s config: %w", name, err)
		}
	}
	needsDSN := c.Storage.Backend == "postgres" || c.Chain.Ledger == "postgres"
	if needsDSN && c.Storage.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required for the postgres backends")
	}
	if c.Chain.ClockSource == "chain" && c.Chain.RPCURL == "" {
		return errors.New("CHAIN_RPC_URL is required for the chain clock")
	}
	return nil
}

func loadDeployment(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}
