package sigmatrade

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
)

const (
	StoreBackendLevelDB = "leveldb"
	StoreBackendRedis   = "redis"
	StoreBackendMemory  = "memory"
)

// Config contains all configuration parameters for the application.
type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	ExplorerURL         string        `envconfig:"EXPLORER_URL" default:"https://api.bscscan.com/api"`
	ExplorerAPIKey      string        `envconfig:"EXPLORER_API_KEY"`
	ExplorerMinInterval time.Duration `envconfig:"EXPLORER_MIN_INTERVAL" default:"6s"`

	NodeURL   string  `envconfig:"NODE_RPC_URL" default:"https://bsc-dataseed.binance.org"`
	NodeWSURL string  `envconfig:"NODE_WS_URL"`
	NodeRate  float64 `envconfig:"NODE_RATE" default:"10"`
	NodeBurst int     `envconfig:"NODE_BURST" default:"10"`

	NativeSymbol string   `envconfig:"NATIVE_SYMBOL" default:"BNB"`
	Wallets      []string `envconfig:"WALLETS" default:"0x8894E0a0c962CB723c1976a4421c95949bE2D4E3"`
	Tokens       []string `envconfig:"TOKENS" default:"USDT:0x55d398326f99059fF775485246999027B3197955:18"`

	PageSize              int           `envconfig:"PAGE_SIZE" default:"20"`
	LogLookbackBlocks     uint64        `envconfig:"LOG_LOOKBACK_BLOCKS" default:"2400"`
	BlockTime             time.Duration `envconfig:"BLOCK_TIME" default:"3s"`
	InvalidateEveryBlocks uint64        `envconfig:"INVALIDATE_EVERY_BLOCKS" default:"20"`

	PageTTL            time.Duration `envconfig:"PAGE_TTL" default:"5m"`
	BalanceTTL         time.Duration `envconfig:"BALANCE_TTL" default:"1m"`
	TxCountTTL         time.Duration `envconfig:"TX_COUNT_TTL" default:"1h"`
	MemoryCacheEntries int           `envconfig:"MEMORY_CACHE_ENTRIES" default:"1000"`

	StoreBackend string `envconfig:"STORE_BACKEND" default:"leveldb"`
	StorePath    string `envconfig:"STORE_PATH" default:"sigmatrade-cache"`
	RedisAddr    string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	HeadsBaseBackoff time.Duration `envconfig:"HEADS_BASE_BACKOFF" default:"1s"`
	HeadsMaxBackoff  time.Duration `envconfig:"HEADS_MAX_BACKOFF" default:"30s"`
	HeadsMaxAttempts int           `envconfig:"HEADS_MAX_ATTEMPTS" default:"10"`

	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogEnvironment string `envconfig:"LOG_ENVIRONMENT" default:"development"`
}

// TokenSpec describes an ERC-20 style token tracked for every wallet.
type TokenSpec struct {
	Symbol   string
	Contract common.Address
	Decimals int
}

// LoadConfig reads the configuration from SIGMATRADE_* environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if len(c.Wallets) == 0 {
		return errors.New("config: at least one wallet is required")
	}
	for _, wallet := range c.Wallets {
		if !common.IsHexAddress(strings.TrimSpace(wallet)) {
			return fmt.Errorf("config: invalid wallet address %q", wallet)
		}
	}
	if _, err := c.TokenSpecs(); err != nil {
		return err
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("config: page size must be positive, got %d", c.PageSize)
	}
	if c.ExplorerMinInterval < 0 {
		return fmt.Errorf("config: negative explorer interval %s", c.ExplorerMinInterval)
	}
	switch c.StoreBackend {
	case StoreBackendLevelDB, StoreBackendRedis, StoreBackendMemory:
	default:
		return fmt.Errorf("config: unknown store backend %q", c.StoreBackend)
	}
	return nil
}

// WalletAddresses returns the configured wallets in checksummed form.
func (c *Config) WalletAddresses() []string {
	wallets := make([]string, 0, len(c.Wallets))
	for _, wallet := range c.Wallets {
		wallets = append(wallets, normalizeAddress(wallet))
	}
	return wallets
}

// TokenSpecs parses the SYMBOL:0xcontract:decimals entries.
func (c *Config) TokenSpecs() ([]TokenSpec, error) {
	specs := make([]TokenSpec, 0, len(c.Tokens))
	for _, raw := range c.Tokens {
		spec, err := parseTokenSpec(raw)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseTokenSpec(raw string) (TokenSpec, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 3 {
		return TokenSpec{}, fmt.Errorf("config: token %q must be SYMBOL:CONTRACT:DECIMALS", raw)
	}
	symbol := strings.TrimSpace(parts[0])
	if symbol == "" {
		return TokenSpec{}, fmt.Errorf("config: token %q has empty symbol", raw)
	}
	contract := strings.TrimSpace(parts[1])
	if !common.IsHexAddress(contract) {
		return TokenSpec{}, fmt.Errorf("config: token %q has invalid contract", raw)
	}
	decimals, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil || decimals < 0 || decimals > 77 {
		return TokenSpec{}, fmt.Errorf("config: token %q has invalid decimals", raw)
	}
	return TokenSpec{
		Symbol:   symbol,
		Contract: common.HexToAddress(contract),
		Decimals: decimals,
	}, nil
}

func normalizeAddress(address string) string {
	return common.HexToAddress(strings.TrimSpace(address)).Hex()
}
