package rewardsd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"lpmining/core/rewards"
	"lpmining/observability/logging"
	"lpmining/services/rewardsd/ledger"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for rewardsd.
type Config struct {
	ListenAddress      string          `yaml:"listen"`
	AdminListenAddress string          `yaml:"admin_listen"`
	PauseOnStart       bool            `yaml:"pause"`
	Database           ledger.Config   `yaml:"database"`
	Treasury           TreasuryConfig  `yaml:"treasury"`
	Schedule           string          `yaml:"schedule"`
	Workers            int             `yaml:"workers"`
	RangeWindow        int             `yaml:"range_window"`
	Claims             ClaimsConfig    `yaml:"claims"`
	Chain              ChainConfig     `yaml:"chain"`
	Positions          PositionsConfig `yaml:"positions"`
	Signer             SignerConfig    `yaml:"signer"`
	Admin              AdminConfig     `yaml:"admin"`
	HTTP               HTTPConfig      `yaml:"http"`
	Log                logging.Options `yaml:"log"`
}

// TreasuryConfig seeds the program window on first start.
type TreasuryConfig struct {
	TotalAllocation float64 `yaml:"total_allocation"`
	DurationDays    int     `yaml:"duration_days"`
	StartDate       string  `yaml:"start_date"`
}

// ClaimsConfig tunes claim authorisation.
type ClaimsConfig struct {
	LockPeriod       Duration `yaml:"lock_period"`
	AbsoluteMaxClaim float64  `yaml:"absolute_max_claim"`
	VoucherTTL       Duration `yaml:"voucher_ttl"`
	TokenDecimals    int32    `yaml:"token_decimals"`
}

// ChainConfig points at the Ethereum node and claim contract.
type ChainConfig struct {
	RPCURL        string   `yaml:"rpc_url"`
	Contract      string   `yaml:"contract"`
	StartBlock    uint64   `yaml:"start_block"`
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
	// LogRange caps the block span of each Claimed event query.
	LogRange uint64 `yaml:"log_range"`
}

// PositionsConfig configures the position indexer client.
type PositionsConfig struct {
	Endpoint          string   `yaml:"endpoint"`
	APIKey            string   `yaml:"api_key"`
	APIKeyEnv         string   `yaml:"api_key_env"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	Timeout           Duration `yaml:"timeout"`
}

// SignerConfig locates the calculator signing key. Leaving every field empty runs
// the service without claim signing.
type SignerConfig struct {
	Key           string `yaml:"key"`
	KeyEnv        string `yaml:"key_env"`
	KeyFile       string `yaml:"key_file"`
	Keystore      string `yaml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
	JWTSecret       string `yaml:"jwt_secret"`
	JWTSecretEnv    string `yaml:"jwt_secret_env"`
	JWTIssuer       string `yaml:"jwt_issuer"`
}

// HTTPConfig tunes the public API.
type HTTPConfig struct {
	CORSOrigins        []string `yaml:"cors_origins"`
	ClaimRatePerMinute float64  `yaml:"claim_rate_per_minute"`
	ClaimBurst         int      `yaml:"claim_burst"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := cfg.Positions.normalise(); err != nil {
		return cfg, fmt.Errorf("positions: %w", err)
	}
	cfg.Signer.normalise()
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.AdminListenAddress == "" {
		cfg.AdminListenAddress = "127.0.0.1:7091"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN == "" && cfg.Database.Path == "" {
		cfg.Database.Path = "rewardsd.db"
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@every 4h"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RangeWindow <= 0 {
		cfg.RangeWindow = 12
	}
	if cfg.Claims.LockPeriod.Duration == 0 {
		cfg.Claims.LockPeriod.Duration = 24 * time.Hour
	}
	if cfg.Claims.VoucherTTL.Duration == 0 {
		cfg.Claims.VoucherTTL.Duration = 15 * time.Minute
	}
	if cfg.Claims.TokenDecimals == 0 {
		cfg.Claims.TokenDecimals = rewards.DefaultTokenDecimals
	}
	if cfg.Chain.RetryAttempts <= 0 {
		cfg.Chain.RetryAttempts = 3
	}
	if cfg.Chain.RetryBackoff.Duration == 0 {
		cfg.Chain.RetryBackoff.Duration = 500 * time.Millisecond
	}
	if cfg.Chain.LogRange == 0 {
		cfg.Chain.LogRange = 2000
	}
	if cfg.Positions.RequestsPerSecond <= 0 {
		cfg.Positions.RequestsPerSecond = 5
	}
	if cfg.Positions.Burst <= 0 {
		cfg.Positions.Burst = 5
	}
	if cfg.Positions.Timeout.Duration == 0 {
		cfg.Positions.Timeout.Duration = 10 * time.Second
	}
	if cfg.HTTP.ClaimRatePerMinute <= 0 {
		cfg.HTTP.ClaimRatePerMinute = 6
	}
	if cfg.HTTP.ClaimBurst <= 0 {
		cfg.HTTP.ClaimBurst = 2
	}
	if cfg.Admin.JWTIssuer == "" {
		cfg.Admin.JWTIssuer = "rewardsd"
	}
}

func validateConfig(cfg Config) error {
	if cfg.Workers < 1 || cfg.Workers > 16 {
		return fmt.Errorf("workers must be between 1 and 16")
	}
	if _, err := cfg.Treasury.Window(); err != nil {
		return fmt.Errorf("treasury: %w", err)
	}
	if cfg.Claims.AbsoluteMaxClaim < 0 {
		return fmt.Errorf("claims.absolute_max_claim must be non-negative")
	}
	if cfg.Claims.TokenDecimals < 0 || cfg.Claims.TokenDecimals > 36 {
		return fmt.Errorf("claims.token_decimals must be between 0 and 36")
	}
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain.rpc_url must be configured")
	}
	if !common.IsHexAddress(strings.TrimSpace(cfg.Chain.Contract)) {
		return fmt.Errorf("chain.contract must be a hex address")
	}
	if strings.TrimSpace(cfg.Positions.Endpoint) == "" {
		return fmt.Errorf("positions.endpoint must be configured")
	}
	if cfg.Admin.BearerToken == "" && cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("configure either bearer_token or jwt_secret for admin authentication")
	}
	return nil
}

// Window converts the treasury seed into a validated window.
func (t TreasuryConfig) Window() (rewards.TreasuryWindow, error) {
	raw := strings.TrimSpace(t.StartDate)
	if raw == "" {
		return rewards.TreasuryWindow{}, fmt.Errorf("start_date must be configured")
	}
	start, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		if start, err = time.Parse(time.DateOnly, raw); err != nil {
			return rewards.TreasuryWindow{}, fmt.Errorf("parse start_date %q: %w", raw, err)
		}
	}
	return rewards.NewTreasuryWindow(t.TotalAllocation, t.DurationDays, start)
}

// Configured reports whether any signer source is set.
func (s SignerConfig) Configured() bool {
	return s.Key != "" || s.KeyEnv != "" || s.KeyFile != "" || s.Keystore != ""
}

func (s *SignerConfig) normalise() {
	s.Key = strings.TrimSpace(s.Key)
	s.KeyEnv = strings.TrimSpace(s.KeyEnv)
	s.KeyFile = strings.TrimSpace(s.KeyFile)
	s.Keystore = strings.TrimSpace(s.Keystore)
	s.PassphraseEnv = strings.TrimSpace(s.PassphraseEnv)
}

func (p *PositionsConfig) normalise() error {
	p.Endpoint = strings.TrimSpace(p.Endpoint)
	p.APIKey = strings.TrimSpace(p.APIKey)
	if env := strings.TrimSpace(p.APIKeyEnv); env != "" && p.APIKey == "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return fmt.Errorf("api_key_env %s is empty", env)
		}
		p.APIKey = value
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	secret := strings.TrimSpace(a.JWTSecret)
	if env := strings.TrimSpace(a.JWTSecretEnv); env != "" && secret == "" {
		secret = strings.TrimSpace(os.Getenv(env))
		if secret == "" {
			return fmt.Errorf("jwt_secret_env %s is empty", env)
		}
	}
	a.JWTSecret = secret
	a.JWTIssuer = strings.TrimSpace(a.JWTIssuer)
	return nil
}
