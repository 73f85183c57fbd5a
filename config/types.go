package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// LoggingConfig controls the structured log sink.
type LoggingConfig struct {
	// File enables a rotating file sink in addition to stdout.
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"max_age_days"`
}

func (cfg *LoggingConfig) normalize() {
	cfg.File = strings.TrimSpace(cfg.File)
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups < 0 {
		cfg.MaxBackups = 0
	}
	if cfg.MaxAgeDays < 0 {
		cfg.MaxAgeDays = 0
	}
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	// Headers is a comma separated key=value list.
	Headers string `toml:"Headers" yaml:"headers"`
	Metrics bool   `toml:"Metrics" yaml:"metrics"`
	Traces  bool   `toml:"Traces" yaml:"traces"`
}

// DistributorConfig seeds the reward distributor.
type DistributorConfig struct {
	Address               string `toml:"Address" yaml:"address"`
	Referral              string `toml:"Referral" yaml:"referral"`
	RewardAsset           string `toml:"RewardAsset" yaml:"reward_asset"`
	RewardRatePerBlock    string `toml:"RewardRatePerBlock" yaml:"reward_rate_per_block"`
	StartHeight           uint64 `toml:"StartHeight" yaml:"start_height"`
	ReferralCommissionBps uint64 `toml:"ReferralCommissionBps" yaml:"referral_commission_bps"`
}

func (cfg *DistributorConfig) normalize() {
	cfg.Address = strings.TrimSpace(cfg.Address)
	cfg.Referral = strings.TrimSpace(cfg.Referral)
	cfg.RewardAsset = strings.TrimSpace(cfg.RewardAsset)
	cfg.RewardRatePerBlock = strings.TrimSpace(cfg.RewardRatePerBlock)
}

// MarketConfig locates the lending market and its incentives.
type MarketConfig struct {
	Address         string `toml:"Address" yaml:"address"`
	IncentivesVault string `toml:"IncentivesVault" yaml:"incentives_vault"`
	// IncentivesAsset is streamed to suppliers. Empty disables incentives.
	IncentivesAsset string `toml:"IncentivesAsset" yaml:"incentives_asset"`
	// IncentivesFunding is minted to the incentives vault at genesis.
	IncentivesFunding string `toml:"IncentivesFunding" yaml:"incentives_funding"`
}

func (cfg *MarketConfig) normalize() {
	cfg.Address = strings.TrimSpace(cfg.Address)
	cfg.IncentivesVault = strings.TrimSpace(cfg.IncentivesVault)
	cfg.IncentivesAsset = strings.TrimSpace(cfg.IncentivesAsset)
	cfg.IncentivesFunding = strings.TrimSpace(cfg.IncentivesFunding)
}

// ExchangeConfig configures the oracle-priced router.
type ExchangeConfig struct {
	Router string `toml:"Router" yaml:"router"`
	FeeBps uint64 `toml:"FeeBps" yaml:"fee_bps"`
	// OracleMaxAge bounds quote staleness in blocks. Zero disables the check.
	OracleMaxAge uint64 `toml:"OracleMaxAge" yaml:"oracle_max_age"`
}

func (cfg *ExchangeConfig) normalize() {
	cfg.Router = strings.TrimSpace(cfg.Router)
}

// AssetConfig registers an asset on the ledger.
type AssetConfig struct {
	Address string `toml:"Address" yaml:"address"`
	Symbol  string `toml:"Symbol" yaml:"symbol"`
	// MaxSupply caps minting. Empty or zero is unlimited.
	MaxSupply string `toml:"MaxSupply" yaml:"max_supply"`
	// Price is the oracle rate, a decimal or fraction such as "3/2".
	Price string `toml:"Price" yaml:"price"`
	// RouterReserve is minted to the router as swap liquidity.
	RouterReserve string `toml:"RouterReserve" yaml:"router_reserve"`
}

func (cfg *AssetConfig) normalize() {
	cfg.Address = strings.TrimSpace(cfg.Address)
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	cfg.MaxSupply = strings.TrimSpace(cfg.MaxSupply)
	cfg.Price = strings.TrimSpace(cfg.Price)
	cfg.RouterReserve = strings.TrimSpace(cfg.RouterReserve)
}

// PoolConfig describes one distributor pool with its vault, strategy and
// lending reserve.
type PoolConfig struct {
	Want                  string         `toml:"Want" yaml:"want"`
	Vault                 string         `toml:"Vault" yaml:"vault"`
	Strategy              string         `toml:"Strategy" yaml:"strategy"`
	Weighing              uint64         `toml:"Weighing" yaml:"weighing"`
	Treasury              string         `toml:"Treasury" yaml:"treasury"`
	DepositCap            string         `toml:"DepositCap" yaml:"deposit_cap"`
	PerUserDepositCap     string         `toml:"PerUserDepositCap" yaml:"per_user_deposit_cap"`
	WithdrawFeeBps        uint64         `toml:"WithdrawFeeBps" yaml:"withdraw_fee_bps"`
	PerformanceFeeBps     uint64         `toml:"PerformanceFeeBps" yaml:"performance_fee_bps"`
	SlippageBps           uint64         `toml:"SlippageBps" yaml:"slippage_bps"`
	HarvestIntervalBlocks uint64         `toml:"HarvestIntervalBlocks" yaml:"harvest_interval_blocks"`
	Route                 []string       `toml:"Route" yaml:"route"`
	Reserve               ReserveConfig  `toml:"reserve" yaml:"reserve"`
	Leverage              LeverageConfig `toml:"leverage" yaml:"leverage"`
}

func (cfg *PoolConfig) normalize() {
	cfg.Want = strings.TrimSpace(cfg.Want)
	cfg.Vault = strings.TrimSpace(cfg.Vault)
	cfg.Strategy = strings.TrimSpace(cfg.Strategy)
	cfg.Treasury = strings.TrimSpace(cfg.Treasury)
	cfg.DepositCap = strings.TrimSpace(cfg.DepositCap)
	cfg.PerUserDepositCap = strings.TrimSpace(cfg.PerUserDepositCap)
	for i := range cfg.Route {
		cfg.Route[i] = strings.TrimSpace(cfg.Route[i])
	}
	cfg.Reserve.IncentivesPerBlock = strings.TrimSpace(cfg.Reserve.IncentivesPerBlock)
	cfg.Leverage.MinLeverage = strings.TrimSpace(cfg.Leverage.MinLeverage)
	cfg.Leverage.MinHealthFactor = strings.TrimSpace(cfg.Leverage.MinHealthFactor)
	cfg.Leverage.FullWithdrawHealthFactor = strings.TrimSpace(cfg.Leverage.FullWithdrawHealthFactor)
}

// ReserveConfig lists the want asset on the lending market.
type ReserveConfig struct {
	LTVBps                  uint64 `toml:"LTVBps" yaml:"ltv_bps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps" yaml:"liquidation_threshold_bps"`
	ReserveFactorBps        uint64 `toml:"ReserveFactorBps" yaml:"reserve_factor_bps"`
	IncentivesPerBlock      string `toml:"IncentivesPerBlock" yaml:"incentives_per_block"`
	BaseRateBps             uint64 `toml:"BaseRateBps" yaml:"base_rate_bps"`
	Slope1Bps               uint64 `toml:"Slope1Bps" yaml:"slope1_bps"`
	Slope2Bps               uint64 `toml:"Slope2Bps" yaml:"slope2_bps"`
	KinkBps                 uint64 `toml:"KinkBps" yaml:"kink_bps"`
}

// LeverageConfig holds the strategy leverage parameters.
type LeverageConfig struct {
	BorrowRateBps            uint64 `toml:"BorrowRateBps" yaml:"borrow_rate_bps"`
	BorrowRateMaxBps         uint64 `toml:"BorrowRateMaxBps" yaml:"borrow_rate_max_bps"`
	BorrowDepth              uint64 `toml:"BorrowDepth" yaml:"borrow_depth"`
	MinLeverage              string `toml:"MinLeverage" yaml:"min_leverage"`
	MinHealthFactor          string `toml:"MinHealthFactor" yaml:"min_health_factor"`
	FullWithdrawHealthFactor string `toml:"FullWithdrawHealthFactor" yaml:"full_withdraw_health_factor"`
}

// ParseAmount parses a non-negative decimal integer. An empty string is zero.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", raw)
	}
	return value, nil
}

// ParseAddress parses a hex account address. Empty strings are rejected
// unless optional is set, in which case the zero address is returned.
func ParseAddress(raw string, optional bool) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if optional {
			return common.Address{}, nil
		}
		return common.Address{}, fmt.Errorf("address required")
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

// ParsePrice parses a positive decimal or fractional rate.
func ParsePrice(raw string) (*big.Rat, error) {
	rate, ok := new(big.Rat).SetString(strings.TrimSpace(raw))
	if !ok {
		return nil, fmt.Errorf("invalid price %q", raw)
	}
	if rate.Sign() <= 0 {
		return nil, fmt.Errorf("price %q must be positive", raw)
	}
	return rate, nil
}
