package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of an aggregator node. Amounts are
// decimal strings in base units; health factors are decimal strings scaled by
// 1e18.
type Config struct {
	Service     string `toml:"Service" yaml:"service"`
	Environment string `toml:"Environment" yaml:"environment"`
	// DataDir holds the LevelDB state database. Empty keeps state in memory.
	DataDir string `toml:"DataDir" yaml:"data_dir"`
	// EventLogDSN selects the event journal backend. Empty disables it.
	EventLogDSN string `toml:"EventLogDSN" yaml:"event_log_dsn"`

	Admin    string `toml:"Admin" yaml:"admin"`
	Guardian string `toml:"Guardian" yaml:"guardian"`
	Keeper   string `toml:"Keeper" yaml:"keeper"`
	Feeder   string `toml:"Feeder" yaml:"feeder"`

	Logging     LoggingConfig     `toml:"logging" yaml:"logging"`
	Telemetry   TelemetryConfig   `toml:"telemetry" yaml:"telemetry"`
	Distributor DistributorConfig `toml:"distributor" yaml:"distributor"`
	Market      MarketConfig      `toml:"market" yaml:"market"`
	Exchange    ExchangeConfig    `toml:"exchange" yaml:"exchange"`
	Assets      []AssetConfig     `toml:"assets" yaml:"assets"`
	Pools       []PoolConfig      `toml:"pools" yaml:"pools"`
}

// Load reads the configuration at path, decoding YAML for .yaml/.yml files
// and TOML otherwise, then normalizes and validates it.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path required")
	}
	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Persist writes the configuration to path as TOML.
func Persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.Service = strings.TrimSpace(cfg.Service)
	if cfg.Service == "" {
		cfg.Service = "archimedes"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.EventLogDSN = strings.TrimSpace(cfg.EventLogDSN)
	cfg.Admin = strings.TrimSpace(cfg.Admin)
	cfg.Guardian = strings.TrimSpace(cfg.Guardian)
	cfg.Keeper = strings.TrimSpace(cfg.Keeper)
	cfg.Feeder = strings.TrimSpace(cfg.Feeder)
	cfg.Logging.normalize()
	cfg.Distributor.normalize()
	cfg.Market.normalize()
	cfg.Exchange.normalize()
	for i := range cfg.Assets {
		cfg.Assets[i].normalize()
	}
	for i := range cfg.Pools {
		cfg.Pools[i].normalize()
	}
}

// Default returns a single-pool configuration suitable for local runs.
func Default() *Config {
	cfg := &Config{
		Service:  "archimedes",
		Admin:    "0x00000000000000000000000000000000000000ad",
		Guardian: "0x00000000000000000000000000000000000000a9",
		Keeper:   "0x00000000000000000000000000000000000000cf",
		Feeder:   "0x00000000000000000000000000000000000000f1",
		Distributor: DistributorConfig{
			Address:               "0x0000000000000000000000000000000000000d15",
			Referral:              "0x0000000000000000000000000000000000000ef1",
			RewardAsset:           "0x00000000000000000000000000000000000000bb",
			RewardRatePerBlock:    "1000",
			StartHeight:           0,
			ReferralCommissionBps: 10,
		},
		Market: MarketConfig{
			Address:           "0x0000000000000000000000000000000000001e4d",
			IncentivesVault:   "0x0000000000000000000000000000000000000ec1",
			IncentivesAsset:   "0x00000000000000000000000000000000000000bb",
			IncentivesFunding: "1000000",
		},
		Exchange: ExchangeConfig{
			Router:       "0x00000000000000000000000000000000000005a9",
			FeeBps:       30,
			OracleMaxAge: 0,
		},
		Assets: []AssetConfig{
			{Address: "0x00000000000000000000000000000000000000aa", Symbol: "WANT", Price: "1", RouterReserve: "1000000"},
			{Address: "0x00000000000000000000000000000000000000bb", Symbol: "ARCH", Price: "2", MaxSupply: "100000000"},
		},
		Pools: []PoolConfig{{
			Want:                  "0x00000000000000000000000000000000000000aa",
			Vault:                 "0x0000000000000000000000000000000000000a17",
			Strategy:              "0x0000000000000000000000000000000000000517",
			Weighing:              100,
			HarvestIntervalBlocks: 5,
			SlippageBps:           100,
			Reserve: ReserveConfig{
				LTVBps:                  7_500,
				LiquidationThresholdBps: 8_000,
				IncentivesPerBlock:      "10",
			},
			Leverage: LeverageConfig{
				BorrowRateBps:            4_800,
				BorrowRateMaxBps:         5_000,
				BorrowDepth:              8,
				MinLeverage:              "0",
				MinHealthFactor:          "1500000000000000000",
				FullWithdrawHealthFactor: "1600000000000000000",
			},
		}},
	}
	cfg.normalize()
	return cfg
}
