package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"YDCoursePurchase/internal/account"
	"YDCoursePurchase/internal/chain"
	"YDCoursePurchase/internal/logging"
	"YDCoursePurchase/internal/pricing"
	"YDCoursePurchase/internal/purchase"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

var ErrUnknownNetwork = errors.New("no deployment configured for chain")

type Network struct {
	ChainID             int64         `yaml:"chain_id"`
	Name                string        `yaml:"name"`
	RPCEndpoints        []string      `yaml:"rpc_endpoints"`
	WSEndpoints         []string      `yaml:"ws_endpoints"`
	Token               string        `yaml:"token"`
	Marketplace         string        `yaml:"marketplace"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
	ConfirmTimeout      time.Duration `yaml:"confirm_timeout"`
}

// Deployment is a network with its contracts bound to their ABIs.
type Deployment struct {
	Network
	TokenContract       chain.Contract
	MarketplaceContract chain.Contract
}

// WSEndpoint is the first configured websocket endpoint, or one derived from
// the first RPC endpoint.
func (d Deployment) WSEndpoint() string {
	if len(d.WSEndpoints) > 0 {
		return d.WSEndpoints[0]
	}
	if len(d.RPCEndpoints) > 0 {
		return chain.DefaultWSEndpoint(d.RPCEndpoints[0])
	}
	return ""
}

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Log    logging.Config `yaml:"log"`
	Wallet struct {
		PrivateKey string `yaml:"private_key"`
		Mnemonic   string `yaml:"mnemonic"`
		Index      uint32 `yaml:"index"`
	} `yaml:"wallet"`
	Chain struct {
		ActiveChainID        int64     `yaml:"active_chain_id"`
		RPCFailoverThreshold int       `yaml:"rpc_failover_threshold"`
		Networks             []Network `yaml:"networks"`
	} `yaml:"chain"`
	Purchase purchase.Policy `yaml:"purchase"`
	Watcher  struct {
		Intervals        account.Intervals `yaml:"intervals"`
		CacheWindow      time.Duration     `yaml:"cache_window"`
		SnapshotInterval time.Duration     `yaml:"snapshot_interval"`
	} `yaml:"watcher"`
	Exchange struct {
		TokensPerETH int64 `yaml:"tokens_per_eth"`
		FeeBps       int64 `yaml:"fee_bps"`
	} `yaml:"exchange"`
}

func defaults() Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Log = logging.Config{Level: "info", Format: "json"}
	cfg.Chain.RPCFailoverThreshold = 3
	cfg.Purchase = purchase.DefaultPolicy()
	cfg.Watcher.Intervals = account.DefaultIntervals()
	cfg.Watcher.CacheWindow = 10 * time.Minute
	cfg.Watcher.SnapshotInterval = 30 * time.Second
	cfg.Exchange.TokensPerETH = pricing.DefaultTokensPerETH
	cfg.Exchange.FeeBps = pricing.DefaultFeeBps
	return cfg
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if len(c.Chain.Networks) == 0 {
		return errors.New("chain.networks is empty")
	}
	seen := map[int64]bool{}
	for _, n := range c.Chain.Networks {
		if n.ChainID <= 0 {
			return fmt.Errorf("network %q: chain_id is required", n.Name)
		}
		if seen[n.ChainID] {
			return fmt.Errorf("network %d configured twice", n.ChainID)
		}
		seen[n.ChainID] = true
		if len(n.RPCEndpoints) == 0 {
			return fmt.Errorf("network %d: rpc_endpoints is empty", n.ChainID)
		}
		for field, v := range map[string]string{"token": n.Token, "marketplace": n.Marketplace} {
			if v != "" && !common.IsHexAddress(v) {
				return fmt.Errorf("network %d: %s is not an address: %q", n.ChainID, field, v)
			}
		}
	}
	if _, err := c.Resolve(c.Chain.ActiveChainID); err != nil {
		return fmt.Errorf("chain.active_chain_id: %w", err)
	}
	if c.Wallet.PrivateKey != "" && c.Wallet.Mnemonic != "" {
		return errors.New("wallet: set either private_key or mnemonic, not both")
	}
	return nil
}

// Resolve returns the deployment for chainID. A chain without both contract
// addresses is not resolvable.
func (c *Config) Resolve(chainID int64) (Deployment, error) {
	for _, n := range c.Chain.Networks {
		if n.ChainID != chainID {
			continue
		}
		if n.Token == "" || n.Marketplace == "" {
			return Deployment{}, fmt.Errorf("%w %d: contract addresses missing", ErrUnknownNetwork, chainID)
		}
		return Deployment{
			Network:             n,
			TokenContract:       chain.Token(common.HexToAddress(n.Token)),
			MarketplaceContract: chain.Marketplace(common.HexToAddress(n.Marketplace)),
		}, nil
	}
	return Deployment{}, fmt.Errorf("%w %d", ErrUnknownNetwork, chainID)
}

// Active is the deployment of chain.active_chain_id.
func (c *Config) Active() Deployment {
	d, _ := c.Resolve(c.Chain.ActiveChainID)
	return d
}

// Signer builds the configured signing account. It returns nil without an
// error when no wallet is configured, which leaves the client read-only.
func (c *Config) Signer() (chain.Signer, error) {
	switch {
	case c.Wallet.PrivateKey != "":
		return chain.NewKeySigner(c.Wallet.PrivateKey)
	case c.Wallet.Mnemonic != "":
		return chain.AccountDeriver{Mnemonic: c.Wallet.Mnemonic}.Derive(c.Wallet.Index)
	}
	return nil, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("WALLET_PRIVATE_KEY"); v != "" {
		cfg.Wallet.PrivateKey = v
	}
	if v := os.Getenv("WALLET_MNEMONIC"); v != "" {
		cfg.Wallet.Mnemonic = v
	}
	if v := os.Getenv("WALLET_INDEX"); v != "" {
		cfg.Wallet.Index = uint32(atoi64Or(int64(cfg.Wallet.Index), v))
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		cfg.Chain.ActiveChainID = atoi64Or(cfg.Chain.ActiveChainID, v)
	}
	if v := os.Getenv("RPC_FAILOVER_THRESHOLD"); v != "" {
		cfg.Chain.RPCFailoverThreshold = atoiOr(cfg.Chain.RPCFailoverThreshold, v)
	}

	// Network overrides apply to the active chain, creating it when absent.
	active := activeNetwork(cfg)
	if v := os.Getenv("RPC_ENDPOINTS"); v != "" {
		active().RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("WS_ENDPOINTS"); v != "" {
		active().WSEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("TOKEN_ADDRESS"); v != "" {
		active().Token = v
	}
	if v := os.Getenv("MARKETPLACE_ADDRESS"); v != "" {
		active().Marketplace = v
	}

	p := &cfg.Purchase
	p.SettleDelay = durationOr(p.SettleDelay, os.Getenv("PURCHASE_SETTLE_DELAY"))
	p.AllowancePoll = durationOr(p.AllowancePoll, os.Getenv("PURCHASE_ALLOWANCE_POLL"))
	p.AllowanceTimeout = durationOr(p.AllowanceTimeout, os.Getenv("PURCHASE_ALLOWANCE_TIMEOUT"))
	p.GraceDelay = durationOr(p.GraceDelay, os.Getenv("PURCHASE_GRACE_DELAY"))
	p.RefreshDelay = durationOr(p.RefreshDelay, os.Getenv("PURCHASE_REFRESH_DELAY"))
	p.SuccessDisplay = durationOr(p.SuccessDisplay, os.Getenv("PURCHASE_SUCCESS_DISPLAY"))
	p.ErrorDisplay = durationOr(p.ErrorDisplay, os.Getenv("PURCHASE_ERROR_DISPLAY"))
	if v := os.Getenv("PURCHASE_APPROVAL_MULTIPLIER"); v != "" {
		p.ApprovalMultiplier = atoi64Or(p.ApprovalMultiplier, v)
	}
}

func activeNetwork(cfg *Config) func() *Network {
	return func() *Network {
		for i := range cfg.Chain.Networks {
			if cfg.Chain.Networks[i].ChainID == cfg.Chain.ActiveChainID {
				return &cfg.Chain.Networks[i]
			}
		}
		cfg.Chain.Networks = append(cfg.Chain.Networks, Network{ChainID: cfg.Chain.ActiveChainID})
		return &cfg.Chain.Networks[len(cfg.Chain.Networks)-1]
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func durationOr(fallback time.Duration, v string) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
