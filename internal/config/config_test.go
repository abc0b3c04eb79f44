package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  addr: ":9090"
chain:
  active_chain_id: 31337
  networks:
    - chain_id: 31337
      name: localhost
      rpc_endpoints: ["http://127.0.0.1:8545"]
      token: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
      marketplace: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
    - chain_id: 11155111
      name: sepolia
      rpc_endpoints: ["https://rpc.sepolia.org"]
purchase:
  settle_delay: 500ms
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, 500*time.Millisecond, cfg.Purchase.SettleDelay)
	require.Equal(t, int64(10), cfg.Purchase.ApprovalMultiplier)
	require.Equal(t, 8*time.Second, cfg.Purchase.ErrorDisplay)
	require.Equal(t, 10*time.Second, cfg.Watcher.Intervals.Balance)
	require.Equal(t, 30*time.Second, cfg.Watcher.Intervals.Reserves)
	require.Equal(t, int64(4000), cfg.Exchange.TokensPerETH)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestResolve(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	d, err := cfg.Resolve(31337)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"), d.MarketplaceContract.Address)
	require.True(t, d.TokenContract.Resolved())
	require.Equal(t, "ws://127.0.0.1:8545", d.WSEndpoint())

	_, err = cfg.Resolve(11155111)
	require.ErrorIs(t, err, ErrUnknownNetwork)
	_, err = cfg.Resolve(1)
	require.ErrorIs(t, err, ErrUnknownNetwork)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":7070")
	t.Setenv("CHAIN_ID", "11155111")
	t.Setenv("RPC_ENDPOINTS", "https://a, https://b")
	t.Setenv("TOKEN_ADDRESS", "0x0000000000000000000000000000000000000001")
	t.Setenv("MARKETPLACE_ADDRESS", "0x0000000000000000000000000000000000000002")
	t.Setenv("PURCHASE_ERROR_DISPLAY", "3s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	require.Equal(t, ":7070", cfg.Server.Addr)
	require.Equal(t, 3*time.Second, cfg.Purchase.ErrorDisplay)
	require.Equal(t, "debug", cfg.Log.Level)

	d := cfg.Active()
	require.Equal(t, int64(11155111), d.ChainID)
	require.Equal(t, []string{"https://a", "https://b"}, d.RPCEndpoints)
	require.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000000002"), d.MarketplaceContract.Address)
}

func TestLoadRejectsUnresolvableActiveChain(t *testing.T) {
	t.Setenv("CHAIN_ID", "11155111")
	_, err := Load(writeConfig(t, sample))
	require.ErrorIs(t, err, ErrUnknownNetwork)
}

func TestLoadRejectsBadAddress(t *testing.T) {
	body := `
chain:
  active_chain_id: 1
  networks:
    - chain_id: 1
      rpc_endpoints: ["http://x"]
      token: "nope"
      marketplace: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
`
	_, err := Load(writeConfig(t, body))
	require.ErrorContains(t, err, "token is not an address")
}

func TestSigner(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	s, err := cfg.Signer()
	require.NoError(t, err)
	require.Nil(t, s)

	cfg.Wallet.Mnemonic = "test test test test test test test test test test test junk"
	cfg.Wallet.Index = 1
	s, err = cfg.Signer()
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), s.Address())
}
