package chain

import "strings"

// DefaultWSEndpoint guesses the websocket endpoint served next to an HTTP
// JSON-RPC endpoint (geth, hardhat and anvil share the port).
func DefaultWSEndpoint(rpc string) string {
	rpc = strings.TrimRight(strings.TrimSpace(rpc), "/")
	if strings.HasPrefix(rpc, "ws://") || strings.HasPrefix(rpc, "wss://") {
		return rpc
	}
	if strings.HasPrefix(rpc, "https://") {
		return "wss://" + strings.TrimPrefix(rpc, "https://")
	}
	if strings.HasPrefix(rpc, "http://") {
		return "ws://" + strings.TrimPrefix(rpc, "http://")
	}
	return ""
}
