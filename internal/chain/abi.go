package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const tokenABIJSON = `[
 {"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
 {"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
 {"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
 {"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
 {"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
 {"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
 {"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
 {"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
 {"inputs":[{"name":"sender","type":"address"},{"name":"balance","type":"uint256"},{"name":"needed","type":"uint256"}],"name":"ERC20InsufficientBalance","type":"error"},
 {"inputs":[{"name":"spender","type":"address"},{"name":"allowance","type":"uint256"},{"name":"needed","type":"uint256"}],"name":"ERC20InsufficientAllowance","type":"error"}
]`

const marketplaceABIJSON = `[
 {"inputs":[{"name":"courseId","type":"string"}],"name":"purchaseCourse","outputs":[],"stateMutability":"nonpayable","type":"function"},
 {"inputs":[],"name":"buyTokens","outputs":[],"stateMutability":"payable","type":"function"},
 {"inputs":[{"name":"tokenAmount","type":"uint256"}],"name":"sellTokens","outputs":[],"stateMutability":"nonpayable","type":"function"},
 {"inputs":[{"name":"courseId","type":"string"}],"name":"getCourse","outputs":[{"name":"title","type":"string"},{"name":"description","type":"string"},{"name":"price","type":"uint256"},{"name":"creator","type":"address"},{"name":"isActive","type":"bool"},{"name":"createdAt","type":"uint256"},{"name":"purchaseCount","type":"uint256"},{"name":"category","type":"string"}],"stateMutability":"view","type":"function"},
 {"inputs":[],"name":"getAllCourseIds","outputs":[{"name":"","type":"string[]"}],"stateMutability":"view","type":"function"},
 {"inputs":[{"name":"user","type":"address"}],"name":"getUserPurchasedCourses","outputs":[{"name":"","type":"string[]"}],"stateMutability":"view","type":"function"},
 {"inputs":[{"name":"courseId","type":"string"},{"name":"user","type":"address"}],"name":"hasUserPurchasedCourse","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
 {"inputs":[],"name":"getExchangeReserves","outputs":[{"name":"_ethReserve","type":"uint256"},{"name":"_tokenReserve","type":"uint256"}],"stateMutability":"view","type":"function"},
 {"inputs":[{"name":"creator","type":"address"}],"name":"getCreatorEarnings","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	TokenABI       = mustParseABI(tokenABIJSON)
	MarketplaceABI = mustParseABI(marketplaceABIJSON)
)

func mustParseABI(s string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("chain: bad embedded abi: " + err.Error())
	}
	return &parsed
}

func Token(addr common.Address) Contract {
	return Contract{Name: "YDToken", Address: addr, ABI: TokenABI}
}

func Marketplace(addr common.Address) Contract {
	return Contract{Name: "CourseManager", Address: addr, ABI: MarketplaceABI}
}
