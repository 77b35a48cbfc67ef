package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// presaleABIJSON is the sale contract interface.
//
// Function selectors of the write path:
//
//	buyWithETH()          payable
//	buyWithUSDT(uint256)
//	buyWithUSDC(uint256)
//	buyWithDAI(uint256)
//	claim(address)
const presaleABIJSON = `[
  {"type":"function","name":"softcap","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"hardcap","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"startTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"endTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"claimTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"fundsRaised","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"presaleSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"totalTokensSold","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getRemainingTimeForPresaleStart","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getRemainingTimeForPresaleEnd","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getRemainingTimeForClaimStart","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"buyWithETH","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"buyWithUSDT","stateMutability":"nonpayable","inputs":[{"name":"tokenAmount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"buyWithUSDC","stateMutability":"nonpayable","inputs":[{"name":"tokenAmount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"buyWithDAI","stateMutability":"nonpayable","inputs":[{"name":"tokenAmount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getTokenAmountForInvestor","stateMutability":"view","inputs":[{"name":"investor","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"estimatedTokenAmountAvailableWithETH","stateMutability":"view","inputs":[{"name":"ethAmount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"estimatedEthAmountForTokenAmount","stateMutability":"view","inputs":[{"name":"tokenAmount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"investor","type":"address"}],"outputs":[]}
]`

// erc20ABIJSON is the subset of EIP-20 used for stablecoin payments.
const erc20ABIJSON = `[
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

var (
	presaleABI = mustABI(presaleABIJSON)
	erc20ABI   = mustABI(erc20ABIJSON)

	transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
