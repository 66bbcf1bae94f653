package exec

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/web3guy0/keeper/types"
)

// DefaultLOBAddress is the LimitOrderBook deployment on xDai.
const DefaultLOBAddress = "0x02e7B722E178518Ae07a596A7cb5F88B313c453a"

// LimitOrderBookABI covers the two keeper entry points.
const LimitOrderBookABI = `[
	{
		"inputs": [{"internalType": "uint256", "name": "order_id", "type": "uint256"}],
		"name": "execute",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "order_id", "type": "uint256"},
			{"internalType": "uint256", "name": "_reserveIndex", "type": "uint256"}
		],
		"name": "pokeContract",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// LimitOrderBook encodes keeper calls against the order book contract.
type LimitOrderBook struct {
	address common.Address
	abi     abi.ABI
}

// NewLimitOrderBook parses the ABI for the contract at address.
func NewLimitOrderBook(address string) (*LimitOrderBook, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid order book address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(LimitOrderBookABI))
	if err != nil {
		return nil, fmt.Errorf("parse order book ABI: %w", err)
	}
	return &LimitOrderBook{address: common.HexToAddress(address), abi: parsed}, nil
}

// Address returns the contract address.
func (l *LimitOrderBook) Address() common.Address {
	return l.address
}

// Calldata packs the call for an action.
func (l *LimitOrderBook) Calldata(action types.Action) ([]byte, error) {
	id := new(big.Int).SetUint64(action.OrderID)
	switch action.Kind {
	case types.ActionExecute:
		return l.abi.Pack("execute", id)
	case types.ActionPoke:
		return l.abi.Pack("pokeContract", id, new(big.Int).SetUint64(action.ReferenceIndex))
	default:
		return nil, fmt.Errorf("unknown action kind %d", action.Kind)
	}
}
