package exec

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHAIN CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Thin wrapper over a JSON-RPC node holding the keeper's signing key:
// nonce, gas estimate, gas price oracle, sign, broadcast, receipt wait.
//
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultReceiptPoll is how often WaitReceipt asks the node for a receipt.
const DefaultReceiptPoll = 2 * time.Second

// Backend is the subset of ethclient.Client the keeper needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// Client signs and sends transactions from one account.
type Client struct {
	backend    Backend
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	poll       time.Duration
}

// ParsePrivateKey decodes a hex key, with or without 0x prefix.
func ParsePrivateKey(keyHex string) (*ecdsa.PrivateKey, error) {
	keyHex = strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	if keyHex == "" {
		return nil, errors.New("empty private key")
	}
	pk, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return pk, nil
}

// Dial connects to a node and binds the signing key.
func Dial(ctx context.Context, url, keyHex string) (*Client, error) {
	pk, err := ParsePrivateKey(keyHex)
	if err != nil {
		return nil, err
	}
	rpc, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect node: %w", err)
	}
	c, err := NewClient(ctx, rpc, pk)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	return c, nil
}

// NewClient binds a key to an existing backend and resolves the chain id.
func NewClient(ctx context.Context, backend Backend, pk *ecdsa.PrivateKey) (*Client, error) {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}

	c := &Client{
		backend:    backend,
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
		poll:       DefaultReceiptPoll,
	}

	log.Info().
		Str("address", c.address.Hex()).
		Str("chain_id", chainID.String()).
		Msg("🔑 Chain client initialized")

	return c, nil
}

// SetReceiptPoll overrides the receipt polling interval.
func (c *Client) SetReceiptPoll(d time.Duration) {
	if d > 0 {
		c.poll = d
	}
}

// Address returns the keeper account.
func (c *Client) Address() common.Address {
	return c.address
}

// Nonce returns the confirmed nonce, so a resubmission replaces a stuck tx.
func (c *Client) Nonce(ctx context.Context) (uint64, error) {
	return c.backend.NonceAt(ctx, c.address, nil)
}

// BaseGasPrice asks the node's gas price oracle.
func (c *Client) BaseGasPrice(ctx context.Context) (*big.Int, error) {
	return c.backend.SuggestGasPrice(ctx)
}

// EstimateGas simulates a call from the keeper account.
func (c *Client) EstimateGas(ctx context.Context, to common.Address, data []byte) (uint64, error) {
	return c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &to,
		Data:  data,
		Value: big.NewInt(0),
	})
}

// SignLegacy builds and signs a legacy transaction.
func (c *Client) SignLegacy(nonce uint64, to common.Address, gasLimit uint64, gasPrice *big.Int, data []byte) (*ethtypes.Transaction, error) {
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

// Send broadcasts a signed transaction.
func (c *Client) Send(ctx context.Context, tx *ethtypes.Transaction) error {
	return c.backend.SendTransaction(ctx, tx)
}

// WaitReceipt polls until the receipt appears or ctx is done.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			log.Debug().Err(err).Str("tx", hash.Hex()).Msg("Receipt lookup failed, polling again")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the node connection when the backend owns one.
func (c *Client) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}
