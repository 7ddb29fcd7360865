package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/compusophy/GroupWallet/internal/chain"
)

const (
	receiptPollInterval = 2 * time.Second
	receiptWaitTimeout  = 3 * time.Minute
)

// Client implements chain.Client.
type Client struct {
	rpc     *rpcClient
	signer  *Signer
	chainID int64
	logger  *slog.Logger
}

// NewClient builds a client for one RPC endpoint. The signer may be nil for
// read-only deployments; SendTransaction then fails.
func NewClient(rpcURL string, chainID int64, signer *Signer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "evm")
	return &Client{
		rpc:     newRPCClient(rpcURL, logger),
		signer:  signer,
		chainID: chainID,
		logger:  logger,
	}
}

func (c *Client) ChainID() int64 {
	return c.chainID
}

func (c *Client) BlockNumber(ctx context.Context) (int64, error) {
	result, err := c.rpc.call(ctx, "eth_blockNumber", []interface{}{})
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	var hexNum string
	if err := json.Unmarshal(result, &hexNum); err != nil {
		return 0, fmt.Errorf("unmarshal block number: %w", err)
	}
	return ParseHexInt64(hexNum)
}

func (c *Client) BlockByTag(ctx context.Context, tag string) (*chain.Block, error) {
	result, err := c.rpc.call(ctx, "eth_getBlockByNumber", []interface{}{tag, false})
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber(%s): %w", tag, err)
	}
	if string(result) == "null" {
		return nil, nil
	}
	var block Block
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("unmarshal block: %w", err)
	}
	number, err := ParseHexInt64(block.Number)
	if err != nil {
		return nil, fmt.Errorf("parse block number: %w", err)
	}
	ts, err := ParseHexInt64(block.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse block timestamp: %w", err)
	}
	return &chain.Block{Number: number, Hash: block.Hash, Timestamp: ts}, nil
}

func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	result, err := c.rpc.call(ctx, "eth_getBalance", []interface{}{address, "latest"})
	if err != nil {
		return nil, fmt.Errorf("eth_getBalance(%s): %w", address, err)
	}
	return unmarshalHexBig(result)
}

func (c *Client) Code(ctx context.Context, address string) ([]byte, error) {
	result, err := c.rpc.call(ctx, "eth_getCode", []interface{}{address, "latest"})
	if err != nil {
		return nil, fmt.Errorf("eth_getCode(%s): %w", address, err)
	}
	var hexCode string
	if err := json.Unmarshal(result, &hexCode); err != nil {
		return nil, fmt.Errorf("unmarshal code: %w", err)
	}
	code, err := hexutil.Decode(hexCode)
	if err != nil {
		return nil, fmt.Errorf("decode code: %w", err)
	}
	return code, nil
}

func (c *Client) Call(ctx context.Context, to string, data []byte) ([]byte, error) {
	params := []interface{}{
		map[string]string{"to": to, "data": hexutil.Encode(data)},
		"latest",
	}
	result, err := c.rpc.call(ctx, "eth_call", params)
	if err != nil {
		return nil, fmt.Errorf("eth_call(%s): %w", to, err)
	}
	var hexData string
	if err := json.Unmarshal(result, &hexData); err != nil {
		return nil, fmt.Errorf("unmarshal call result: %w", err)
	}
	decoded, err := hexutil.Decode(hexData)
	if err != nil {
		return nil, fmt.Errorf("decode call result: %w", err)
	}
	return decoded, nil
}

func (c *Client) TransactionByHash(ctx context.Context, hash string) (*chain.Transaction, error) {
	result, err := c.rpc.call(ctx, "eth_getTransactionByHash", []interface{}{hash})
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionByHash(%s): %w", hash, err)
	}
	if string(result) == "null" {
		return nil, nil
	}
	var tx Transaction
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	value, err := ParseHexBig(tx.Value)
	if err != nil {
		return nil, fmt.Errorf("parse tx value: %w", err)
	}
	out := &chain.Transaction{
		Hash:  tx.Hash,
		From:  tx.From,
		Value: value,
	}
	if tx.To != nil {
		out.To = *tx.To
	}
	if tx.BlockNumber != nil {
		n, err := ParseHexInt64(*tx.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("parse tx block number: %w", err)
		}
		out.BlockNumber = &n
	}
	if tx.BlockHash != nil {
		out.BlockHash = *tx.BlockHash
	}
	return out, nil
}

func (c *Client) TransactionReceipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	result, err := c.rpc.call(ctx, "eth_getTransactionReceipt", []interface{}{hash})
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt(%s): %w", hash, err)
	}
	if string(result) == "null" {
		return nil, nil
	}
	var receipt TransactionReceipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshal transaction receipt: %w", err)
	}
	status, err := ParseHexInt64(receipt.Status)
	if err != nil {
		return nil, fmt.Errorf("parse receipt status: %w", err)
	}
	number, err := ParseHexInt64(receipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("parse receipt block number: %w", err)
	}
	return &chain.Receipt{
		TxHash:      receipt.TransactionHash,
		Status:      status == 1,
		BlockNumber: number,
		BlockHash:   receipt.BlockHash,
	}, nil
}

// SendTransaction signs tx with the vault key and submits it. Nonce, gas
// limit and gas price are resolved when the request leaves them zero.
func (c *Client) SendTransaction(ctx context.Context, tx chain.TxRequest) (string, error) {
	if c.signer == nil {
		return "", fmt.Errorf("no signing key configured")
	}

	from := c.signer.Address()
	nonce, err := c.pendingNonce(ctx, from.Hex())
	if err != nil {
		return "", err
	}

	gasPrice := tx.GasPrice
	if gasPrice == nil || gasPrice.Sign() == 0 {
		gasPrice, err = c.gasPrice(ctx)
		if err != nil {
			return "", err
		}
	}

	gas := tx.Gas
	if gas == 0 {
		gas, err = c.estimateGas(ctx, from.Hex(), tx)
		if err != nil {
			return "", err
		}
	}

	raw, hash, err := c.signer.SignLegacy(c.chainID, nonce, tx.To, tx.Value, gas, gasPrice, tx.Data)
	if err != nil {
		return "", err
	}

	if _, err := c.rpc.call(ctx, "eth_sendRawTransaction", []interface{}{raw}); err != nil {
		return "", fmt.Errorf("eth_sendRawTransaction: %w", err)
	}
	c.logger.Info("transaction submitted", "hash", hash, "to", tx.To, "nonce", nonce)
	return hash, nil
}

// WaitForReceipt polls until the transaction is mined or the wait times out.
func (c *Client) WaitForReceipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, receiptWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.TransactionReceipt(ctx, hash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for receipt %s: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) pendingNonce(ctx context.Context, address string) (uint64, error) {
	result, err := c.rpc.call(ctx, "eth_getTransactionCount", []interface{}{address, "pending"})
	if err != nil {
		return 0, fmt.Errorf("eth_getTransactionCount: %w", err)
	}
	var hexNum string
	if err := json.Unmarshal(result, &hexNum); err != nil {
		return 0, fmt.Errorf("unmarshal nonce: %w", err)
	}
	n, err := ParseHexInt64(hexNum)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (c *Client) gasPrice(ctx context.Context) (*big.Int, error) {
	result, err := c.rpc.call(ctx, "eth_gasPrice", []interface{}{})
	if err != nil {
		return nil, fmt.Errorf("eth_gasPrice: %w", err)
	}
	return unmarshalHexBig(result)
}

func (c *Client) estimateGas(ctx context.Context, from string, tx chain.TxRequest) (uint64, error) {
	call := map[string]string{"from": from, "to": tx.To}
	if tx.Value != nil && tx.Value.Sign() > 0 {
		call["value"] = hexutil.EncodeBig(tx.Value)
	}
	if len(tx.Data) > 0 {
		call["data"] = hexutil.Encode(tx.Data)
	}
	result, err := c.rpc.call(ctx, "eth_estimateGas", []interface{}{call})
	if err != nil {
		return 0, fmt.Errorf("eth_estimateGas: %w", err)
	}
	var hexNum string
	if err := json.Unmarshal(result, &hexNum); err != nil {
		return 0, fmt.Errorf("unmarshal gas estimate: %w", err)
	}
	n, err := ParseHexInt64(hexNum)
	if err != nil {
		return 0, err
	}
	// Headroom over the node's estimate; reverts still surface at execution.
	return uint64(n) * 120 / 100, nil
}

func unmarshalHexBig(result json.RawMessage) (*big.Int, error) {
	var hexNum string
	if err := json.Unmarshal(result, &hexNum); err != nil {
		return nil, fmt.Errorf("unmarshal hex quantity: %w", err)
	}
	return ParseHexBig(hexNum)
}

func ParseHexInt64(value string) (int64, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	raw = strings.TrimPrefix(strings.ToLower(raw), "0x")
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", value, err)
	}
	return int64(parsed), nil
}

func ParseHexBig(value string) (*big.Int, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return nil, fmt.Errorf("empty hex value")
	}
	raw = strings.TrimPrefix(strings.ToLower(raw), "0x")
	if raw == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(raw, 16)
	if !ok {
		return nil, fmt.Errorf("parse hex %q", value)
	}
	return n, nil
}

// Checksum returns the EIP-55 checksummed form of an address.
func Checksum(address string) string {
	return common.HexToAddress(address).Hex()
}
