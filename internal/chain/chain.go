// Package chain defines the EVM client capability the treasury core
// consumes. The concrete implementation lives in chain/evm.
package chain

import (
	"context"
	"math/big"
)

// Block is the header subset the core reads.
type Block struct {
	Number    int64
	Hash      string
	Timestamp int64
}

// Transaction is the transaction subset the deposit webhook validates.
type Transaction struct {
	Hash        string
	From        string
	To          string
	Value       *big.Int
	BlockNumber *int64
	BlockHash   string
}

// Receipt is the receipt subset the executors wait on.
type Receipt struct {
	TxHash      string
	Status      bool
	BlockNumber int64
	BlockHash   string
}

// TxRequest describes a transaction to sign and submit with the vault key.
type TxRequest struct {
	To    string
	Value *big.Int
	Data  []byte
	// Gas and GasPrice are optional; zero means estimate/fetch.
	Gas      uint64
	GasPrice *big.Int
}

// Client is the EVM read/write capability.
type Client interface {
	ChainID() int64
	BlockNumber(ctx context.Context) (int64, error)
	// BlockByTag resolves "latest", "finalized" or a hex-encoded number.
	// A nil block with nil error means the tag is not available.
	BlockByTag(ctx context.Context, tag string) (*Block, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	Code(ctx context.Context, address string) ([]byte, error)
	Call(ctx context.Context, to string, data []byte) ([]byte, error)
	TransactionByHash(ctx context.Context, hash string) (*Transaction, error)
	TransactionReceipt(ctx context.Context, hash string) (*Receipt, error)
	SendTransaction(ctx context.Context, tx TxRequest) (string, error)
	WaitForReceipt(ctx context.Context, hash string) (*Receipt, error)
}
