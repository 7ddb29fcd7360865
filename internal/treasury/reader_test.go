package treasury

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compusophy/GroupWallet/internal/chain"
	"github.com/compusophy/GroupWallet/internal/domain/model"
)

var (
	ethAsset = model.Asset{
		ID: "eth", Kind: model.AssetKindNative, Symbol: "ETH", Decimals: 18, PriceFeedID: "ETH",
	}
	usdcAsset = model.Asset{
		ID: "usdc", Kind: model.AssetKindToken, Symbol: "USDC",
		TokenAddress: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", Decimals: 6, PriceFeedID: "USDC",
	}
)

type fakeClient struct {
	latest        *chain.Block
	finalized     *chain.Block
	finalizedErr  error
	nativeBalance *big.Int
	nativeErr     error
	code          []byte
	callResult    []byte
	callErr       error
}

func (f *fakeClient) ChainID() int64                             { return 8453 }
func (f *fakeClient) BlockNumber(context.Context) (int64, error) { return f.latest.Number, nil }
func (f *fakeClient) BlockByTag(_ context.Context, tag string) (*chain.Block, error) {
	if tag == "finalized" {
		if f.finalizedErr != nil {
			return nil, f.finalizedErr
		}
		return f.finalized, nil
	}
	return f.latest, nil
}
func (f *fakeClient) Balance(context.Context, string) (*big.Int, error) {
	return f.nativeBalance, f.nativeErr
}
func (f *fakeClient) Code(context.Context, string) ([]byte, error) { return f.code, nil }
func (f *fakeClient) Call(context.Context, string, []byte) ([]byte, error) {
	return f.callResult, f.callErr
}
func (f *fakeClient) TransactionByHash(context.Context, string) (*chain.Transaction, error) {
	return nil, nil
}
func (f *fakeClient) TransactionReceipt(context.Context, string) (*chain.Receipt, error) {
	return nil, nil
}
func (f *fakeClient) SendTransaction(context.Context, chain.TxRequest) (string, error) {
	return "", fmt.Errorf("read-only")
}
func (f *fakeClient) WaitForReceipt(context.Context, string) (*chain.Receipt, error) {
	return nil, fmt.Errorf("read-only")
}

func uint256Bytes(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		latest:        &chain.Block{Number: 100, Hash: "0xlatest", Timestamp: 1700},
		finalized:     &chain.Block{Number: 95, Hash: "0xfinal", Timestamp: 1690},
		nativeBalance: big.NewInt(1_000_000),
		code:          []byte{0x60, 0x80},
		callResult:    uint256Bytes(big.NewInt(42)),
	}
}

const vault = "0x1111111111111111111111111111111111111111"

func TestReader_Snapshot(t *testing.T) {
	client := newFakeClient()
	r := NewReader(client, vault, []model.Asset{ethAsset, usdcAsset}, nil)

	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(100), snap.BlockNumber)
	assert.Equal(t, "0xlatest", snap.BlockHash)
	require.NotNil(t, snap.FinalizedBlockNumber)
	assert.Equal(t, int64(95), *snap.FinalizedBlockNumber)

	require.Len(t, snap.Balances, 2)
	assert.Equal(t, "1000000", snap.Balances[0].Minor)
	assert.Equal(t, "42", snap.Balances[1].Minor)

	// Address is checksummed for on-chain use.
	assert.Equal(t, "0x1111111111111111111111111111111111111111", snap.WalletAddress)
}

func TestReader_FinalizedFailureTolerated(t *testing.T) {
	client := newFakeClient()
	client.finalizedErr = fmt.Errorf("not supported")
	r := NewReader(client, vault, []model.Asset{ethAsset}, nil)

	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.FinalizedBlockNumber)
}

func TestReader_TokenWithoutCodeYieldsZero(t *testing.T) {
	client := newFakeClient()
	client.code = nil
	r := NewReader(client, vault, []model.Asset{ethAsset, usdcAsset}, nil)

	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0", snap.Balances[1].Minor)
}

func TestReader_PerAssetReadFailureYieldsZero(t *testing.T) {
	client := newFakeClient()
	client.nativeErr = fmt.Errorf("rpc down")
	client.callErr = fmt.Errorf("rpc down")
	r := NewReader(client, vault, []model.Asset{ethAsset, usdcAsset}, nil)

	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err, "a single asset's failure must not fail the snapshot")
	assert.Equal(t, "0", snap.Balances[0].Minor)
	assert.Equal(t, "0", snap.Balances[1].Minor)
}

func TestSnapshot_BalanceLookup(t *testing.T) {
	client := newFakeClient()
	r := NewReader(client, vault, []model.Asset{ethAsset, usdcAsset}, nil)

	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "1000000", snap.Balance("eth").String())
	assert.Equal(t, "0", snap.Balance("missing").String())
}
