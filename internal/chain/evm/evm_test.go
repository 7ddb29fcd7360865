package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHexInt64(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"0x0", 0, false},
		{"0x64", 100, false},
		{"0X1A", 26, false},
		{" 0x10 ", 16, false},
		{"0x", 0, false},
		{"", 0, true},
		{"0xzz", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseHexInt64(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseHexBig(t *testing.T) {
	got, err := ParseHexBig("0xde0b6b3a7640000")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", got.String())

	got, err = ParseHexBig("0x")
	require.NoError(t, err)
	assert.Equal(t, "0", got.String())

	_, err = ParseHexBig("0xnope")
	assert.Error(t, err)
}

func TestChecksum(t *testing.T) {
	assert.Equal(t,
		"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Checksum("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"),
	)
}

func TestERC20Calldata(t *testing.T) {
	owner := "0x1111111111111111111111111111111111111111"
	spender := "0x2222222222222222222222222222222222222222"
	amount := big.NewInt(250000)

	balanceOf := BalanceOfCalldata(owner)
	assert.Equal(t, "0x70a08231", hexutil.Encode(balanceOf[:4]))
	assert.Len(t, balanceOf, 36)

	transfer := TransferCalldata(owner, amount)
	assert.Equal(t, "0xa9059cbb", hexutil.Encode(transfer[:4]))
	assert.Len(t, transfer, 68)
	// Amount occupies the trailing word.
	assert.Equal(t, amount.String(), new(big.Int).SetBytes(transfer[36:]).String())

	approve := ApproveCalldata(spender, amount)
	assert.Equal(t, "0x095ea7b3", hexutil.Encode(approve[:4]))
	assert.Len(t, approve, 68)

	allowance := AllowanceCalldata(owner, spender)
	assert.Equal(t, "0xdd62ed3e", hexutil.Encode(allowance[:4]))
	assert.Len(t, allowance, 68)
}

func TestDecodeUint256(t *testing.T) {
	word := make([]byte, 32)
	word[31] = 42
	got, err := DecodeUint256(word)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Int64())

	_, err = DecodeUint256([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestSigner_DerivesAddressAndSigns(t *testing.T) {
	signer, err := NewSigner("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", signer.Address().Hex())

	raw, hash, err := signer.SignLegacy(8453, 7,
		"0x2222222222222222222222222222222222222222",
		big.NewInt(1000), 21000, big.NewInt(1_000_000_000), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.True(t, len(hash) == 66 && hash[:2] == "0x")
}

func TestNewSigner_Invalid(t *testing.T) {
	_, err := NewSigner("zz")
	assert.Error(t, err)
}
