package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the vault's signing key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex-encoded private key (with or without 0x prefix).
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the address derived from the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignLegacy signs a legacy transaction and returns the raw RLP hex plus the
// transaction hash.
func (s *Signer) SignLegacy(chainID int64, nonce uint64, to string, value *big.Int, gas uint64, gasPrice *big.Int, data []byte) (raw string, hash string, err error) {
	if value == nil {
		value = new(big.Int)
	}
	toAddr := common.HexToAddress(to)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &toAddr,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(chainID)), s.key)
	if err != nil {
		return "", "", fmt.Errorf("sign transaction: %w", err)
	}
	encoded, err := signed.MarshalBinary()
	if err != nil {
		return "", "", fmt.Errorf("encode transaction: %w", err)
	}
	return hexutil.Encode(encoded), signed.Hash().Hex(), nil
}
