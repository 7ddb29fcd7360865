package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ERC-20 function selectors: first four bytes of the keccak256 of the
// canonical signature.
var (
	selectorBalanceOf = []byte{0x70, 0xa0, 0x82, 0x31} // balanceOf(address)
	selectorTransfer  = []byte{0xa9, 0x05, 0x9c, 0xbb} // transfer(address,uint256)
	selectorApprove   = []byte{0x09, 0x5e, 0xa7, 0xb3} // approve(address,uint256)
	selectorAllowance = []byte{0xdd, 0x62, 0xed, 0x3e} // allowance(address,address)
)

func padAddress(address string) []byte {
	return common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)
}

func padAmount(amount *big.Int) []byte {
	return common.LeftPadBytes(amount.Bytes(), 32)
}

// BalanceOfCalldata encodes balanceOf(owner).
func BalanceOfCalldata(owner string) []byte {
	return append(append([]byte{}, selectorBalanceOf...), padAddress(owner)...)
}

// TransferCalldata encodes transfer(to, amount).
func TransferCalldata(to string, amount *big.Int) []byte {
	data := append([]byte{}, selectorTransfer...)
	data = append(data, padAddress(to)...)
	return append(data, padAmount(amount)...)
}

// ApproveCalldata encodes approve(spender, amount).
func ApproveCalldata(spender string, amount *big.Int) []byte {
	data := append([]byte{}, selectorApprove...)
	data = append(data, padAddress(spender)...)
	return append(data, padAmount(amount)...)
}

// AllowanceCalldata encodes allowance(owner, spender).
func AllowanceCalldata(owner, spender string) []byte {
	data := append([]byte{}, selectorAllowance...)
	data = append(data, padAddress(owner)...)
	return append(data, padAddress(spender)...)
}

// DecodeUint256 reads a single uint256 return value.
func DecodeUint256(data []byte) (*big.Int, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("short uint256 return data: %d bytes", len(data))
	}
	return new(big.Int).SetBytes(data[:32]), nil
}
