// Package auth builds the canonical signed messages and verifies ERC-191
// personal-message signatures for vote and claim authorization.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/compusophy/GroupWallet/internal/domain/model"
)

// MaxMessageAge bounds the distance between a message timestamp and now.
const MaxMessageAge = 5 * time.Minute

// ErrExpired is returned for messages outside the freshness window.
var ErrExpired = fmt.Errorf("signature timestamp outside %s window", MaxMessageAge)

// ErrMismatch is returned when the recovered signer differs from the
// claimed address.
var ErrMismatch = fmt.Errorf("recovered signer does not match address")

// ClaimMessage is the canonical settlement-claim message.
func ClaimMessage(address string, timestampMillis int64) string {
	return strings.Join([]string{
		"wagmi-claim",
		"address:" + strings.ToLower(address),
		fmt.Sprintf("timestamp:%d", timestampMillis),
	}, "\n")
}

// VoteMessage is the canonical allocation-vote message. The percentage is
// clamped before signing is evaluated.
func VoteMessage(ethPercent int, timestampMillis int64) string {
	return strings.Join([]string{
		fmt.Sprintf("eth_percent:%d", model.ClampPercent(ethPercent)),
		fmt.Sprintf("timestamp:%d", timestampMillis),
	}, "\n")
}

// CheckFreshness rejects timestamps further than MaxMessageAge from now.
func CheckFreshness(timestampMillis int64, now time.Time) error {
	age := now.UnixMilli() - timestampMillis
	if age < 0 {
		age = -age
	}
	if age > MaxMessageAge.Milliseconds() {
		return ErrExpired
	}
	return nil
}

// Verify recovers the ERC-191 personal-message signer of message and
// compares it to the expected address (case-insensitive).
func Verify(message, signature, expectedAddress string) error {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	// Wallets produce v in {27, 28}; recovery wants {0, 1}.
	sig = append([]byte{}, sig...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest := personalDigest(message)
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), expectedAddress) {
		return ErrMismatch
	}
	return nil
}

// personalDigest applies the ERC-191 personal-message prefix.
func personalDigest(message string) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return crypto.Keccak256([]byte(prefixed))
}
