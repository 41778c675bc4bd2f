// Package identity implements off-chain identity proof: EIP-191
// personal-message signing over UTF-8 text, plus the canonical IVXP order
// message embedded in delivery requests.
package identity

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ivxp-foundation/ivxp"
)

// Signer holds a private key and produces EIP-191 signatures.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner creates a signer from a hex-encoded private key, with or without
// the 0x prefix.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the checksummed address derived from the signing key.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Sign produces a 65-byte EIP-191 personal-message signature over the UTF-8
// message, hex encoded with 0x prefix. The recovery byte uses the Ethereum
// 27/28 convention.
func (s *Signer) Sign(message string) (string, error) {
	hash := accounts.TextHash([]byte(message))
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// Verify reports whether signature is a valid personal-message signature over
// message by expectedAddress. An invalid signature is an expected outcome, so
// every failure mode returns false rather than an error.
func Verify(message, signature, expectedAddress string) bool {
	if !common.IsHexAddress(expectedAddress) {
		return false
	}

	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sigBytes) != 65 {
		return false
	}

	// Accept both 27/28 and 0/1 recovery byte conventions.
	if sigBytes[64] >= 27 {
		sigBytes[64] -= 27
	}

	hash := accounts.TextHash([]byte(message))
	pub, err := crypto.SigToPub(hash, sigBytes)
	if err != nil {
		return false
	}

	recovered := crypto.PubkeyToAddress(*pub)
	return recovered == common.HexToAddress(expectedAddress)
}

// SignedMessage is a canonical protocol message and its signature.
type SignedMessage struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// VerifiedMessage is the discriminated result of verifying a canonical
// message. OrderID and TxHash are meaningful only when Valid is true.
type VerifiedMessage struct {
	Valid   bool
	OrderID string
	TxHash  string
}

const (
	fieldOrder     = "Order: "
	fieldPayment   = "Payment: "
	fieldTimestamp = "Timestamp: "
)

// BuildOrderMessage constructs the canonical pipe-delimited order message.
// The millisecond timestamp makes rapid repeated signings of the same order
// produce distinct messages.
func BuildOrderMessage(orderID, txHash string, at time.Time) string {
	return fmt.Sprintf("%s | %s%s | %s%s | %s%d",
		ivxp.ProtocolVersion,
		fieldOrder, orderID,
		fieldPayment, txHash,
		fieldTimestamp, at.UnixMilli(),
	)
}

// SignOrderMessage builds the canonical message for (orderID, txHash) at the
// given time and signs it. A zero at means now.
func (s *Signer) SignOrderMessage(orderID, txHash string, at time.Time) (SignedMessage, error) {
	if at.IsZero() {
		at = time.Now()
	}
	message := BuildOrderMessage(orderID, txHash, at)
	signature, err := s.Sign(message)
	if err != nil {
		return SignedMessage{}, err
	}
	return SignedMessage{Message: message, Signature: signature}, nil
}

// VerifyOrderMessage checks both the structure of the canonical message and
// the signature over it, re-deriving the order identifier and transaction
// reference from the message itself. Callers must branch on Valid before
// reading the derived fields.
func VerifyOrderMessage(message, signature, expectedAddress string) VerifiedMessage {
	orderID, txHash, ok := parseOrderMessage(message)
	if !ok {
		return VerifiedMessage{}
	}
	if !Verify(message, signature, expectedAddress) {
		return VerifiedMessage{}
	}
	return VerifiedMessage{Valid: true, OrderID: orderID, TxHash: txHash}
}

// parseOrderMessage re-derives the embedded fields from a canonical message.
func parseOrderMessage(message string) (orderID, txHash string, ok bool) {
	parts := strings.Split(message, " | ")
	if len(parts) != 4 {
		return "", "", false
	}
	if parts[0] != ivxp.ProtocolVersion {
		return "", "", false
	}
	if !strings.HasPrefix(parts[1], fieldOrder) ||
		!strings.HasPrefix(parts[2], fieldPayment) ||
		!strings.HasPrefix(parts[3], fieldTimestamp) {
		return "", "", false
	}

	orderID = strings.TrimPrefix(parts[1], fieldOrder)
	txHash = strings.TrimPrefix(parts[2], fieldPayment)
	ts := strings.TrimPrefix(parts[3], fieldTimestamp)

	if !ivxp.ValidOrderID(orderID) || txHash == "" {
		return "", "", false
	}
	if _, err := strconv.ParseInt(ts, 10, 64); err != nil {
		return "", "", false
	}
	return orderID, txHash, true
}
