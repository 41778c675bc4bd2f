// Package ivxp implements the Intelligence Value Exchange Protocol: autonomous
// agents discover services from a catalog, request a quote, pay on-chain in
// USDC, prove payment and identity cryptographically, and receive a verifiable
// deliverable.
//
// The package holds the shared protocol types, errors and identifiers. The
// engines live in the client and provider subpackages, with the supporting
// concerns alongside: order persistence in store, push updates in stream,
// identity signing in identity, on-chain transfers in payment, lifecycle
// notification in events, and the HTTP transport in http.
package ivxp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Protocol identity constants.
const (
	ProtocolVersion = "IVXP/1.0"

	MessageTypeServiceRequest  = "service_request"
	MessageTypeServiceQuote    = "service_quote"
	MessageTypeDeliveryRequest = "delivery_request"
	MessageTypeServiceDelivery = "service_delivery"
)

// OrderIDPrefix prefixes every order identifier.
const OrderIDPrefix = "ivxp-"

var orderIDPattern = regexp.MustCompile(`(?i)^ivxp-[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// NewOrderID returns a fresh order identifier in the form ivxp-<uuid-v4>.
// Fresh identifiers are lowercase; that is the canonical form.
func NewOrderID() string {
	return OrderIDPrefix + uuid.NewString()
}

// ValidOrderID reports whether id is a well-formed order identifier.
// Identifiers are case-insensitive, prefix included.
func ValidOrderID(id string) bool {
	return orderIDPattern.MatchString(id)
}

// NormalizeOrderID lowercases an order identifier for use as a lookup key.
func NormalizeOrderID(id string) string {
	return strings.ToLower(id)
}

// ContentHash computes the SHA-256 hash of the deliverable content over a
// canonical JSON encoding (keys sorted), hex encoded.
func ContentHash(content map[string]interface{}) string {
	h := sha256.New()
	h.Write(canonicalJSON(content))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON encodes a map with deterministic key order. encoding/json
// already sorts map keys, but nested non-map values marshal as-is, which is
// sufficient for hashing deliverable content.
func canonicalJSON(content map[string]interface{}) []byte {
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(content[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String())
}
