// Package identity implements the relay's AuthVerifier: EIP-191
// personal-sign verification over secp256k1 and Ethereum-style address
// derivation, plus the canonical signed message and nonce generation
// spec.md §4.2 requires. The underlying curve arithmetic is an external
// primitive per spec.md §1 ("a library primitive consumed through a single
// operation verify(address, message, signature) → bool"); this package is
// that operation.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

const (
	// AddressHexLength is the canonical length, in hex characters after the
	// "0x" prefix, of an agent address.
	AddressHexLength = 40

	ethSignedMessagePrefix = "\x19Ethereum Signed Message:\n"
)

// CanonicalMessage builds the exact string an agent must sign, per
// spec.md §4.2: "osaurus-tunnel:<address>:<nonce>:<timestamp>".
func CanonicalMessage(address, nonce string, timestamp int64) string {
	return fmt.Sprintf("osaurus-tunnel:%s:%s:%d", CanonicalizeAddress(address), nonce, timestamp)
}

// CanonicalizeAddress lower-cases an address for use as a routing/lookup
// key, per spec.md §3.
func CanonicalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// IsWellFormedAddress reports whether address is a "0x"-prefixed 40-hex
// string (case-insensitive), per spec.md §3.
func IsWellFormedAddress(address string) bool {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		return false
	}
	hexPart := address[2:]
	if len(hexPart) != AddressHexLength {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}

// NewNonce returns 32 cryptographically random bytes, lowercase hex
// encoded, per spec.md §4.2.
func NewNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Verify reports whether signature is a valid EIP-191 personal-sign
// signature of message, recoverable to address. signature must be the
// standard 65-byte [R || S || V] Ethereum encoding as raw bytes (use
// DecodeSignature to turn a hex string into that form). Any
// failure in the underlying cryptographic primitive — malformed signature,
// recovery failure, anything the library might panic on — is treated as
// "invalid" per spec.md §4.2, never propagated as an error.
func Verify(address, message string, signature []byte) bool {
	ok, _ := verify(address, message, signature)
	return ok
}

func verify(address, message string, signature []byte) (valid bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			valid, err = false, fmt.Errorf("identity: recovered panic: %v", r)
		}
	}()

	if !IsWellFormedAddress(address) {
		return false, fmt.Errorf("identity: malformed address %q", address)
	}
	compact, err := toCompactSignature(signature)
	if err != nil {
		return false, err
	}

	hash := eip191Hash(message)
	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return false, err
	}

	recovered := addressFromPublicKey(pub)
	return strings.EqualFold(recovered, CanonicalizeAddress(address)), nil
}

// toCompactSignature converts a 65-byte Ethereum [R(32) S(32) V(1)]
// signature (V in {0,1,27,28}) into the [recovery-code(1) R(32) S(32)]
// layout github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa.RecoverCompact
// expects, requesting uncompressed-public-key recovery.
func toCompactSignature(sig []byte) ([]byte, error) {
	if len(sig) == 65 {
		r := sig[0:32]
		s := sig[32:64]
		v := sig[64]
		recoveryID, err := normalizeRecoveryID(v)
		if err != nil {
			return nil, err
		}
		compact := make([]byte, 65)
		compact[0] = compactSigRecoveryCodeUncompressed + recoveryID
		copy(compact[1:33], r)
		copy(compact[33:65], s)
		return compact, nil
	}
	return nil, fmt.Errorf("identity: signature must be 65 bytes, got %d", len(sig))
}

const compactSigRecoveryCodeUncompressed = 27

func normalizeRecoveryID(v byte) (byte, error) {
	switch {
	case v == 0 || v == 1:
		return v, nil
	case v == 27 || v == 28:
		return v - 27, nil
	default:
		return 0, fmt.Errorf("identity: unsupported recovery id %d", v)
	}
}

// eip191Hash returns Keccak256("\x19Ethereum Signed Message:\n" +
// len(message) + message), the digest EIP-191 personal-sign actually signs.
func eip191Hash(message string) []byte {
	prefixed := fmt.Sprintf("%s%d%s", ethSignedMessagePrefix, len(message), message)
	return keccak256([]byte(prefixed))
}

// addressFromPublicKey derives the lowercase "0x"-prefixed 40-hex Ethereum
// address from an uncompressed secp256k1 public key: the last 20 bytes of
// Keccak256(X || Y).
func addressFromPublicKey(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed() // 0x04 || X(32) || Y(32)
	digest := keccak256(uncompressed[1:])
	return "0x" + hex.EncodeToString(digest[len(digest)-20:])
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// AgentAuth pairs an address with a hex-encoded signature, the shape of one
// entry in an `auth` or `add_agent` frame.
type AgentAuth struct {
	Address   string
	Signature string
}

// AgentResult reports one agent's individual verification outcome within a
// batch.
type AgentResult struct {
	Address string
	OK      bool
}

// VerifyAll implements spec.md §4.2's atomic batch rule: if any agent in
// agents fails signature verification, the whole batch fails (no partial
// tunnel), but every agent's individual outcome is still returned so the
// caller can report why. Clock-skew is the caller's concern (see
// SPEC_FULL.md §4.2) — check it before calling VerifyAll.
func VerifyAll(agents []AgentAuth, nonce string, timestamp int64) (bool, []AgentResult) {
	results := make([]AgentResult, 0, len(agents))
	allOK := len(agents) > 0
	for _, a := range agents {
		sig, err := DecodeSignature(a.Signature)
		ok := err == nil
		if ok {
			msg := CanonicalMessage(a.Address, nonce, timestamp)
			ok = Verify(a.Address, msg, sig)
		}
		results = append(results, AgentResult{Address: CanonicalizeAddress(a.Address), OK: ok})
		if !ok {
			allOK = false
		}
	}
	return allOK, results
}

// DecodeSignature decodes a hex-encoded signature string, with or without a
// "0x"/"0X" prefix. Non-hex input is an error; the decoded length is not
// checked here (Verify rejects anything but 65 bytes).
func DecodeSignature(s string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	trimmed = strings.TrimPrefix(trimmed, "0X")
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid signature encoding: %w", err)
	}
	return b, nil
}
