package identity

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// signEIP191 signs message with priv exactly the way an agent runtime
// would, producing the 65-byte [R||S||V] encoding Verify expects.
func signEIP191(t *testing.T, priv *secp256k1.PrivateKey, message string) []byte {
	t.Helper()
	hash := eip191Hash(message)
	compact := ecdsa.SignCompact(priv, hash, false)
	recoveryID := compact[0] - compactSigRecoveryCodeUncompressed
	sig := make([]byte, 65)
	copy(sig[0:32], compact[1:33])
	copy(sig[32:64], compact[33:65])
	sig[64] = 27 + recoveryID
	return sig
}

func mustKey(t *testing.T) (*secp256k1.PrivateKey, string) {
	t.Helper()
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	priv := secp256k1.PrivKeyFromBytes(seed[:])
	addr := addressFromPublicKey(priv.PubKey())
	return priv, addr
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	priv, addr := mustKey(t)
	nonce, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}
	ts := time.Now().Unix()
	msg := CanonicalMessage(addr, nonce, ts)
	sig := signEIP191(t, priv, msg)

	if !Verify(addr, msg, sig) {
		t.Fatal("expected a correctly signed message to verify")
	}
}

func TestVerifyRejectsWrongAddress(t *testing.T) {
	priv, addr := mustKey(t)
	_, otherAddr := mustKey(t)
	nonce, _ := NewNonce()
	ts := time.Now().Unix()
	msg := CanonicalMessage(addr, nonce, ts)
	sig := signEIP191(t, priv, msg)

	if Verify(otherAddr, msg, sig) {
		t.Fatal("signature for addr must not verify against a different address")
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	priv, addr := mustKey(t)
	nonce, _ := NewNonce()
	ts := time.Now().Unix()
	msg := CanonicalMessage(addr, nonce, ts)
	sig := signEIP191(t, priv, msg)

	if Verify(addr, msg+"x", sig) {
		t.Fatal("signature must not verify once the signed message changes")
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	_, addr := mustKey(t)
	if Verify(addr, "whatever", []byte{1, 2, 3}) {
		t.Fatal("a short signature must be rejected, not panic")
	}
}

func TestVerifyRejectsMalformedAddress(t *testing.T) {
	if Verify("not-an-address", "whatever", make([]byte, 65)) {
		t.Fatal("a malformed address must be rejected")
	}
}

func TestIsWellFormedAddress(t *testing.T) {
	cases := map[string]bool{
		"0x" + strings.Repeat("a", 40): true,
		"0X" + strings.Repeat("A", 40): true,
		strings.Repeat("a", 40):        false,
		"0x" + strings.Repeat("a", 39): false,
		"0x" + strings.Repeat("z", 40): false,
		"":                             false,
	}
	for addr, want := range cases {
		if got := IsWellFormedAddress(addr); got != want {
			t.Errorf("IsWellFormedAddress(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestCanonicalizeAddressLowercases(t *testing.T) {
	addr := "0x" + strings.ToUpper(strings.Repeat("ab", 20))
	if got := CanonicalizeAddress(addr); got != strings.ToLower(addr) {
		t.Errorf("CanonicalizeAddress(%q) = %q", addr, got)
	}
}

func TestNewNonceIsUniqueAndHex(t *testing.T) {
	n1, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}
	n2, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}
	if n1 == n2 {
		t.Fatal("two consecutive nonces must not collide")
	}
	if _, err := hex.DecodeString(n1); err != nil {
		t.Fatalf("nonce is not valid hex: %v", err)
	}
	if len(n1) != 64 {
		t.Fatalf("expected 32 bytes hex-encoded (64 chars), got %d", len(n1))
	}
}

func TestVerifyAllAtomicFailure(t *testing.T) {
	priv1, addr1 := mustKey(t)
	_, addr2 := mustKey(t) // addr2's key is never used to sign: its entry is bogus.
	nonce, _ := NewNonce()
	ts := time.Now().Unix()

	goodSig := signEIP191(t, priv1, CanonicalMessage(addr1, nonce, ts))
	agents := []AgentAuth{
		{Address: addr1, Signature: "0x" + hex.EncodeToString(goodSig)},
		{Address: addr2, Signature: "0x" + hex.EncodeToString(make([]byte, 65))},
	}

	ok, results := VerifyAll(agents, nonce, ts)
	if ok {
		t.Fatal("batch with one invalid agent must fail atomically")
	}
	if len(results) != 2 {
		t.Fatalf("expected per-agent results for both agents, got %d", len(results))
	}
	if !results[0].OK {
		t.Error("addr1's individual result should still report OK")
	}
	if results[1].OK {
		t.Error("addr2's individual result should report failure")
	}
}

func TestVerifyAllSuccess(t *testing.T) {
	priv1, addr1 := mustKey(t)
	priv2, addr2 := mustKey(t)
	nonce, _ := NewNonce()
	ts := time.Now().Unix()

	sig1 := signEIP191(t, priv1, CanonicalMessage(addr1, nonce, ts))
	sig2 := signEIP191(t, priv2, CanonicalMessage(addr2, nonce, ts))
	agents := []AgentAuth{
		{Address: addr1, Signature: "0x" + hex.EncodeToString(sig1)},
		{Address: addr2, Signature: "0x" + hex.EncodeToString(sig2)},
	}

	ok, results := VerifyAll(agents, nonce, ts)
	if !ok {
		t.Fatal("batch of two validly signed agents must succeed")
	}
	for _, r := range results {
		if !r.OK {
			t.Errorf("agent %s expected OK", r.Address)
		}
	}
}

func TestVerifyAllEmptyBatchFails(t *testing.T) {
	ok, results := VerifyAll(nil, "nonce", time.Now().Unix())
	if ok {
		t.Fatal("an empty agent list must not count as a successful batch")
	}
	if len(results) != 0 {
		t.Fatalf("expected no results for an empty batch, got %d", len(results))
	}
}

func TestDecodeSignatureAcceptsWithAndWithoutPrefix(t *testing.T) {
	raw := make([]byte, 65)
	for i := range raw {
		raw[i] = byte(i)
	}
	hexed := hex.EncodeToString(raw)

	for _, s := range []string{hexed, "0x" + hexed, "0X" + hexed} {
		got, err := DecodeSignature(s)
		if err != nil {
			t.Fatalf("DecodeSignature(%q): %v", s, err)
		}
		if string(got) != string(raw) {
			t.Errorf("DecodeSignature(%q) mismatched decoded bytes", s)
		}
	}
}

func TestDecodeSignatureRejectsInvalidHex(t *testing.T) {
	if _, err := DecodeSignature("not-hex"); err == nil {
		t.Fatal("expected an error decoding non-hex signature")
	}
}
