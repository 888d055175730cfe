package hyperliquid

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const testPrivateKey = "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func testOrderAction() OrderAction {
	return OrderAction{
		Type: "order",
		Orders: []OrderWire{{
			Asset:      0,
			IsBuy:      true,
			LimitPx:    "27123",
			Sz:         "0.01",
			ReduceOnly: false,
			OrderType:  OrderTypeWire{Limit: &LimitType{Tif: "Ioc"}},
		}},
		Grouping: "na",
	}
}

func TestActionHashDeterministic(t *testing.T) {
	action := testOrderAction()
	h1, err := ActionHash(action, nil, 1700000000000)
	if err != nil {
		t.Fatalf("ActionHash failed: %v", err)
	}
	h2, err := ActionHash(action, nil, 1700000000000)
	if err != nil {
		t.Fatalf("ActionHash failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("Expected identical hashes for identical inputs, got %s and %s", h1.Hex(), h2.Hex())
	}
}

func TestActionHashVariesWithNonceAndVault(t *testing.T) {
	action := testOrderAction()
	base, err := ActionHash(action, nil, 1700000000000)
	if err != nil {
		t.Fatalf("ActionHash failed: %v", err)
	}

	bumped, err := ActionHash(action, nil, 1700000000001)
	if err != nil {
		t.Fatalf("ActionHash failed: %v", err)
	}
	if base == bumped {
		t.Error("Expected nonce change to change the action hash")
	}

	vault := "0x1111111111111111111111111111111111111111"
	withVault, err := ActionHash(action, &vault, 1700000000000)
	if err != nil {
		t.Fatalf("ActionHash failed: %v", err)
	}
	if base == withVault {
		t.Error("Expected vault address to change the action hash")
	}
}

func TestSignL1ActionWellFormed(t *testing.T) {
	signer, err := NewSigner(testPrivateKey, false)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	sig, err := signer.SignL1Action(testOrderAction(), nil, 1700000000000)
	if err != nil {
		t.Fatalf("SignL1Action failed: %v", err)
	}

	if !strings.HasPrefix(sig.R, "0x") || len(sig.R) != 66 {
		t.Errorf("Expected R as 0x-prefixed 32-byte hex, got %q", sig.R)
	}
	if !strings.HasPrefix(sig.S, "0x") || len(sig.S) != 66 {
		t.Errorf("Expected S as 0x-prefixed 32-byte hex, got %q", sig.S)
	}
	if sig.V != 27 && sig.V != 28 {
		t.Errorf("Expected V in {27, 28}, got %d", sig.V)
	}
}

func TestSignL1ActionDeterministic(t *testing.T) {
	signer, err := NewSigner(testPrivateKey, false)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	action := testOrderAction()
	first, err := signer.SignL1Action(action, nil, 1700000000000)
	if err != nil {
		t.Fatalf("SignL1Action failed: %v", err)
	}
	second, err := signer.SignL1Action(action, nil, 1700000000000)
	if err != nil {
		t.Fatalf("SignL1Action failed: %v", err)
	}
	if first != second {
		t.Errorf("Expected identical signatures for identical payloads, got %+v and %+v", first, second)
	}
}

func TestSignL1ActionRecoversSignerAddress(t *testing.T) {
	signer, err := NewSigner(testPrivateKey, false)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	action := testOrderAction()
	nonce := uint64(1700000000000)
	sig, err := signer.SignL1Action(action, nil, nonce)
	if err != nil {
		t.Fatalf("SignL1Action failed: %v", err)
	}

	connectionID, err := ActionHash(action, nil, nonce)
	if err != nil {
		t.Fatalf("ActionHash failed: %v", err)
	}
	digest, err := signer.l1Digest(connectionID)
	if err != nil {
		t.Fatalf("l1Digest failed: %v", err)
	}

	raw := make([]byte, 65)
	copy(raw[:32], hexutil.MustDecode(sig.R))
	copy(raw[32:64], hexutil.MustDecode(sig.S))
	raw[64] = sig.V - 27

	pub, err := crypto.Ecrecover(digest, raw)
	if err != nil {
		t.Fatalf("Ecrecover failed: %v", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pub)
	if err != nil {
		t.Fatalf("UnmarshalPubkey failed: %v", err)
	}
	recovered := crypto.PubkeyToAddress(*pubKey)
	if recovered != signer.Address() {
		t.Errorf("Expected recovered address %s, got %s", signer.Address().Hex(), recovered.Hex())
	}
}

func TestSignL1ActionTestnetDiffersFromMainnet(t *testing.T) {
	mainnet, err := NewSigner(testPrivateKey, false)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	testnet, err := NewSigner(testPrivateKey, true)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	action := testOrderAction()
	sigMain, err := mainnet.SignL1Action(action, nil, 1700000000000)
	if err != nil {
		t.Fatalf("SignL1Action failed: %v", err)
	}
	sigTest, err := testnet.SignL1Action(action, nil, 1700000000000)
	if err != nil {
		t.Fatalf("SignL1Action failed: %v", err)
	}
	if sigMain == sigTest {
		t.Error("Expected testnet signature to differ from mainnet for the same action")
	}
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	if _, err := NewSigner("not-a-key", false); err == nil {
		t.Error("Expected error for malformed private key, got nil")
	}
}
