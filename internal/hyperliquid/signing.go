package hyperliquid

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"
)

// Signer signs exchange actions with the phantom-agent scheme: the msgpack
// encoding of the action, the nonce, and the vault marker are hashed into a
// connectionId, and the wallet signs an EIP-712 Agent struct carrying that
// hash. The venue recovers the signer address from the signature.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	source  string
}

// NewSigner parses a hex private key. The agent source is "a" on mainnet
// and "b" on testnet; signatures are not portable between the two.
func NewSigner(privateKeyHex string, testnet bool) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	source := "a"
	if testnet {
		source = "b"
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		source:  source,
	}, nil
}

// Address returns the wallet address derived from the private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// ActionHash computes the connectionId: keccak256 of the msgpack-encoded
// action, the nonce as 8 big-endian bytes, and 0x00 (or 0x01 plus the vault
// address when trading a vault).
func ActionHash(action interface{}, vaultAddress *string, nonce uint64) (common.Hash, error) {
	data, err := msgpack.Marshal(action)
	if err != nil {
		return common.Hash{}, fmt.Errorf("msgpack action: %w", err)
	}
	nonceBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(nonceBytes, nonce)
	data = append(data, nonceBytes...)
	if vaultAddress == nil {
		data = append(data, 0x00)
	} else {
		data = append(data, 0x01)
		data = append(data, common.HexToAddress(*vaultAddress).Bytes()...)
	}
	return crypto.Keccak256Hash(data), nil
}

// SignL1Action signs an action for the /exchange endpoint.
func (s *Signer) SignL1Action(action interface{}, vaultAddress *string, nonce uint64) (RSV, error) {
	hash, err := ActionHash(action, vaultAddress, nonce)
	if err != nil {
		return RSV{}, err
	}
	digest, err := s.l1Digest(hash)
	if err != nil {
		return RSV{}, err
	}
	return s.signDigest(digest)
}

// l1Digest builds the EIP-712 digest for a connectionId. The domain is
// fixed by the venue: name "Exchange", chainId 1337, zero contract.
func (s *Signer) l1Digest(connectionID common.Hash) ([]byte, error) {
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           ethmath.NewHexOrDecimal256(1337),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"source":       s.source,
			"connectionId": connectionID.Hex(),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}
	return digest, nil
}

func (s *Signer) signDigest(digest []byte) (RSV, error) {
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return RSV{}, fmt.Errorf("sign digest: %w", err)
	}
	return RSV{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}
