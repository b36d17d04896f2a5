package cryptoutils

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-cluster-node/interfaces"
)

// KMSIssuedPrefix starts every KMS counter-signature preimage.
const KMSIssuedPrefix = "dstack-kms-issued:"

// SignatureLength is the length of a recoverable secp256k1 signature (r || s || v).
const SignatureLength = 65

var (
	ErrInvalidSignatureLength = errors.New("signature must be 65 bytes")
	ErrInvalidRecoveryID      = errors.New("invalid signature recovery id")
	ErrInvalidPublicKey       = errors.New("invalid secp256k1 public key")
)

// DerivedKeyMessage returns purpose || ":" || lowerhex(derivedPublicKey).
// The public key is hex-encoded without a 0x prefix.
func DerivedKeyMessage(purpose string, derivedPublicKey []byte) []byte {
	return []byte(purpose + ":" + hex.EncodeToString(derivedPublicKey))
}

// KMSIssuedMessage returns "dstack-kms-issued:" || appID(32 bytes) || appPublicKey.
func KMSIssuedMessage(appID interfaces.AppID, appPublicKey []byte) []byte {
	msg := make([]byte, 0, len(KMSIssuedPrefix)+interfaces.AppIDLength+len(appPublicKey))
	msg = append(msg, KMSIssuedPrefix...)
	msg = append(msg, appID[:]...)
	msg = append(msg, appPublicKey...)
	return msg
}

// DerivedKeyDigest is keccak256 of DerivedKeyMessage.
func DerivedKeyDigest(purpose string, derivedPublicKey []byte) []byte {
	return crypto.Keccak256(DerivedKeyMessage(purpose, derivedPublicKey))
}

// KMSIssuedDigest is keccak256 of KMSIssuedMessage.
func KMSIssuedDigest(appID interfaces.AppID, appPublicKey []byte) []byte {
	return crypto.Keccak256(KMSIssuedMessage(appID, appPublicKey))
}

// ParseAppID decodes a hex application id (optional 0x prefix) and pads it
// on the right to 32 bytes.
func ParseAppID(appID string) (interfaces.AppID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(appID, "0x"))
	if err != nil {
		return interfaces.AppID{}, fmt.Errorf("invalid app id hex: %w", err)
	}
	return interfaces.NewAppID(raw)
}

// CompressPubkey accepts a 33-byte compressed, 65-byte uncompressed or
// 64-byte raw (x || y) secp256k1 public key and returns the compressed form.
func CompressPubkey(pub []byte) ([]byte, error) {
	switch len(pub) {
	case 33:
		if _, err := crypto.DecompressPubkey(pub); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return pub, nil
	case 64:
		pub = append([]byte{0x04}, pub...)
		fallthrough
	case 65:
		key, err := crypto.UnmarshalPubkey(pub)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return crypto.CompressPubkey(key), nil
	default:
		return nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidPublicKey, len(pub))
	}
}

// PubkeyToAddress returns the ledger address of a public key.
func PubkeyToAddress(pub *ecdsa.PublicKey) interfaces.Address {
	return interfaces.Address(crypto.PubkeyToAddress(*pub))
}

// SignDigest signs a 32-byte digest; v is 0 or 1.
func SignDigest(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.Sign(digest, key)
}

// normalizeSignature returns a copy of sig with v in {0, 1}.
// Both raw (0/1) and Ethereum-style (27/28) recovery ids are accepted.
func normalizeSignature(sig []byte) ([]byte, error) {
	if len(sig) != SignatureLength {
		return nil, ErrInvalidSignatureLength
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)

	switch v := normalized[64]; v {
	case 0, 1:
	case 27, 28:
		normalized[64] = v - 27
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidRecoveryID, v)
	}
	return normalized, nil
}

// RecoverPubkey recovers the signer public key of a signature over digest.
func RecoverPubkey(digest []byte, sig []byte) (*ecdsa.PublicKey, error) {
	normalized, err := normalizeSignature(sig)
	if err != nil {
		return nil, err
	}
	return crypto.SigToPub(digest, normalized)
}

// RecoverCompressed recovers the compressed signer public key.
func RecoverCompressed(digest []byte, sig []byte) ([]byte, error) {
	pub, err := RecoverPubkey(digest, sig)
	if err != nil {
		return nil, err
	}
	return crypto.CompressPubkey(pub), nil
}

// RecoverAddress recovers the signer address.
func RecoverAddress(digest []byte, sig []byte) (interfaces.Address, error) {
	pub, err := RecoverPubkey(digest, sig)
	if err != nil {
		return interfaces.Address{}, err
	}
	return PubkeyToAddress(pub), nil
}
