package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AddressLength is the byte length of ledger account addresses.
const AddressLength = 20

// AppIDLength is the fixed length of the application id inside KMS preimages.
const AppIDLength = 32

// Address represents a 20-byte ledger account address.
type Address [AddressLength]byte

// ZeroAddress is reported by the ledger while no leader is elected.
var ZeroAddress Address

// NewAddressFromBytes creates an address from a 20-byte slice.
func NewAddressFromBytes(addr []byte) (Address, error) {
	if len(addr) != AddressLength {
		return Address{}, errors.New("invalid address length: must be 20 bytes")
	}

	var res Address
	copy(res[:], addr)
	return res, nil
}

// NewAddressFromHex parses a 40-character hex address, with or without 0x prefix.
// Hex digits are accepted in any case.
func NewAddressFromHex(addr string) (Address, error) {
	clean := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if len(clean) != 40 {
		return Address{}, errors.New("invalid address length: hex string must be 40 characters")
	}

	addrBytes, err := hex.DecodeString(clean)
	if err != nil {
		return Address{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewAddressFromBytes(addrBytes)
}

// String returns the 0x-prefixed lowercase hex representation.
func (addr Address) String() string {
	return "0x" + hex.EncodeToString(addr[:])
}

// Bytes returns the raw 20-byte address.
func (addr Address) Bytes() []byte {
	return addr[:]
}

// IsZero reports whether the address is the null address.
func (addr Address) IsZero() bool {
	return addr == ZeroAddress
}

// KeyMaterial is a derived key pair returned by the key derivation service.
// It is owned by the requester and never persisted.
type KeyMaterial struct {
	PrivateKey []byte // 32 bytes
	PublicKey  []byte // compressed secp256k1 point
	Path       string
	Purpose    string

	// SignatureChain holds [appSignature, kmsSignature] when the derivation
	// service signs derived keys itself (dstack guest agent). Empty otherwise.
	SignatureChain [][]byte
}

// Zero wipes the private key in place.
func (km *KeyMaterial) Zero() {
	for i := range km.PrivateKey {
		km.PrivateKey[i] = 0
	}
}

// AppInfo is the enclave application metadata reported by the key derivation service.
type AppInfo struct {
	AppID      []byte
	InstanceID string
	AppName    string
}

// IdentityProof binds a derived key to an enclave application key and the
// application key to the key-management root. Immutable after creation.
type IdentityProof struct {
	InstanceID       string   `json:"instance_id"`
	DerivedPublicKey HexBytes `json:"derived_public_key"`
	AppPublicKey     HexBytes `json:"app_public_key"`
	AppSignature     HexBytes `json:"app_signature"`
	KmsSignature     HexBytes `json:"kms_signature"`
	Purpose          string   `json:"purpose"`
	AppID            AppID    `json:"app_id"`
}

// AppID is the enclave application id as it appears in KMS preimages:
// exactly 32 bytes, zero-padded on the right.
type AppID [AppIDLength]byte

// NewAppID right-pads a raw application id with zero bytes.
// Ids longer than 32 bytes are rejected.
func NewAppID(raw []byte) (AppID, error) {
	var id AppID
	if len(raw) > AppIDLength {
		return id, fmt.Errorf("app id is %d bytes, at most %d allowed", len(raw), AppIDLength)
	}
	copy(id[:], raw)
	return id, nil
}

func (id AppID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id AppID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *AppID) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("invalid app id: %w", err)
	}
	parsed, err := NewAppID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// TrustAnchor is the expected key-management root identity.
type TrustAnchor struct {
	RootAddress Address
}

// LeaderState is the node's snapshot of ledger-recorded leadership.
// A new value is published once per monitoring tick; it is never mutated in place.
type LeaderState struct {
	CurrentLeaderAddress Address
	IsLocalLeader        bool
	LastHeartbeatTime    time.Time
}

// VoteIntent is a transient vote about the current leader.
type VoteIntent struct {
	TargetLeader Address
	NoConfidence bool
}

// HexBytes is a byte slice that encodes to JSON as 0x-prefixed hex.
type HexBytes []byte

// String returns the 0x-prefixed hex encoding.
func (b HexBytes) String() string {
	return "0x" + hex.EncodeToString(b)
}

func (b HexBytes) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *HexBytes) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("invalid hex bytes: %w", err)
	}
	*b = decoded
	return nil
}

// MarshalText encodes the address as 0x-prefixed hex.
func (addr Address) MarshalText() ([]byte, error) {
	return []byte(addr.String()), nil
}

func (addr *Address) UnmarshalText(text []byte) error {
	parsed, err := NewAddressFromHex(string(text))
	if err != nil {
		return err
	}
	*addr = parsed
	return nil
}
