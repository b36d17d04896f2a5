package kms

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-cluster-node/cryptoutils"
	"github.com/ruteri/tee-cluster-node/interfaces"
	"golang.org/x/crypto/hkdf"
)

var ErrShortMasterKey = errors.New("master key must be at least 32 bytes")

// SimpleKMS provides a deterministic key-management root.
// The root key and every application key are derived from a master key,
// so a restarted KMS signs with the same identities.
type SimpleKMS struct {
	masterKey []byte
	rootKey   *ecdsa.PrivateKey

	mu      sync.RWMutex
	appKeys map[interfaces.AppID]*ecdsa.PrivateKey
}

// NewSimpleKMS creates a new instance with the provided master key.
// The master key must be at least 32 bytes long.
func NewSimpleKMS(masterKey []byte) (*SimpleKMS, error) {
	if len(masterKey) < 32 {
		return nil, ErrShortMasterKey
	}

	rootKey, err := deriveSecp256k1(masterKey, nil, "kms-root")
	if err != nil {
		return nil, fmt.Errorf("failed to derive root key: %w", err)
	}

	return &SimpleKMS{
		masterKey: masterKey,
		rootKey:   rootKey,
		appKeys:   make(map[interfaces.AppID]*ecdsa.PrivateKey),
	}, nil
}

// RootAddress returns the address of the key-management root.
func (k *SimpleKMS) RootAddress() interfaces.Address {
	return cryptoutils.PubkeyToAddress(&k.rootKey.PublicKey)
}

// TrustAnchor returns the anchor verifiers should be configured with.
func (k *SimpleKMS) TrustAnchor() interfaces.TrustAnchor {
	return interfaces.TrustAnchor{RootAddress: k.RootAddress()}
}

// AppKey returns the application key for an app id, deriving it on first use.
func (k *SimpleKMS) AppKey(appID interfaces.AppID) (*ecdsa.PrivateKey, error) {
	k.mu.RLock()
	key, ok := k.appKeys[appID]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := deriveSecp256k1(k.masterKey, appID[:], "app")
	if err != nil {
		return nil, fmt.Errorf("failed to derive app key: %w", err)
	}

	k.mu.Lock()
	k.appKeys[appID] = key
	k.mu.Unlock()
	return key, nil
}

// SignAppKey counter-signs an application public key.
// Implements interfaces.KMSSigner.
func (k *SimpleKMS) SignAppKey(ctx context.Context, appID interfaces.AppID, appPublicKey []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	compressed, err := cryptoutils.CompressPubkey(appPublicKey)
	if err != nil {
		return nil, err
	}

	return cryptoutils.SignDigest(cryptoutils.KMSIssuedDigest(appID, compressed), k.rootKey)
}

// deriveSecp256k1 expands the secret with HKDF-SHA256 until the output is a
// valid secp256k1 scalar.
func deriveSecp256k1(secret []byte, salt []byte, info string) (*ecdsa.PrivateKey, error) {
	reader := hkdf.New(sha256.New, secret, salt, []byte(info))
	buf := make([]byte, 32)
	for i := 0; i < 16; i++ {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, err
		}
		if key, err := crypto.ToECDSA(buf); err == nil {
			return key, nil
		}
	}
	return nil, errors.New("no valid scalar in hkdf output")
}
