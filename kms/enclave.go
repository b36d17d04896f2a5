package kms

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-cluster-node/cryptoutils"
	"github.com/ruteri/tee-cluster-node/interfaces"
)

// SimulatedEnclave stands in for the TEE key derivation service of one
// application instance. Derived keys depend on the app key, the path and the
// purpose, and every GetKey response carries the same signature chain the
// dstack guest agent returns.
type SimulatedEnclave struct {
	kms        *SimpleKMS
	rawAppID   []byte
	appID      interfaces.AppID
	appKey     *ecdsa.PrivateKey
	instanceID string
	appName    string
}

// Enclave returns a simulated enclave for rawAppID (at most 32 bytes).
func (k *SimpleKMS) Enclave(rawAppID []byte, instanceID string, appName string) (*SimulatedEnclave, error) {
	appID, err := interfaces.NewAppID(rawAppID)
	if err != nil {
		return nil, err
	}

	appKey, err := k.AppKey(appID)
	if err != nil {
		return nil, err
	}

	return &SimulatedEnclave{
		kms:        k,
		rawAppID:   append([]byte(nil), rawAppID...),
		appID:      appID,
		appKey:     appKey,
		instanceID: instanceID,
		appName:    appName,
	}, nil
}

// Info implements interfaces.KeyDerivationClient.
func (e *SimulatedEnclave) Info(ctx context.Context) (*interfaces.AppInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &interfaces.AppInfo{
		AppID:      append([]byte(nil), e.rawAppID...),
		InstanceID: e.instanceID,
		AppName:    e.appName,
	}, nil
}

// GetKey implements interfaces.KeyDerivationClient.
func (e *SimulatedEnclave) GetKey(ctx context.Context, path string, purpose string) (*interfaces.KeyMaterial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("invalid key path")
	}

	derived, err := deriveSecp256k1(crypto.FromECDSA(e.appKey), []byte(purpose), "derive:"+path)
	if err != nil {
		return nil, err
	}
	derivedPub := crypto.CompressPubkey(&derived.PublicKey)

	appSig, err := e.SignDigest(ctx, cryptoutils.DerivedKeyDigest(purpose, derivedPub))
	if err != nil {
		return nil, err
	}
	kmsSig, err := e.kms.SignAppKey(ctx, e.appID, e.AppPublicKey())
	if err != nil {
		return nil, err
	}

	return &interfaces.KeyMaterial{
		PrivateKey:     crypto.FromECDSA(derived),
		PublicKey:      derivedPub,
		Path:           path,
		Purpose:        purpose,
		SignatureChain: [][]byte{appSig, kmsSig},
	}, nil
}

// AppPublicKey implements interfaces.AppSigner.
func (e *SimulatedEnclave) AppPublicKey() []byte {
	return crypto.CompressPubkey(&e.appKey.PublicKey)
}

// SignDigest implements interfaces.AppSigner.
func (e *SimulatedEnclave) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return cryptoutils.SignDigest(digest, e.appKey)
}
