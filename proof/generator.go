package proof

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-cluster-node/cryptoutils"
	"github.com/ruteri/tee-cluster-node/interfaces"
)

// Generator builds identity proofs for one enclave application.
//
// The app signature and the KMS counter-signature come from the configured
// AppSigner and KMSSigner. When a signer is not configured the generator
// falls back to the signature chain returned alongside the key material,
// which is how the dstack guest agent delivers both signatures.
type Generator struct {
	keys       interfaces.KeyDerivationClient
	appSigner  interfaces.AppSigner
	kmsSigner  interfaces.KMSSigner
	instanceID string
	appID      interfaces.AppID
	log        *slog.Logger
}

// NewGenerator queries the key service once for the application identity.
// Failure here is initialization-fatal for the caller.
func NewGenerator(ctx context.Context, keys interfaces.KeyDerivationClient, appSigner interfaces.AppSigner, kmsSigner interfaces.KMSSigner, log *slog.Logger) (*Generator, error) {
	info, err := keys.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyServiceUnavailable, err)
	}

	appID, err := interfaces.NewAppID(info.AppID)
	if err != nil {
		return nil, err
	}

	return &Generator{
		keys:       keys,
		appSigner:  appSigner,
		kmsSigner:  kmsSigner,
		instanceID: info.InstanceID,
		appID:      appID,
		log:        log,
	}, nil
}

// InstanceID returns the instance id reported by the key service.
func (g *Generator) InstanceID() string {
	return g.instanceID
}

// AppID returns the padded application id.
func (g *Generator) AppID() interfaces.AppID {
	return g.appID
}

// GenerateProof derives the key for (keyPath, purpose) and assembles the full
// signature chain. No partial proof is ever returned and nothing is retried.
func (g *Generator) GenerateProof(ctx context.Context, keyPath string, purpose string) (*interfaces.IdentityProof, error) {
	if keyPath == "" {
		return nil, fmt.Errorf("%w: empty key path", ErrMalformedProof)
	}

	km, err := g.keys.GetKey(ctx, keyPath, purpose)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyServiceUnavailable, err)
	}
	defer km.Zero()

	derivedPub, err := cryptoutils.CompressPubkey(km.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: derived key: %v", ErrKeyServiceUnavailable, err)
	}

	derivedDigest := cryptoutils.DerivedKeyDigest(purpose, derivedPub)

	appSig, appPub, err := g.signDerivedKey(ctx, derivedDigest, km)
	if err != nil {
		return nil, err
	}

	kmsSig, err := g.signAppKey(ctx, appPub, km)
	if err != nil {
		return nil, err
	}

	g.log.Debug("identity proof generated", "instanceId", g.instanceID, "keyPath", keyPath, "purpose", purpose)

	return &interfaces.IdentityProof{
		InstanceID:       g.instanceID,
		DerivedPublicKey: derivedPub,
		AppPublicKey:     appPub,
		AppSignature:     appSig,
		KmsSignature:     kmsSig,
		Purpose:          purpose,
		AppID:            g.appID,
	}, nil
}

func (g *Generator) signDerivedKey(ctx context.Context, digest []byte, km *interfaces.KeyMaterial) ([]byte, []byte, error) {
	if g.appSigner != nil {
		sig, err := g.appSigner.SignDigest(ctx, digest)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: app signature: %v", ErrSigningFailed, err)
		}
		return sig, g.appSigner.AppPublicKey(), nil
	}

	if len(km.SignatureChain) < 2 {
		return nil, nil, fmt.Errorf("%w: no app signer and no signature chain", ErrSigningFailed)
	}

	sig := km.SignatureChain[0]
	appPub, err := cryptoutils.RecoverCompressed(digest, sig)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: signature chain app signature: %v", ErrSigningFailed, err)
	}
	return sig, appPub, nil
}

func (g *Generator) signAppKey(ctx context.Context, appPub []byte, km *interfaces.KeyMaterial) ([]byte, error) {
	if g.kmsSigner != nil {
		sig, err := g.kmsSigner.SignAppKey(ctx, g.appID, appPub)
		if err != nil {
			return nil, fmt.Errorf("%w: kms signature: %v", ErrSigningFailed, err)
		}
		return sig, nil
	}

	if len(km.SignatureChain) < 2 {
		return nil, fmt.Errorf("%w: no kms signer and no signature chain", ErrSigningFailed)
	}
	return km.SignatureChain[1], nil
}
