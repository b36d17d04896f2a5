package proof

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-cluster-node/cryptoutils"
	"github.com/ruteri/tee-cluster-node/interfaces"
)

// RecoveredChain holds the identities recovered from a proof's signatures.
type RecoveredChain struct {
	AppPublicKey []byte
	AppAddress   interfaces.Address
	KMSSigner    interfaces.Address
}

// Recover re-derives both preimages from the proof fields and recovers the
// application key and the KMS signer. It performs no trust decision.
func Recover(p *interfaces.IdentityProof) (*RecoveredChain, error) {
	if p == nil {
		return nil, ErrMalformedProof
	}

	derivedDigest := cryptoutils.DerivedKeyDigest(p.Purpose, p.DerivedPublicKey)
	appPubKey, err := cryptoutils.RecoverPubkey(derivedDigest, p.AppSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAppSignatureInvalid, err)
	}
	chain := &RecoveredChain{
		AppPublicKey: crypto.CompressPubkey(appPubKey),
		AppAddress:   cryptoutils.PubkeyToAddress(appPubKey),
	}

	if len(p.AppPublicKey) != 0 {
		claimed, err := cryptoutils.CompressPubkey(p.AppPublicKey)
		if err != nil || !bytes.Equal(claimed, chain.AppPublicKey) {
			return nil, ErrAppKeyMismatch
		}
	}

	kmsDigest := cryptoutils.KMSIssuedDigest(p.AppID, chain.AppPublicKey)
	chain.KMSSigner, err = cryptoutils.RecoverAddress(kmsDigest, p.KmsSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKmsSignatureInvalid, err)
	}

	return chain, nil
}

// Verify accepts the proof only if the recovered KMS signer is the trust
// anchor's root address. It returns nil on success and a typed error otherwise.
func Verify(p *interfaces.IdentityProof, anchor interfaces.TrustAnchor) error {
	chain, err := Recover(p)
	if err != nil {
		return err
	}

	if chain.KMSSigner != anchor.RootAddress {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrRootMismatch, chain.KMSSigner, anchor.RootAddress)
	}
	return nil
}

// IsValid is the boolean form of Verify.
func IsValid(p *interfaces.IdentityProof, anchor interfaces.TrustAnchor) bool {
	return Verify(p, anchor) == nil
}
