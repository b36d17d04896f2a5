package proof

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-cluster-node/interfaces"
)

// Registration is what an NFT owner needs to register this instance.
type Registration struct {
	Ready        bool                      `json:"ready"`
	NeedsFunding bool                      `json:"needs_funding"`
	Address      interfaces.Address        `json:"address"`
	Balance      *big.Int                  `json:"balance"`
	InstanceID   interfaces.HexBytes       `json:"instance_id"`
	Proof        *interfaces.IdentityProof `json:"proof"`
}

// InstanceIDBytes32 maps an instance id string to the contract's bytes32 id.
func InstanceIDBytes32(instanceID string) [32]byte {
	return sha256.Sum256([]byte(instanceID))
}

// PrepareRegistration generates and locally verifies a proof for the
// instance key, then checks whether the instance account can pay for gas.
// The instance account is the address of the derived key.
func PrepareRegistration(ctx context.Context, gen *Generator, ledger interfaces.LedgerReader, anchor interfaces.TrustAnchor, keyPath, purpose string, log *slog.Logger) (*Registration, error) {
	p, err := gen.GenerateProof(ctx, keyPath, purpose)
	if err != nil {
		return nil, err
	}

	if err := Verify(p, anchor); err != nil {
		return nil, fmt.Errorf("generated proof does not verify: %w", err)
	}

	derivedPub, err := crypto.DecompressPubkey(p.DerivedPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	account := interfaces.Address(crypto.PubkeyToAddress(*derivedPub))

	balance, err := ledger.Balance(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("could not read instance balance: %w", err)
	}

	instanceID := InstanceIDBytes32(gen.InstanceID())
	reg := &Registration{
		Ready:        balance.Sign() > 0,
		NeedsFunding: balance.Sign() == 0,
		Address:      account,
		Balance:      balance,
		InstanceID:   instanceID[:],
		Proof:        p,
	}

	log.Info("instance prepared for registration",
		"address", account,
		"instanceId", reg.InstanceID,
		"appId", p.AppID,
		"purpose", p.Purpose,
		"needsFunding", reg.NeedsFunding,
	)
	return reg, nil
}
