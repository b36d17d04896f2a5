package interfaces

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// KeyDerivationClient derives deterministic keys inside the TEE.
type KeyDerivationClient interface {
	// GetKey derives the key pair for (path, purpose).
	GetKey(ctx context.Context, path string, purpose string) (*KeyMaterial, error)

	// Info returns the enclave application id and instance id.
	Info(ctx context.Context) (*AppInfo, error)
}

// AppSigner signs with the enclave application key. The key is shared by all
// instances of the same application and is loaded once at startup.
type AppSigner interface {
	// AppPublicKey returns the compressed application public key.
	AppPublicKey() []byte

	// SignDigest returns a 65-byte recoverable signature over a 32-byte digest.
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
}

// KMSSigner counter-signs application keys on behalf of the key-management root.
type KMSSigner interface {
	// SignAppKey returns a 65-byte recoverable signature over
	// keccak256("dstack-kms-issued:" || appID || appPublicKey).
	SignAppKey(ctx context.Context, appID AppID, appPublicKey []byte) ([]byte, error)
}

// LedgerReader covers the read-only cluster contract calls.
type LedgerReader interface {
	CurrentLeader(ctx context.Context) (Address, error)
	TotalActiveNodes(ctx context.Context) (uint64, error)
	RequiredVotes(ctx context.Context) (uint64, error)
	GetActiveInstances(ctx context.Context) ([][32]byte, error)
	WalletToTokenID(ctx context.Context, wallet Address) (*big.Int, error)
	Balance(ctx context.Context, account Address) (*big.Int, error)
}

// LedgerGateway is the node's view of the cluster contract. Every write is a
// signed transaction from the node's own account.
type LedgerGateway interface {
	LedgerReader

	// CastVote submits a confidence (NoConfidence=false) or no-confidence vote.
	CastVote(ctx context.Context, vote VoteIntent) (*types.Transaction, error)

	// RegisterInstance registers an instance id under an NFT token.
	RegisterInstance(ctx context.Context, instanceID [32]byte, tokenID *big.Int) (*types.Transaction, error)

	// RegisterInstanceWithProof registers an instance carrying its identity proof.
	RegisterInstanceWithProof(ctx context.Context, instanceID [32]byte, tokenID *big.Int, proof *IdentityProof) (*types.Transaction, error)

	// ElectLeader asks the contract to run leader election.
	ElectLeader(ctx context.Context) (*types.Transaction, error)

	// UpdateClusterSize asks the contract to recount active nodes.
	UpdateClusterSize(ctx context.Context) (*types.Transaction, error)

	// Account returns the address transactions are sent from.
	Account() Address
}
