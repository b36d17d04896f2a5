// Package ledger provides an interface to interact with the on-chain cluster
// contract recording NFT-gated membership, leadership and votes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ruteri/tee-cluster-node/interfaces"
)

// DefaultCallTimeout bounds every ledger read and transaction submission.
const DefaultCallTimeout = 10 * time.Second

type balanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

var _ interfaces.LedgerGateway = (*ClusterClient)(nil)

// ClusterClient implements interfaces.LedgerGateway for a cluster contract
// deployed on an Ethereum-compatible chain.
type ClusterClient struct {
	contract *bind.BoundContract
	client   bind.ContractCaller
	address  common.Address
	auth     *bind.TransactOpts
	timeout  time.Duration
}

// NewClusterClient creates a new client for interacting with the cluster
// contract at the specified address. The backend is used for reads and, once
// SetTransactOpts is called, for signed transactions.
func NewClusterClient(backend bind.ContractBackend, address common.Address) (*ClusterClient, error) {
	return newClusterClient(backend, backend, address)
}

func newClusterClient(caller bind.ContractCaller, transactor bind.ContractTransactor, address common.Address) (*ClusterClient, error) {
	parsed, err := ParsedClusterABI()
	if err != nil {
		return nil, err
	}

	return &ClusterClient{
		contract: bind.NewBoundContract(address, parsed, caller, transactor, nil),
		client:   caller,
		address:  address,
		timeout:  DefaultCallTimeout,
	}, nil
}

// SetTransactOpts sets the transaction options required for functions that modify state.
// This must be called before using any methods that send transactions to the blockchain.
func (c *ClusterClient) SetTransactOpts(auth *bind.TransactOpts) {
	c.auth = auth
}

// SetCallTimeout overrides DefaultCallTimeout.
func (c *ClusterClient) SetCallTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// Address returns the cluster contract address.
func (c *ClusterClient) Address() interfaces.Address {
	return interfaces.Address(c.address)
}

// Account returns the transacting address, or the zero address when no
// transactor is configured.
func (c *ClusterClient) Account() interfaces.Address {
	if c.auth == nil {
		return interfaces.ZeroAddress
	}
	return interfaces.Address(c.auth.From)
}

func (c *ClusterClient) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, classify(method, err)
	}
	if len(out) == 0 {
		return nil, &CallError{Op: method, Kind: ErrDecode, Err: errors.New("empty result")}
	}
	return out, nil
}

func (c *ClusterClient) transact(ctx context.Context, method string, params ...interface{}) (*types.Transaction, error) {
	if c.auth == nil {
		return nil, ErrNoTransactOpts
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := *c.auth
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, method, params...)
	if err != nil {
		return nil, classify(method, err)
	}
	return tx, nil
}

func (c *ClusterClient) callUint(ctx context.Context, method string, params ...interface{}) (*big.Int, error) {
	out, err := c.call(ctx, method, params...)
	if err != nil {
		return nil, err
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, &CallError{Op: method, Kind: ErrDecode, Err: fmt.Errorf("unexpected type %T", out[0])}
	}
	return value, nil
}

// CurrentLeader returns the leader recorded by the contract, or the zero
// address while none is elected.
func (c *ClusterClient) CurrentLeader(ctx context.Context) (interfaces.Address, error) {
	out, err := c.call(ctx, "currentLeader")
	if err != nil {
		return interfaces.Address{}, err
	}
	leader := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	return interfaces.Address(leader), nil
}

// TotalActiveNodes returns the number of registered active nodes.
func (c *ClusterClient) TotalActiveNodes(ctx context.Context) (uint64, error) {
	total, err := c.callUint(ctx, "totalActiveNodes")
	if err != nil {
		return 0, err
	}
	return total.Uint64(), nil
}

// RequiredVotes returns the vote quorum needed to replace the leader.
func (c *ClusterClient) RequiredVotes(ctx context.Context) (uint64, error) {
	required, err := c.callUint(ctx, "requiredVotes")
	if err != nil {
		return 0, err
	}
	return required.Uint64(), nil
}

// GetActiveInstances returns the ids of all active instances.
func (c *ClusterClient) GetActiveInstances(ctx context.Context) ([][32]byte, error) {
	out, err := c.call(ctx, "getActiveInstances")
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([][32]byte)).(*[][32]byte), nil
}

// WalletToTokenID returns the membership NFT bound to a wallet (zero if none).
func (c *ClusterClient) WalletToTokenID(ctx context.Context, wallet interfaces.Address) (*big.Int, error) {
	return c.callUint(ctx, "walletToTokenId", common.Address(wallet))
}

// Balance returns the native balance of an account at the latest block.
func (c *ClusterClient) Balance(ctx context.Context, account interfaces.Address) (*big.Int, error) {
	reader, ok := c.client.(balanceReader)
	if !ok {
		return nil, &CallError{Op: "balance", Kind: ErrRPC, Err: errors.ErrUnsupported}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	balance, err := reader.BalanceAt(ctx, common.Address(account), nil)
	if err != nil {
		return nil, classify("balance", err)
	}
	return balance, nil
}

// CastVote submits a confidence or no-confidence vote about a leader.
// Returns the transaction and an error if the transaction could not be sent.
func (c *ClusterClient) CastVote(ctx context.Context, vote interfaces.VoteIntent) (*types.Transaction, error) {
	return c.transact(ctx, "castVote", common.Address(vote.TargetLeader), vote.NoConfidence)
}

// RegisterInstance registers an instance id under an NFT token.
func (c *ClusterClient) RegisterInstance(ctx context.Context, instanceID [32]byte, tokenID *big.Int) (*types.Transaction, error) {
	return c.transact(ctx, "registerInstance", instanceID, tokenID)
}

// RegisterInstanceWithProof registers an instance together with its identity proof.
func (c *ClusterClient) RegisterInstanceWithProof(ctx context.Context, instanceID [32]byte, tokenID *big.Int, p *interfaces.IdentityProof) (*types.Transaction, error) {
	return c.transact(ctx, "registerInstanceWithProof",
		instanceID,
		tokenID,
		[]byte(p.DerivedPublicKey),
		[]byte(p.AppPublicKey),
		[]byte(p.AppSignature),
		[]byte(p.KmsSignature),
		p.Purpose,
		[32]byte(p.AppID),
	)
}

// ElectLeader asks the contract to run leader election.
func (c *ClusterClient) ElectLeader(ctx context.Context) (*types.Transaction, error) {
	return c.transact(ctx, "electLeader")
}

// UpdateClusterSize asks the contract to recount active nodes.
func (c *ClusterClient) UpdateClusterSize(ctx context.Context) (*types.Transaction, error) {
	return c.transact(ctx, "updateClusterSize")
}
