package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ruteri/tee-cluster-node/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockGateway mocks the interfaces.LedgerGateway interface
type MockGateway struct {
	mock.Mock
}

// CurrentLeader mocks the CurrentLeader method
func (m *MockGateway) CurrentLeader(ctx context.Context) (interfaces.Address, error) {
	args := m.Called(ctx)
	return args.Get(0).(interfaces.Address), args.Error(1)
}

// TotalActiveNodes mocks the TotalActiveNodes method
func (m *MockGateway) TotalActiveNodes(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

// RequiredVotes mocks the RequiredVotes method
func (m *MockGateway) RequiredVotes(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

// GetActiveInstances mocks the GetActiveInstances method
func (m *MockGateway) GetActiveInstances(ctx context.Context) ([][32]byte, error) {
	args := m.Called(ctx)
	return args.Get(0).([][32]byte), args.Error(1)
}

// WalletToTokenID mocks the WalletToTokenID method
func (m *MockGateway) WalletToTokenID(ctx context.Context, wallet interfaces.Address) (*big.Int, error) {
	args := m.Called(ctx, wallet)
	return args.Get(0).(*big.Int), args.Error(1)
}

// Balance mocks the Balance method
func (m *MockGateway) Balance(ctx context.Context, account interfaces.Address) (*big.Int, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(*big.Int), args.Error(1)
}

// CastVote mocks the CastVote method
func (m *MockGateway) CastVote(ctx context.Context, vote interfaces.VoteIntent) (*types.Transaction, error) {
	args := m.Called(ctx, vote)
	return args.Get(0).(*types.Transaction), args.Error(1)
}

// RegisterInstance mocks the RegisterInstance method
func (m *MockGateway) RegisterInstance(ctx context.Context, instanceID [32]byte, tokenID *big.Int) (*types.Transaction, error) {
	args := m.Called(ctx, instanceID, tokenID)
	return args.Get(0).(*types.Transaction), args.Error(1)
}

// RegisterInstanceWithProof mocks the RegisterInstanceWithProof method
func (m *MockGateway) RegisterInstanceWithProof(ctx context.Context, instanceID [32]byte, tokenID *big.Int, p *interfaces.IdentityProof) (*types.Transaction, error) {
	args := m.Called(ctx, instanceID, tokenID, p)
	return args.Get(0).(*types.Transaction), args.Error(1)
}

// ElectLeader mocks the ElectLeader method
func (m *MockGateway) ElectLeader(ctx context.Context) (*types.Transaction, error) {
	args := m.Called(ctx)
	return args.Get(0).(*types.Transaction), args.Error(1)
}

// UpdateClusterSize mocks the UpdateClusterSize method
func (m *MockGateway) UpdateClusterSize(ctx context.Context) (*types.Transaction, error) {
	args := m.Called(ctx)
	return args.Get(0).(*types.Transaction), args.Error(1)
}

// Account mocks the Account method
func (m *MockGateway) Account() interfaces.Address {
	args := m.Called()
	return args.Get(0).(interfaces.Address)
}
