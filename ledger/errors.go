package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrNoTransactOpts is returned when a transaction is attempted without first setting transaction options.
var ErrNoTransactOpts = errors.New("no authorized transactor available")

// Kind sentinels, matched by errors.Is against a *CallError.
var (
	ErrTimeout    = errors.New("ledger call timed out")
	ErrRPC        = errors.New("ledger rpc failed")
	ErrReverted   = errors.New("ledger call reverted")
	ErrDecode     = errors.New("ledger response could not be decoded")
	ErrNoContract = errors.New("no contract at ledger address")
)

// CallError is the uniform failure result of every ledger call.
type CallError struct {
	Op   string
	Kind error
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel as well as the wrapped error.
func (e *CallError) Is(target error) bool {
	return e.Kind == target
}

// classify wraps err into a *CallError with the matching kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var kind error
	var dataErr rpc.DataError
	switch {
	case errors.Is(err, ErrNoTransactOpts):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = ErrTimeout
	case errors.Is(err, bind.ErrNoCode):
		kind = ErrNoContract
	case errors.As(err, &dataErr):
		kind = ErrReverted
	default:
		kind = ErrRPC
	}
	return &CallError{Op: op, Kind: kind, Err: err}
}
