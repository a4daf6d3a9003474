package transport

import (
	"context"
	"errors"

	"github.com/example/stateless-rollup/internal/rollup"
)

// ErrRemoteSubmit rejects block submission through the wallet channel; only
// the aggregator talks to the ledger oracle directly.
var ErrRemoteSubmit = errors.New("transport: block submission is not available over the channel")

// RemoteOracle is a rollup.Oracle that queries observed state through the
// aggregator's channel. Wallets use it instead of opening the oracle database
// themselves, which would contend with the aggregator's exclusive handle.
type RemoteOracle struct {
	ch Channel
}

// NewRemoteOracle wraps a connected channel.
func NewRemoteOracle(ch Channel) *RemoteOracle {
	return &RemoteOracle{ch: ch}
}

// QueryState requests a state snapshot from the aggregator.
func (o *RemoteOracle) QueryState(ctx context.Context) (rollup.StateView, error) {
	env, err := NewEnvelope(KindQueryState, nil)
	if err != nil {
		return rollup.StateView{}, err
	}

	resp, err := o.ch.Request(ctx, env)
	if err != nil {
		return rollup.StateView{}, err
	}

	var view rollup.StateView
	if err := resp.Decode(&view); err != nil {
		return rollup.StateView{}, err
	}
	return view, nil
}

// SubmitBlock always fails; blocks reach the ledger through the aggregator.
func (o *RemoteOracle) SubmitBlock(ctx context.Context, block rollup.TransferBlock) (rollup.Receipt, error) {
	return rollup.Receipt{}, ErrRemoteSubmit
}
