package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/stateless-rollup/internal/merge"
	"github.com/example/stateless-rollup/internal/rollup"
	"github.com/example/stateless-rollup/internal/transport"
)

// SubmitPending drives the full sender-side round over the channel: produce
// the batch, request admission, collect the inclusion proof, sign the root,
// and offer merge proposals to every receiver.
//
// A busy aggregator surfaces as transport.ErrBusy with the batch released
// for a later retry; admission is never silently dropped.
func (w *Wallet) SubmitPending(ctx context.Context, ch transport.Channel) error {
	batch, err := w.ProduceBatch()
	if err != nil {
		return err
	}

	env, err := transport.NewEnvelope(transport.KindAppendTransfer, batch)
	if err != nil {
		w.AbandonBatch()
		return err
	}
	resp, err := ch.Request(ctx, env)
	if err != nil {
		w.AbandonBatch()
		return err
	}
	if err := resp.Err(); err != nil {
		w.AbandonBatch()
		return err
	}

	env, err = transport.NewEnvelope(transport.KindCloseBatch, transport.CloseBatchRequest{Sender: w.account})
	if err != nil {
		w.AbandonBatch()
		return err
	}
	resp, err = ch.Request(ctx, env)
	if err != nil {
		w.AbandonBatch()
		return err
	}
	var ip transport.InclusionProof
	if err := resp.Decode(&ip); err != nil {
		w.AbandonBatch()
		return err
	}

	sig, err := w.ValidateAndSign(ctx, ip.Fragment, ip.Batch)
	if err != nil {
		return err
	}

	env, err = transport.NewEnvelope(transport.KindSubmitSignature, transport.SignatureSubmission{
		Sender:    w.account,
		Signature: sig,
	})
	if err != nil {
		return err
	}
	resp, err = ch.Request(ctx, env)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}

	if err := w.MarkConfirmed(ctx, ip.Root); err != nil {
		return err
	}

	proposals, err := w.ProposalsFor(ip.Root)
	if err != nil {
		return err
	}
	for _, prop := range proposals {
		env, err := transport.NewEnvelope(transport.KindProposeMerge, prop)
		if err != nil {
			return err
		}
		resp, err := ch.Request(ctx, env)
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return fmt.Errorf("offer transfer %s: %w", prop.TransferID, err)
		}
	}
	return nil
}

// FetchIncoming polls the channel for merge proposals addressed to this
// wallet and merges each against the state view. A proposal with a stale
// block reference is re-queued for the next poll rather than dropped; its
// retry window is bounded by the transfer's expiry in the sender's ledger.
// Fatal rejections are returned so the counterparty sees them.
func (w *Wallet) FetchIncoming(ctx context.Context, ch transport.Channel, view rollup.StateView) (int, error) {
	env, err := transport.NewEnvelope(transport.KindFetchProposals, transport.FetchRequest{Account: w.account})
	if err != nil {
		return 0, err
	}
	resp, err := ch.Request(ctx, env)
	if err != nil {
		return 0, err
	}

	var proposals []merge.Proposal
	if err := resp.Decode(&proposals); err != nil {
		return 0, err
	}

	merged := 0
	var fatal error
	for _, prop := range proposals {
		err := w.Receive(ctx, prop, view)
		if err == nil {
			merged++
			continue
		}

		var stale *merge.StaleReferenceError
		if errors.As(err, &stale) {
			requeue, encErr := transport.NewEnvelope(transport.KindProposeMerge, prop)
			if encErr != nil {
				return merged, encErr
			}
			if _, reqErr := ch.Request(ctx, requeue); reqErr != nil {
				return merged, reqErr
			}
			continue
		}

		fatal = errors.Join(fatal, fmt.Errorf("transfer %s from %s: %w", prop.TransferID, prop.Sender, err))
	}
	return merged, fatal
}
