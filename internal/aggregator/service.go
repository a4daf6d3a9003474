package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/example/stateless-rollup/internal/merge"
	"github.com/example/stateless-rollup/internal/rollup"
	"github.com/example/stateless-rollup/internal/transport"
)

// Service exposes the aggregator over the message channel and relays merge
// proposals between wallets. Senders drop proposals into per-receiver
// mailboxes; receivers poll them, so an offline receiver picks its transfers
// up on reconnect.
type Service struct {
	agg *Aggregator

	mu        sync.Mutex
	mailboxes map[string][]merge.Proposal

	// archive, when set, records committed blocks.
	archive BlockArchiver
}

// BlockArchiver records committed transfer blocks for operator inspection.
type BlockArchiver interface {
	ArchiveBlock(ctx context.Context, block rollup.TransferBlock, receipt rollup.Receipt) error
}

// NewService wraps an aggregator. archive may be nil.
func NewService(agg *Aggregator, archive BlockArchiver) *Service {
	return &Service{
		agg:       agg,
		mailboxes: make(map[string][]merge.Proposal),
		archive:   archive,
	}
}

// Handle serves one channel request.
func (s *Service) Handle(ctx context.Context, env transport.Envelope) transport.Response {
	switch env.Kind {
	case transport.KindAppendTransfer:
		return s.handleAppend(env)
	case transport.KindCloseBatch:
		return s.handleCloseBatch(env)
	case transport.KindSubmitSignature:
		return s.handleSignature(ctx, env)
	case transport.KindProposeMerge:
		return s.handlePropose(env)
	case transport.KindFetchProposals:
		return s.handleFetch(env)
	case transport.KindQueryState:
		return s.handleQueryState(ctx, env)
	default:
		return transport.Fail(env.ID, transport.StatusRejected, fmt.Errorf("unknown request kind %q", env.Kind))
	}
}

func (s *Service) handleAppend(env transport.Envelope) transport.Response {
	var batch rollup.Batch
	if err := json.Unmarshal(env.Payload, &batch); err != nil {
		return transport.Fail(env.ID, transport.StatusRejected, fmt.Errorf("decode batch: %w", err))
	}

	if err := s.agg.Append(batch); err != nil {
		if errors.Is(err, ErrBatchBusy) {
			return transport.Fail(env.ID, transport.StatusBusy, err)
		}
		return transport.Fail(env.ID, transport.StatusRejected, err)
	}
	return transport.OK(env.ID, nil)
}

func (s *Service) handleCloseBatch(env transport.Envelope) transport.Response {
	var req transport.CloseBatchRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return transport.Fail(env.ID, transport.StatusRejected, fmt.Errorf("decode close request: %w", err))
	}

	// The first closer fixes the root; later callers just collect their
	// inclusion proofs for the already-closed block.
	if s.agg.State() == rollup.BlockOpen {
		if _, err := s.agg.CloseBatch(); err != nil {
			return transport.Fail(env.ID, transport.StatusRejected, err)
		}
	}

	frag, batch, err := s.agg.ProofFor(req.Sender)
	if err != nil {
		return transport.Fail(env.ID, transport.StatusRejected, err)
	}
	return transport.OK(env.ID, transport.InclusionProof{Root: frag.Root, Fragment: frag, Batch: batch})
}

func (s *Service) handleSignature(ctx context.Context, env transport.Envelope) transport.Response {
	var sub transport.SignatureSubmission
	if err := json.Unmarshal(env.Payload, &sub); err != nil {
		return transport.Fail(env.ID, transport.StatusRejected, fmt.Errorf("decode signature: %w", err))
	}

	if err := s.agg.SubmitSignature(sub.Sender, sub.Signature); err != nil {
		return transport.Fail(env.ID, transport.StatusRejected, err)
	}

	// Last signature in publishes the block.
	if s.agg.State() == rollup.BlockSigned {
		block, receipt, err := s.agg.Publish(ctx)
		if err != nil {
			return transport.Fail(env.ID, transport.StatusError, err)
		}
		if s.archive != nil {
			if err := s.archive.ArchiveBlock(ctx, block, receipt); err != nil {
				log.Printf("archive block %s: %v", block.ID, err)
			}
		}
		return transport.OK(env.ID, receipt)
	}
	return transport.OK(env.ID, nil)
}

func (s *Service) handleQueryState(ctx context.Context, env transport.Envelope) transport.Response {
	view, err := s.agg.oracle.QueryState(ctx)
	if err != nil {
		return transport.Fail(env.ID, transport.StatusError, err)
	}
	return transport.OK(env.ID, view)
}

func (s *Service) handlePropose(env transport.Envelope) transport.Response {
	var prop merge.Proposal
	if err := json.Unmarshal(env.Payload, &prop); err != nil {
		return transport.Fail(env.ID, transport.StatusRejected, fmt.Errorf("decode proposal: %w", err))
	}

	recipient := ""
	for _, t := range prop.Batch.Transfers {
		if t.ID == prop.TransferID {
			recipient = t.Recipient
			break
		}
	}
	if recipient == "" {
		return transport.Fail(env.ID, transport.StatusRejected,
			fmt.Errorf("proposal transfer %s not present in batch", prop.TransferID))
	}

	s.mu.Lock()
	s.mailboxes[recipient] = append(s.mailboxes[recipient], prop)
	s.mu.Unlock()
	return transport.OK(env.ID, nil)
}

func (s *Service) handleFetch(env transport.Envelope) transport.Response {
	var req transport.FetchRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return transport.Fail(env.ID, transport.StatusRejected, fmt.Errorf("decode fetch request: %w", err))
	}

	s.mu.Lock()
	proposals := s.mailboxes[req.Account]
	delete(s.mailboxes, req.Account)
	s.mu.Unlock()

	if proposals == nil {
		proposals = []merge.Proposal{}
	}
	return transport.OK(env.ID, proposals)
}
