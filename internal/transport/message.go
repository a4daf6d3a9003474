// Package transport defines the request/response message channel between
// wallets and the aggregator. The envelope format is transport-agnostic;
// rejection is always a distinguishable status, never a silent drop.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/stateless-rollup/internal/proof"
	"github.com/example/stateless-rollup/internal/rollup"
)

// Kind identifies a request type.
type Kind string

const (
	KindAppendTransfer  Kind = "append_transfer"
	KindCloseBatch      Kind = "close_batch"
	KindSubmitSignature Kind = "submit_signature"
	KindProposeMerge    Kind = "propose_merge"
	KindFetchProposals  Kind = "fetch_proposals"
	KindQueryState      Kind = "query_state"
)

// Status classifies a response.
type Status string

const (
	StatusOK Status = "ok"
	// StatusBusy maps batch admission rejection; callers retry after the
	// outstanding block resolves.
	StatusBusy Status = "busy"
	// StatusRejected is a fatal per-request rejection.
	StatusRejected Status = "rejected"
	// StatusStale means a referenced block is not yet observed; retryable.
	StatusStale Status = "stale"
	StatusError Status = "error"
)

// ErrBusy is the client-side form of a busy rejection.
var ErrBusy = errors.New("transport: aggregator busy, retry after the outstanding block resolves")

// ErrStale is the client-side form of a stale-reference rejection.
var ErrStale = errors.New("transport: referenced block not yet observed")

// RejectedError carries the server's reason for a fatal rejection.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transport: request rejected: %s", e.Reason)
}

// Envelope is one request on the channel.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds a request envelope with a fresh ID.
func NewEnvelope(kind Kind, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("transport: encode %s payload: %w", kind, err)
	}
	return Envelope{ID: uuid.New().String(), Kind: kind, Payload: raw}, nil
}

// Response answers one envelope, correlated by ID.
type Response struct {
	ID      string          `json:"id"`
	Status  Status          `json:"status"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OK builds a success response, optionally with a payload.
func OK(id string, payload any) Response {
	resp := Response{ID: id, Status: StatusOK}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Fail(id, StatusError, fmt.Errorf("encode response payload: %w", err))
		}
		resp.Payload = raw
	}
	return resp
}

// Fail builds a non-OK response with the given status.
func Fail(id string, status Status, err error) Response {
	return Response{ID: id, Status: status, Error: err.Error()}
}

// Err maps a non-OK response onto the client-side error taxonomy.
func (r Response) Err() error {
	switch r.Status {
	case StatusOK:
		return nil
	case StatusBusy:
		return ErrBusy
	case StatusStale:
		return ErrStale
	case StatusRejected:
		return &RejectedError{Reason: r.Error}
	default:
		return fmt.Errorf("transport: %s", r.Error)
	}
}

// Decode unmarshals the response payload into out.
func (r Response) Decode(out any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return fmt.Errorf("transport: decode response payload: %w", err)
	}
	return nil
}

// Handler serves one envelope.
type Handler func(ctx context.Context, env Envelope) Response

// Channel is a request/response client connection.
type Channel interface {
	Request(ctx context.Context, env Envelope) (Response, error)
	Close() error
}

// CloseBatchRequest asks for the root to be fixed and the caller's inclusion
// proof returned.
type CloseBatchRequest struct {
	Sender string `json:"sender"`
}

// InclusionProof is the aggregator's answer to a close_batch request.
type InclusionProof struct {
	Root     proof.Hash     `json:"root"`
	Fragment proof.Fragment `json:"fragment"`
	Batch    rollup.Batch   `json:"batch"`
}

// SignatureSubmission carries a sender's signature over a block root.
type SignatureSubmission struct {
	Sender    string `json:"sender"`
	Signature []byte `json:"signature"`
}

// FetchRequest asks for merge proposals queued for an account.
type FetchRequest struct {
	Account string `json:"account"`
}
