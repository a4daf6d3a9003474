package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseErr_Mapping(t *testing.T) {
	assert.NoError(t, OK("id", nil).Err())
	assert.ErrorIs(t, Fail("id", StatusBusy, errors.New("busy")).Err(), ErrBusy)
	assert.ErrorIs(t, Fail("id", StatusStale, errors.New("stale")).Err(), ErrStale)

	err := Fail("id", StatusRejected, errors.New("bad payload")).Err()
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "bad payload", rejected.Reason)

	assert.Error(t, Fail("id", StatusError, errors.New("boom")).Err())
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(KindCloseBatch, CloseBatchRequest{Sender: "acct-a"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, KindCloseBatch, env.Kind)

	resp := OK(env.ID, FetchRequest{Account: "acct-b"})
	var out FetchRequest
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "acct-b", out.Account)
}

func TestLocalChannel(t *testing.T) {
	ch := NewLocalChannel(func(ctx context.Context, env Envelope) Response {
		return OK(env.ID, nil)
	})
	defer ch.Close()

	env, err := NewEnvelope(KindFetchProposals, FetchRequest{Account: "acct-a"})
	require.NoError(t, err)
	resp, err := ch.Request(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, env.ID, resp.ID)
	assert.Equal(t, StatusOK, resp.Status)
}

func TestWSChannel_RequestResponse(t *testing.T) {
	handler := func(ctx context.Context, env Envelope) Response {
		if env.Kind == KindAppendTransfer {
			return Fail(env.ID, StatusBusy, errors.New("block in flight"))
		}
		return OK(env.ID, FetchRequest{Account: "echo"})
	}

	srv := httptest.NewServer(NewWSServer(handler))
	defer srv.Close()

	ch, err := DialWS("ws://" + strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	defer ch.Close()

	env, err := NewEnvelope(KindFetchProposals, FetchRequest{Account: "acct-a"})
	require.NoError(t, err)
	resp, err := ch.Request(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, env.ID, resp.ID)

	var out FetchRequest
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "echo", out.Account)

	env, err = NewEnvelope(KindAppendTransfer, nil)
	require.NoError(t, err)
	resp, err = ch.Request(context.Background(), env)
	require.NoError(t, err)
	assert.ErrorIs(t, resp.Err(), ErrBusy)
}

func TestWSChannel_ContextCancel(t *testing.T) {
	block := make(chan struct{})
	handler := func(ctx context.Context, env Envelope) Response {
		<-block
		return OK(env.ID, nil)
	}

	srv := httptest.NewServer(NewWSServer(handler))
	defer srv.Close()
	defer close(block)

	ch, err := DialWS("ws://" + strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env, err := NewEnvelope(KindFetchProposals, FetchRequest{Account: "acct-a"})
	require.NoError(t, err)
	_, err = ch.Request(ctx, env)
	assert.ErrorIs(t, err, context.Canceled)
}
