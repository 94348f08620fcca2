package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docengine/internal/dberr"
)

func TestReadersDoNotBlockEachOther(t *testing.T) {
	h := New([]string{"a"}, true, 0, nil)
	ctx := context.Background()

	t1, err := h.OpenTransaction(ctx, []string{"a"}, false)
	require.NoError(t, err)
	t2, err := h.OpenTransaction(ctx, []string{"a"}, false)
	require.NoError(t, err)

	require.NoError(t, h.TransactionComplete(t1))
	require.NoError(t, h.TransactionComplete(t2))
}

func TestExclusiveWaitsForReaders(t *testing.T) {
	h := New([]string{"a"}, true, 0, nil)
	ctx := context.Background()

	reader, err := h.OpenTransaction(ctx, []string{"a"}, false)
	require.NoError(t, err)

	writerCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = h.OpenTransaction(writerCtx, []string{"a"}, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, h.TransactionComplete(reader))

	writer, err := h.OpenTransaction(ctx, []string{"a"}, true)
	require.NoError(t, err)
	require.NoError(t, h.TransactionComplete(writer))
}

func TestFIFOOrderingBlocksLaterUnrelatedArrival(t *testing.T) {
	h := New([]string{"a", "b"}, true, 0, nil)
	ctx := context.Background()

	writerA, err := h.OpenTransaction(ctx, []string{"a"}, true)
	require.NoError(t, err)

	// A pending reader on "a" (blocked by writerA) sits at the head of the queue; a later
	// reader on the unrelated store "b" must not be admitted ahead of it.
	resultCh := make(chan error, 1)
	go func() {
		_, err := h.OpenTransaction(ctx, []string{"a"}, false)
		resultCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	bCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = h.OpenTransaction(bCtx, []string{"b"}, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, h.TransactionComplete(writerA))
	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued reader on a never admitted")
	}
}

func TestHardSerializeBackendHaltsAllDispatch(t *testing.T) {
	h := New([]string{"a", "b"}, false, 0, nil)
	ctx := context.Background()

	writer, err := h.OpenTransaction(ctx, []string{"a"}, true)
	require.NoError(t, err)

	bCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = h.OpenTransaction(bCtx, []string{"b"}, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, h.TransactionComplete(writer))
	reader, err := h.OpenTransaction(ctx, []string{"b"}, false)
	require.NoError(t, err)
	require.NoError(t, h.TransactionComplete(reader))
}

func TestUnknownStoreRejected(t *testing.T) {
	h := New([]string{"a"}, true, 0, nil)
	_, err := h.OpenTransaction(context.Background(), []string{"ghost"}, false)
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.UnknownStore))
}

func TestCloseWhenPossibleWaitsForActiveTransactions(t *testing.T) {
	h := New([]string{"a"}, true, 0, nil)
	ctx := context.Background()

	tok, err := h.OpenTransaction(ctx, []string{"a"}, true)
	require.NoError(t, err)

	closeDone := make(chan error, 1)
	go func() { closeDone <- h.CloseWhenPossible(ctx) }()
	time.Sleep(20 * time.Millisecond)

	_, err = h.OpenTransaction(ctx, []string{"a"}, false)
	assert.True(t, dberr.Is(err, dberr.Closing))

	require.NoError(t, h.TransactionComplete(tok))
	select {
	case err := <-closeDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("close never resolved")
	}
}

func TestSpuriousAbortAfterCompleteIsIgnored(t *testing.T) {
	h := New([]string{"a"}, true, 0, nil)
	ctx := context.Background()

	tok, err := h.OpenTransaction(ctx, []string{"a"}, true)
	require.NoError(t, err)
	require.NoError(t, h.TransactionComplete(tok))

	assert.NotPanics(t, func() {
		h.NotifySpuriousAbort(tok, "inactivity timeout")
	})
}

func TestDoubleCompletePanics(t *testing.T) {
	h := New([]string{"a"}, true, 0, nil)
	ctx := context.Background()

	tok, err := h.OpenTransaction(ctx, []string{"a"}, true)
	require.NoError(t, err)
	require.NoError(t, h.TransactionComplete(tok))

	assert.Panics(t, func() {
		_ = h.TransactionComplete(tok)
	})
}
