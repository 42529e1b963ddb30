package providers

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/BaSui01/multiquery/llm"
	"github.com/BaSui01/multiquery/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func runWriter(w *StreamWriter, fn func()) []llm.StreamChunk {
	go fn()
	var out []llm.StreamChunk
	for c := range w.C() {
		out = append(out, c)
	}
	return out
}

func TestStreamWriter_FinalChunkMergesUsage(t *testing.T) {
	w := NewStreamWriter(context.Background(), "p", "m", 3, zap.NewNop())
	chunks := runWriter(w, func() {
		w.Delta("id", "a")
		w.SetUsage(llm.ChatUsage{PromptTokens: 10})
		w.Delta("id", "b")
		w.SetFinishReason("end_turn")
		w.SetUsage(llm.ChatUsage{CompletionTokens: 4})
		w.MarkDone()
		w.Close(nil)
	})
	require.Len(t, chunks, 3)
	last := chunks[2]
	assert.Equal(t, llm.FinishStop, last.FinishReason)
	assert.Equal(t, &llm.ChatUsage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}, last.Usage)
	assert.Equal(t, "p", last.Provider)
	assert.Equal(t, "m", last.Model)
}

func TestStreamWriter_DoneMarkerWithoutFinishReason(t *testing.T) {
	w := NewStreamWriter(context.Background(), "p", "m", 3, nil)
	chunks := runWriter(w, func() {
		w.Delta("", "x")
		w.MarkDone()
		w.Close(nil)
	})
	assert.Equal(t, llm.FinishStop, chunks[len(chunks)-1].FinishReason)
}

func TestStreamWriter_MalformedResetByGoodFrame(t *testing.T) {
	w := NewStreamWriter(context.Background(), "p", "m", 2, nil)
	chunks := runWriter(w, func() {
		assert.True(t, w.Malformed("x", errors.New("bad")))
		w.Delta("", "ok")
		assert.True(t, w.Malformed("y", errors.New("bad")))
		w.WellFormed()
		assert.True(t, w.Malformed("z", errors.New("bad")))
		assert.False(t, w.Malformed("z", errors.New("bad")))
		assert.True(t, w.Stopped())
		w.Close(nil)
	})
	require.Len(t, chunks, 2)
	assert.Equal(t, "ok", chunks[0].Delta.Content)
	assert.Equal(t, types.ErrMalformedStream, chunks[1].Err.Code)
	assert.Equal(t, 4, w.malformed)
}

func TestStreamWriter_CloseLogsSkippedFragments(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	w := NewStreamWriter(context.Background(), "deepseek", "deepseek-chat", 5, zap.New(core))
	runWriter(w, func() {
		assert.True(t, w.Malformed("{bad", errors.New("unexpected EOF")))
		w.Delta("", "hello")
		assert.True(t, w.Malformed("{bad", errors.New("unexpected EOF")))
		w.MarkDone()
		w.Close(nil)
	})

	entries := logs.FilterField(zap.Int("malformed_fragments", 2)).All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "deepseek", fields["provider"])
	assert.Equal(t, false, fields["failed"])
}

func TestStreamWriter_CleanStreamLogsNothing(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	w := NewStreamWriter(context.Background(), "p", "m", 3, zap.New(core))
	runWriter(w, func() {
		w.Delta("", "ok")
		w.MarkDone()
		w.Close(nil)
	})
	assert.Zero(t, logs.Len())
}

func TestStreamWriter_EarlyEOF(t *testing.T) {
	w := NewStreamWriter(context.Background(), "p", "m", 3, nil)
	chunks := runWriter(w, func() {
		w.Delta("", "partial")
		w.Close(io.EOF)
	})
	require.Len(t, chunks, 2)
	require.NotNil(t, chunks[1].Err)
	assert.Equal(t, types.ErrServerError, chunks[1].Err.Code)
	assert.True(t, chunks[1].Err.Retryable)
}

func TestStreamWriter_ReadErrorAfterFinishStillCompletes(t *testing.T) {
	w := NewStreamWriter(context.Background(), "p", "m", 3, nil)
	chunks := runWriter(w, func() {
		w.Delta("", "done")
		w.SetFinishReason("length")
		w.Close(errors.New("connection reset by peer"))
	})
	assert.Equal(t, llm.FinishLength, chunks[len(chunks)-1].FinishReason)
}

func TestStreamWriter_CancelledEmitsNothingFinal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewStreamWriter(ctx, "p", "m", 3, nil)
	cancel()
	chunks := runWriter(w, func() {
		assert.False(t, w.Delta("", "late"))
		w.Close(context.Canceled)
	})
	assert.Empty(t, chunks)
}
