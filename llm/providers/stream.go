package providers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/BaSui01/multiquery/llm"
	"github.com/BaSui01/multiquery/types"
	"go.uber.org/zap"
)

// StreamWriter 把解码后的帧写入规范化 channel。
//
// 它负责各适配器共有的流语义：
//   - 内容增量按接收顺序写出
//   - 单个坏帧跳过，连续坏帧达到阈值才以 MALFORMED_STREAM 终止
//   - 结束原因和用量在终止时合并为一个最终 chunk
//   - 没有见到终止标记或结束原因就断流，按可重试的上游错误处理
type StreamWriter struct {
	ctx      context.Context
	ch       chan llm.StreamChunk
	provider string
	model    string
	logger   *zap.Logger

	threshold   int
	consecutive int
	malformed   int

	done         bool
	failed       bool
	finishReason llm.FinishReason
	usage        *llm.ChatUsage
}

// NewStreamWriter creates a writer with an unbuffered output channel.
func NewStreamWriter(ctx context.Context, provider, model string, threshold int, logger *zap.Logger) *StreamWriter {
	if threshold <= 0 {
		threshold = DefaultMalformedThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamWriter{
		ctx:       ctx,
		ch:        make(chan llm.StreamChunk),
		provider:  provider,
		model:     model,
		logger:    logger,
		threshold: threshold,
	}
}

// C returns the output channel.
func (w *StreamWriter) C() <-chan llm.StreamChunk { return w.ch }

// Stopped 报告是否应停止读取：已失败、已终止或调用方已取消。
func (w *StreamWriter) Stopped() bool {
	return w.failed || w.done || w.ctx.Err() != nil
}

func (w *StreamWriter) send(chunk llm.StreamChunk) bool {
	chunk.Provider = w.provider
	if chunk.Model == "" {
		chunk.Model = w.model
	}
	if w.ctx.Err() != nil {
		return false
	}
	select {
	case <-w.ctx.Done():
		return false
	case w.ch <- chunk:
		return true
	}
}

// Delta 写出一段内容增量，空文本忽略。
func (w *StreamWriter) Delta(id, text string) bool {
	w.consecutive = 0
	if text == "" {
		return !w.Stopped()
	}
	return w.send(llm.StreamChunk{
		ID:    id,
		Delta: llm.Message{Role: llm.RoleAssistant, Content: text},
	})
}

// WellFormed 记录一个解码成功但不含内容的帧。
func (w *StreamWriter) WellFormed() { w.consecutive = 0 }

// SetFinishReason 记录上游给出的结束原因，空值忽略。
func (w *StreamWriter) SetFinishReason(raw string) {
	if fr := llm.NormalizeFinishReason(raw); fr != "" {
		w.finishReason = fr
	}
}

// SetUsage 合并用量，非零字段覆盖旧值（部分上游分两次下发输入与输出 token）。
func (w *StreamWriter) SetUsage(u llm.ChatUsage) {
	if w.usage == nil {
		w.usage = &llm.ChatUsage{}
	}
	if u.PromptTokens > 0 {
		w.usage.PromptTokens = u.PromptTokens
	}
	if u.CompletionTokens > 0 {
		w.usage.CompletionTokens = u.CompletionTokens
	}
	if u.TotalTokens > 0 {
		w.usage.TotalTokens = u.TotalTokens
	}
	if w.usage.TotalTokens < w.usage.PromptTokens+w.usage.CompletionTokens {
		w.usage.TotalTokens = w.usage.PromptTokens + w.usage.CompletionTokens
	}
}

// MarkDone 记录终止标记（[DONE] / message_stop）。
func (w *StreamWriter) MarkDone() { w.done = true }

// Malformed 记录一个无法解码的帧。返回 false 表示坏帧已经连续出现到阈值，
// 流以 MALFORMED_STREAM 失败。
func (w *StreamWriter) Malformed(raw string, err error) bool {
	w.consecutive++
	w.malformed++
	w.logger.Debug("跳过无法解码的流片段",
		zap.String("provider", w.provider),
		zap.Int("consecutive", w.consecutive),
		zap.Int("raw_len", len(raw)),
		zap.Error(err))
	if w.consecutive < w.threshold {
		return true
	}
	w.Fail(types.NewError(types.ErrMalformedStream, "stream is persistently malformed").
		WithCause(err).WithHTTPStatus(http.StatusBadGateway).WithProvider(w.provider))
	return false
}

// Fail 写出一个错误终止帧。
func (w *StreamWriter) Fail(e *llm.Error) {
	if w.failed {
		return
	}
	w.failed = true
	if e.Provider == "" {
		e.Provider = w.provider
	}
	w.send(llm.StreamChunk{Err: e})
}

// Close 根据读取结果写出最终帧并关闭 channel，必须恰好调用一次。
func (w *StreamWriter) Close(readErr error) {
	defer close(w.ch)
	if w.malformed > 0 {
		w.logger.Warn("流结束，期间跳过了无法解码的片段",
			zap.String("provider", w.provider),
			zap.String("model", w.model),
			zap.Int("malformed_fragments", w.malformed),
			zap.Bool("failed", w.failed))
	}
	if w.failed || w.ctx.Err() != nil {
		return
	}

	if w.done || w.finishReason != "" {
		fr := w.finishReason
		if fr == "" {
			fr = llm.FinishStop
		}
		w.send(llm.StreamChunk{FinishReason: fr, Usage: w.usage})
		return
	}

	if readErr != nil && !errors.Is(readErr, io.EOF) {
		w.Fail(MapTransportError(w.ctx, readErr, w.provider))
		return
	}
	w.Fail(types.NewError(types.ErrServerError, "stream closed before completion").
		WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(w.provider))
}
