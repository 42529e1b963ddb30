package query

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Execution 一次已提交查询的句柄
type Execution struct {
	ID      string
	Request *Request

	cancel context.CancelFunc
	tasks  []*EngineTask
	wg     sync.WaitGroup
	span   trace.Span

	queue    *eventQueue
	out      chan Event
	pumpOnce sync.Once

	done      chan struct{}
	summaries []Summary
}

// Events 返回多路复用的事件流，最后一个事件是 query_done，随后 channel 关闭。
// 事件在首次调用前会被缓存；调用后必须持续读取直到关闭。
func (x *Execution) Events() <-chan Event {
	x.pumpOnce.Do(func() {
		go x.queue.pump(x.out)
	})
	return x.out
}

// Cancel 取消所有在途任务。已完成的任务不受影响。
func (x *Execution) Cancel() {
	x.cancel()
}

// Done 所有任务进入终态后关闭
func (x *Execution) Done() <-chan struct{} {
	return x.done
}

// Wait 阻塞直到所有任务进入终态，按请求中的引擎顺序返回结果
func (x *Execution) Wait() []Summary {
	<-x.done
	out := make([]Summary, len(x.summaries))
	copy(out, x.summaries)
	return out
}

// WaitContext 与 Wait 相同，但 ctx 结束时提前返回
func (x *Execution) WaitContext(ctx context.Context) ([]Summary, error) {
	select {
	case <-x.done:
		return x.Wait(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (x *Execution) emit(task *EngineTask, e Event) {
	e.QueryID = x.ID
	if task != nil {
		e.TaskID = task.ID
		e.ProviderID = task.Selection.ProviderID
		e.ModelID = task.Selection.ModelID
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	x.queue.push(e)
}

// finish 等待所有任务结束后汇总结果并关闭事件流
func (x *Execution) finish(logger *zap.Logger) {
	x.wg.Wait()

	summaries := make([]Summary, len(x.tasks))
	counts := map[TaskState]int{}
	for i, t := range x.tasks {
		summaries[i] = t.Summary()
		counts[t.State]++
	}
	x.summaries = summaries

	x.emit(nil, Event{Type: EventQueryDone, Summaries: summaries})
	x.queue.close()

	x.span.SetAttributes(
		attribute.Int("query.completed", counts[StateCompleted]),
		attribute.Int("query.failed", counts[StateFailed]),
		attribute.Int("query.blocked", counts[StateBlocked]),
		attribute.Int("query.cancelled", counts[StateCancelled]),
	)
	x.span.End()
	x.cancel()
	close(x.done)

	logger.Info("query finished",
		zap.Int("completed", counts[StateCompleted]),
		zap.Int("failed", counts[StateFailed]),
		zap.Int("blocked", counts[StateBlocked]),
		zap.Int("cancelled", counts[StateCancelled]))
}
