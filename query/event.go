package query

import (
	"sync"
	"time"

	"github.com/BaSui01/multiquery/types"
)

// EventType 事件类型
type EventType string

const (
	EventBlocked   EventType = "blocked"
	EventStarted   EventType = "started"
	EventClamped   EventType = "clamped"
	EventDelta     EventType = "delta"
	EventRetrying  EventType = "retrying"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
	EventQueryDone EventType = "query_done"
)

// Event 多路复用事件流中的一项。
// 同一任务的事件按发生顺序到达；不同任务之间没有顺序保证。
// retrying 事件表示该任务之前的 delta 作废，下一次尝试从头输出。
type Event struct {
	Type       EventType `json:"type"`
	QueryID    string    `json:"query_id"`
	TaskID     string    `json:"task_id,omitempty"`
	ProviderID string    `json:"provider,omitempty"`
	ModelID    string    `json:"model,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Delta      string    `json:"delta,omitempty"`
	// Delay retrying 事件的退避时长（毫秒）
	DelayMS int64  `json:"delay_ms,omitempty"`
	Reason  string `json:"reason,omitempty"`

	RequestedMaxTokens int `json:"requested_max_tokens,omitempty"`
	EffectiveMaxTokens int `json:"effective_max_tokens,omitempty"`

	Error     *types.Error `json:"error,omitempty"`
	Summary   *Summary     `json:"summary,omitempty"`
	Summaries []Summary    `json:"summaries,omitempty"`
	Time      time.Time    `json:"time"`
}

// eventQueue 无界队列：任务只追加，从不因消费方慢而阻塞
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool
}

func newEventQueue(capacity int) *eventQueue {
	q := &eventQueue{items: make([]Event, 0, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, e)
	q.cond.Signal()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// pump 把队列内容依次转发到 out，队列关闭且取空后关闭 out
func (q *eventQueue) pump(out chan<- Event) {
	defer close(out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		e := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		out <- e
	}
}
