package query

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/multiquery/internal/metrics"
	"github.com/BaSui01/multiquery/llm"
	"github.com/BaSui01/multiquery/llm/billing"
	"github.com/BaSui01/multiquery/llm/circuitbreaker"
	"github.com/BaSui01/multiquery/llm/modelconfig"
	"github.com/BaSui01/multiquery/llm/ratelimit"
	"github.com/BaSui01/multiquery/llm/retry"
	"github.com/BaSui01/multiquery/llm/tokenizer"
	"github.com/BaSui01/multiquery/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultIdleTimeout = 60 * time.Second
	defaultEventBuffer = 256
	tracerName         = "github.com/BaSui01/multiquery/query"
)

// Options Dispatcher 依赖
type Options struct {
	Registry    *llm.ProviderRegistry
	Configs     *modelconfig.Cache
	Meter       *billing.Meter
	RetryPolicy retry.RetryPolicy
	Breakers    *circuitbreaker.CooldownRegistry
	Limiters    *ratelimit.Limiters
	Metrics     *metrics.Collector
	Logger      *zap.Logger
	Tracer      trace.Tracer

	// IdleTimeout 配置未给出 TimeoutSeconds 时的空闲流超时
	IdleTimeout time.Duration
	// EventBuffer 事件 channel 的缓冲
	EventBuffer int
	// Sleep 替换退避等待（测试用）
	Sleep retry.SleepFunc
	// Now 替换时钟（测试用）
	Now func() time.Time
}

// Dispatcher 把一次查询拆成每个引擎一个 goroutine 并汇总结果
type Dispatcher struct {
	registry *llm.ProviderRegistry
	configs  *modelconfig.Cache
	meter    *billing.Meter
	policy   retry.RetryPolicy
	breakers *circuitbreaker.CooldownRegistry
	limiters *ratelimit.Limiters
	metrics  *metrics.Collector
	logger   *zap.Logger
	tracer   trace.Tracer

	idleTimeout time.Duration
	eventBuffer int
	sleep       retry.SleepFunc
	now         func() time.Time
}

// NewDispatcher 创建 Dispatcher。Registry 与 Configs 必填。
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, errors.New("query: provider registry is required")
	}
	if opts.Configs == nil {
		return nil, errors.New("query: config cache is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		registry:    opts.Registry,
		configs:     opts.Configs,
		meter:       opts.Meter,
		policy:      opts.RetryPolicy.Normalize(),
		breakers:    opts.Breakers,
		limiters:    opts.Limiters,
		metrics:     opts.Metrics,
		logger:      logger.With(zap.String("component", "dispatcher")),
		tracer:      opts.Tracer,
		idleTimeout: opts.IdleTimeout,
		eventBuffer: opts.EventBuffer,
		sleep:       opts.Sleep,
		now:         opts.Now,
	}
	if d.breakers == nil {
		d.breakers = circuitbreaker.NewCooldownRegistry(circuitbreaker.DefaultConfig(), logger)
	}
	if d.limiters == nil {
		d.limiters = ratelimit.New(logger)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	if d.idleTimeout <= 0 {
		d.idleTimeout = defaultIdleTimeout
	}
	if d.eventBuffer <= 0 {
		d.eventBuffer = defaultEventBuffer
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.meter == nil {
		d.logger.Warn("no meter configured, completed tasks will not be charged")
	}
	return d, nil
}

// Submit 校验请求、查询配置缓存，并为每个可用的引擎启动一个任务。
// 被禁用或没有适配器的引擎直接进入 blocked，不会发出任何网络请求。
// ctx 取消等同于 Execution.Cancel。
func (d *Dispatcher) Submit(ctx context.Context, req *Request) (*Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = d.now()
	}

	ctx, span := d.tracer.Start(ctx, "query.execute", trace.WithAttributes(
		attribute.String("query.id", req.ID),
		attribute.String("user.id", req.UserID),
		attribute.Int("query.engines", len(req.Engines)),
	))
	runCtx, cancel := context.WithCancel(ctx)

	x := &Execution{
		ID:      req.ID,
		Request: req,
		cancel:  cancel,
		queue:   newEventQueue(d.eventBuffer),
		out:     make(chan Event, d.eventBuffer),
		done:    make(chan struct{}),
		span:    span,
	}

	logger := d.logger.With(zap.String("query_id", req.ID), zap.String("user_id", req.UserID))

	for _, sel := range req.Engines {
		x.tasks = append(x.tasks, newTask(uuid.NewString(), sel))
	}

	// 各引擎的配置查询并行进行，一个慢存储不会拖累其他引擎
	reasons := make([]string, len(x.tasks))
	var lookups errgroup.Group
	for i, task := range x.tasks {
		lookups.Go(func() error {
			reasons[i] = d.prepare(ctx, task)
			return nil
		})
	}
	_ = lookups.Wait()

	runnable := make([]*EngineTask, 0, len(req.Engines))
	for i, task := range x.tasks {
		sel := task.Selection
		if reason := reasons[i]; reason != "" {
			task.State = StateBlocked
			task.LastError = types.NewError(types.ErrBlocked, reason).
				WithProvider(sel.ProviderID).WithHTTPStatus(http.StatusForbidden)
			logger.Info("engine blocked",
				zap.String("task_id", task.ID),
				zap.String("engine", sel.String()),
				zap.String("reason", reason))
			d.metrics.RecordTask(sel.ProviderID, sel.ModelID, string(StateBlocked), 0, false)
			summary := task.Summary()
			x.emit(task, Event{Type: EventBlocked, Reason: reason, Error: task.LastError, Summary: &summary})
			continue
		}
		runnable = append(runnable, task)
	}

	for _, task := range runnable {
		x.wg.Add(1)
		go func(t *EngineTask) {
			defer x.wg.Done()
			d.run(runCtx, x, t, logger)
		}(task)
	}
	go x.finish(logger)

	logger.Debug("query submitted",
		zap.Int("engines", len(req.Engines)),
		zap.Int("dispatched", len(runnable)))
	return x, nil
}

// prepare 解析适配器与配置快照，返回非空字符串表示应当拦截
func (d *Dispatcher) prepare(ctx context.Context, task *EngineTask) string {
	sel := task.Selection
	lookup := d.configs.Get(ctx, sel.ProviderID, sel.ModelID)
	d.metrics.RecordConfigLookup(string(lookup.Source))
	task.config = lookup.Config
	task.source = lookup.Source

	if !lookup.Config.Enabled {
		return lookup.Config.Reason()
	}
	p, ok := d.registry.Get(sel.ProviderID)
	if !ok {
		return fmt.Sprintf("no adapter registered for provider %s", sel.ProviderID)
	}
	task.provider = p
	return ""
}

// run 在独立 goroutine 中驱动一个任务直到终态
func (d *Dispatcher) run(ctx context.Context, x *Execution, task *EngineTask, logger *zap.Logger) {
	sel := task.Selection
	cfg := task.config
	logger = logger.With(
		zap.String("task_id", task.ID),
		zap.String("provider", sel.ProviderID),
		zap.String("model", sel.ModelID))

	ctx, span := d.tracer.Start(ctx, "engine.task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("llm.provider", sel.ProviderID),
		attribute.String("llm.model", sel.ModelID),
	))
	defer span.End()

	task.startedAt = d.now()
	d.metrics.TaskStarted()
	x.emit(task, Event{Type: EventStarted})

	task.EffectiveMaxTokens, task.Clamped = llm.ClampMaxTokens(sel.MaxOutputTokens, cfg.MaxOutputCap)
	if task.Clamped {
		logger.Warn("max output tokens clamped to model cap",
			zap.Int("requested", sel.MaxOutputTokens),
			zap.Int("cap", cfg.MaxOutputCap))
		d.metrics.RecordClamped(sel.ProviderID, sel.ModelID)
		x.emit(task, Event{
			Type:               EventClamped,
			RequestedMaxTokens: sel.MaxOutputTokens,
			EffectiveMaxTokens: task.EffectiveMaxTokens,
		})
	}

	policy := d.policy
	if cfg.RetryCount > 0 {
		policy.MaxRetries = cfg.RetryCount
	}
	machineOpts := []retry.Option{
		retry.WithLogger(logger),
		retry.WithTransitionHook(func(tr retry.Transition) {
			switch tr.To {
			case retry.StateStreaming:
				task.State = StateStreaming
				task.resetAttempt(tr.Attempt)
			case retry.StateRetrying:
				task.State = StateRetrying
				code := string(tr.Class.Code)
				d.metrics.RecordRetry(sel.ProviderID, code, tr.Delay)
				span.AddEvent("retry", trace.WithAttributes(
					attribute.Int("attempt", tr.Attempt+1),
					attribute.String("error.code", code)))
				x.emit(task, Event{
					Type:    EventRetrying,
					Attempt: tr.Attempt + 1,
					DelayMS: tr.Delay.Milliseconds(),
					Error:   toError(tr.Err, sel.ProviderID),
				})
			}
		}),
	}
	if d.sleep != nil {
		machineOpts = append(machineOpts, retry.WithSleep(d.sleep))
	}

	chatReq := &llm.ChatRequest{
		TraceID:   task.ID,
		UserID:    x.Request.UserID,
		Model:     sel.ModelID,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: x.Request.Prompt}},
		MaxTokens: task.EffectiveMaxTokens,
	}
	idle := cfg.Timeout()
	if idle <= 0 {
		idle = d.idleTimeout
	}

	res := retry.NewMachine(policy, machineOpts...).Run(ctx, func(ctx context.Context, attempt int) error {
		err := d.attempt(ctx, x, task, chatReq, idle)
		if err != nil {
			d.metrics.RecordAttemptFailure(sel.ProviderID, string(retry.Classify(err).Code))
		}
		return err
	})

	switch res.State {
	case retry.StateCompleted:
		task.State = StateCompleted
		d.settle(ctx, x, task, logger)
	case retry.StateCancelled:
		// 未完成的任务保留已收到的部分内容，但从不计费
		task.State = StateCancelled
		task.LastError = types.NewError(types.ErrCancelled, "cancelled by caller").WithProvider(sel.ProviderID)
	default:
		task.State = StateFailed
		task.LastError = toError(res.Err, sel.ProviderID)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Class.Code))
		logger.Warn("engine failed",
			zap.Int("attempts", res.Attempts),
			zap.String("code", string(res.Class.Code)),
			zap.Error(res.Err))
	}

	task.finishedAt = d.now()
	summary := task.Summary()
	span.SetAttributes(
		attribute.String("task.state", string(task.State)),
		attribute.Int("task.attempts", summary.Attempts),
		attribute.Int64("task.cost", task.Cost))
	d.metrics.RecordTask(sel.ProviderID, sel.ModelID, string(task.State), summary.Duration, true)

	ev := Event{Summary: &summary, Error: task.LastError}
	switch task.State {
	case StateCompleted:
		ev.Type = EventCompleted
	case StateCancelled:
		ev.Type = EventCancelled
	default:
		ev.Type = EventFailed
	}
	x.emit(task, ev)
}

// attempt 执行一次完整的流式尝试。返回 nil 表示收到了终止帧。
func (d *Dispatcher) attempt(ctx context.Context, x *Execution, task *EngineTask, req *llm.ChatRequest, idle time.Duration) error {
	sel := task.Selection

	if err := d.breakers.Allow(sel.ProviderID); err != nil {
		return err
	}
	if err := d.limiters.Wait(ctx, sel.ProviderID, sel.ModelID, task.config.RateLimitRPM); err != nil {
		// 本地限速不代表上游状态，归还半开试探名额
		d.breakers.Record(sel.ProviderID, circuitbreaker.OutcomeOther)
		return err
	}

	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	ch, err := task.provider.Stream(attemptCtx, req)
	if err != nil {
		d.recordOutcome(sel.ProviderID, err)
		return err
	}

	drained := false
	defer func() {
		if !drained {
			// 适配器在 attemptCtx 取消后会自行关闭 channel
			go func() {
				for range ch {
				}
			}()
		}
	}()

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// 取消不说明上游状态，但要归还可能占用的半开试探名额
			d.breakers.Record(sel.ProviderID, circuitbreaker.OutcomeOther)
			return ctx.Err()

		case <-timer.C:
			err := types.NewError(types.ErrTimeout,
				fmt.Sprintf("no data from upstream for %s", idle)).
				WithProvider(sel.ProviderID).WithRetryable(true).WithHTTPStatus(http.StatusGatewayTimeout)
			d.recordOutcome(sel.ProviderID, err)
			return err

		case chunk, ok := <-ch:
			if !ok {
				drained = true
				err := types.NewError(types.ErrServerError, "stream closed before completion").
					WithProvider(sel.ProviderID).WithRetryable(true).WithHTTPStatus(http.StatusBadGateway)
				d.recordOutcome(sel.ProviderID, err)
				return err
			}
			timer.Reset(idle)

			if chunk.Err != nil {
				d.recordOutcome(sel.ProviderID, chunk.Err)
				return chunk.Err
			}
			if chunk.Usage != nil {
				task.usage = chunk.Usage
			}
			if text := chunk.Delta.Content; text != "" {
				task.Output.WriteString(text)
				x.emit(task, Event{Type: EventDelta, Attempt: task.Attempt, Delta: text})
			}
			if chunk.FinishReason != "" {
				task.Truncated = chunk.FinishReason == llm.FinishLength
				d.breakers.Record(sel.ProviderID, circuitbreaker.OutcomeSuccess)
				return nil
			}
		}
	}
}

func (d *Dispatcher) recordOutcome(provider string, err error) {
	if retry.Classify(err).RateLimited {
		d.breakers.Record(provider, circuitbreaker.OutcomeRateLimited)
		return
	}
	d.breakers.Record(provider, circuitbreaker.OutcomeOther)
}

// settle 为完成的任务补齐用量并计费。
// 计费使用脱离取消的 context：任务一旦完成，调用方随后的取消不能让这笔费用丢失。
func (d *Dispatcher) settle(ctx context.Context, x *Execution, task *EngineTask, logger *zap.Logger) {
	sel := task.Selection
	content := task.Output.String()

	if task.usage != nil {
		task.TokensIn = task.usage.PromptTokens
		task.TokensOut = task.usage.CompletionTokens
	}
	// 上游完全没有报告用量时才本地估算；只要有一项非零就以上游为准
	if task.TokensIn <= 0 && task.TokensOut <= 0 {
		est := tokenizer.EstimateUsage(sel.ModelID,
			[]tokenizer.Message{{Role: string(llm.RoleUser), Content: x.Request.Prompt}}, content)
		task.TokensIn = est.PromptTokens
		task.TokensOut = est.CompletionTokens
		task.UsageEstimated = true
		logger.Debug("upstream usage missing, estimated locally",
			zap.Int("tokens_in", task.TokensIn),
			zap.Int("tokens_out", task.TokensOut))
	}
	d.metrics.RecordTokens(sel.ProviderID, sel.ModelID, task.TokensIn, task.TokensOut)

	task.Cost = billing.ComputeCost(task.TokensIn, task.TokensOut, task.config.Pricing)
	if d.meter == nil {
		return
	}

	res, err := d.meter.Charge(context.WithoutCancel(ctx), billing.Usage{
		TaskID:    task.ID,
		UserID:    x.Request.UserID,
		Provider:  sel.ProviderID,
		Model:     sel.ModelID,
		TokensIn:  task.TokensIn,
		TokensOut: task.TokensOut,
		Pricing:   task.config.Pricing,
	})
	if err != nil {
		if errors.Is(err, billing.ErrAlreadyMetered) {
			return
		}
		task.LastError = types.NewError(types.ErrInternalError, "charge failed").
			WithCause(err).WithHTTPStatus(http.StatusInternalServerError)
		d.metrics.RecordCharge(sel.ProviderID, sel.ModelID, "error", task.Cost, false)
		return
	}

	task.Charge = res
	task.Cost = res.Cost
	d.metrics.RecordCharge(sel.ProviderID, sel.ModelID, string(res.Status), res.Cost,
		res.Status == billing.StatusCharged)
	if res.Status == billing.StatusShortfall {
		task.LastError = res.Err()
		logger.Warn("insufficient credit, content delivered without charge",
			zap.Int64("cost", res.Cost),
			zap.Int64("available", res.Available))
	}
}

// toError 把任意错误转换为带错误码的 *types.Error
func toError(err error, provider string) *types.Error {
	if err == nil {
		return nil
	}
	cls := retry.Classify(err)
	out := types.NewError(cls.Code, err.Error()).WithProvider(provider).WithRetryable(cls.Retryable)
	if e, ok := types.AsError(err); ok {
		// 保留外层包装的前缀（例如重试耗尽），去掉内层错误码的重复
		out.Message = strings.TrimSuffix(err.Error(), e.Error()) + e.Message
		out.HTTPStatus = e.HTTPStatus
		out.RetryAfter = e.RetryAfter
		if e.Provider != "" {
			out.Provider = e.Provider
		}
	}
	return out.WithCause(err)
}
