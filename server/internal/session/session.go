// Package session 管理单次陪练会话的生命周期：Idle → Connecting → Active → Ended。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pitchtalk/server/internal/clock"
	"pitchtalk/server/internal/compliance"
	"pitchtalk/server/internal/config"
	"pitchtalk/server/internal/domain"
	"pitchtalk/server/internal/gateway"
	"pitchtalk/server/internal/model"
	"pitchtalk/server/internal/store"
	"pitchtalk/server/internal/supervisor"
	"pitchtalk/server/internal/timeline"
	"pitchtalk/server/internal/tool"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session transition")
)

const persistTimeout = 10 * time.Second

// Status 是会话生命周期状态，只能前进；Connecting 失败时回到 Idle。
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
)

// Transport 是实时语音连接在会话侧的视图，由 gateway.Gateway 实现。
type Transport interface {
	supervisor.Actuator
	SendToolResult(ctx context.Context, callID, output string) error
	Notify(msg *gateway.ServerMessage) error
	Run(handler gateway.EventHandler)
	CloseUpstream() error
	Close() error
}

// Dialer 建立上游连接并完成会话配置，返回尚未开始读取事件的 Transport。
type Dialer interface {
	Dial(ctx context.Context, sessionID string, setup gateway.Setup) (Transport, error)
}

// DialerFunc 把函数适配为 Dialer。
type DialerFunc func(ctx context.Context, sessionID string, setup gateway.Setup) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, sessionID string, setup gateway.Setup) (Transport, error) {
	return f(ctx, sessionID, setup)
}

// Scorer 在会话结束时生成报告；失败时仍返回兜底报告。
type Scorer interface {
	Score(ctx context.Context, persona model.Persona, transcript []model.Turn, outcome model.Outcome) (model.ScoreReport, error)
}

// Deps 是 Controller 的协作者。Repository 可为空，此时不持久化。
type Deps struct {
	Evaluator  supervisor.Evaluator
	Scorer     Scorer
	Scanner    *compliance.Scanner
	Repository store.Repository
	Clock      clock.Clock
	Logger     *zap.Logger
	// Go 派发异步工作（评估、结束流程），默认新开 goroutine。
	Go func(func())
}

// Options 描述要创建的会话。
type Options struct {
	ID       string
	UserName string
	Persona  model.Persona
}

// View 是给 HTTP 层的只读视图。
type View struct {
	ID          string                `json:"session_id"`
	UserName    string                `json:"user_name"`
	PersonaID   string                `json:"persona_id"`
	PersonaName string                `json:"persona_name"`
	Status      Status                `json:"status"`
	Phase       string                `json:"phase"`
	Attitude    model.AttitudeState   `json:"attitude"`
	MoodHistory []int                 `json:"mood_history"`
	Compliance  model.ComplianceState `json:"compliance"`
	Transcript  []model.Turn          `json:"transcript"`
	DebugEvents []model.DebugEvent    `json:"debug_events"`
	Outcome     model.Outcome         `json:"outcome,omitempty"`
	EndTrigger  string                `json:"end_trigger,omitempty"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	StartError  string                `json:"start_error,omitempty"`
}

// Controller 驱动单个会话。重试不会复用 Controller，而是创建新的实例。
type Controller struct {
	id       string
	userName string
	persona  model.Persona
	cfg      config.SupervisorConfig
	session  config.SessionConfig
	deps     Deps
	log      *zap.Logger

	mu         sync.Mutex
	status     Status
	startErr   error
	transport  Transport
	loop       *supervisor.Loop
	transcript *timeline.Transcript
	debug      *timeline.DebugLog
	tools      *tool.Registry
	declared   *model.Outcome
	startedAt  time.Time
	outcome    model.Outcome
	trigger    string
	report     *model.ScoreReport
	record     *model.SessionRecord
	done       chan struct{}
}

func NewController(opts Options, cfg config.SupervisorConfig, sessionCfg config.SessionConfig, deps Deps) *Controller {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Go == nil {
		deps.Go = func(f func()) { go f() }
	}

	c := &Controller{
		id:         opts.ID,
		userName:   opts.UserName,
		persona:    opts.Persona,
		cfg:        cfg,
		session:    sessionCfg,
		deps:       deps,
		log:        deps.Logger.Named("session").With(zap.String("session_id", opts.ID)),
		status:     StatusIdle,
		transcript: timeline.NewTranscript(),
		debug:      timeline.NewDebugLog(deps.Clock.Now),
		done:       make(chan struct{}),
	}
	c.tools = tool.NewRegistry(tool.NewEndConversationTool(c.declare))
	return c
}

func (c *Controller) ID() string { return c.id }

func (c *Controller) UserName() string { return c.userName }

func (c *Controller) Persona() model.Persona { return c.persona }

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Done 在报告生成并持久化后关闭。
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Start 建立实时连接并进入 Active。连接失败时回到 Idle 并返回错误。
func (c *Controller) Start(ctx context.Context, dialer Dialer) error {
	c.mu.Lock()
	if c.status != StatusIdle {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("start from %s: %w", status, ErrInvalidTransition)
	}
	c.status = StatusConnecting
	c.startErr = nil
	c.mu.Unlock()

	setup := gateway.Setup{
		Instructions: domain.BuildAgentInstructions(c.persona, supervisor.ScaleFor(c.persona, c.cfg.Scale)),
		Voice:        c.persona.Voice,
		Tools:        c.tools.Definitions(),
	}

	dialCtx := ctx
	if c.session.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.session.ConnectTimeout)
		defer cancel()
	}

	transport, err := dialer.Dial(dialCtx, c.id, setup)
	if err != nil {
		c.mu.Lock()
		c.status = StatusIdle
		c.startErr = err
		c.mu.Unlock()
		c.log.Warn("session failed to start", zap.Error(err))
		return fmt.Errorf("start session: %w", err)
	}

	c.mu.Lock()
	c.activateLocked(transport)
	c.mu.Unlock()

	c.log.Info("session active", zap.String("persona", c.persona.ID), zap.String("user", c.userName))
	transport.Run(c.HandleEvent)
	return nil
}

// activateLocked 进入 Active，重置全部会话内状态。
func (c *Controller) activateLocked(transport Transport) {
	c.transport = transport
	c.transcript = timeline.NewTranscript()
	c.debug = timeline.NewDebugLog(c.deps.Clock.Now)
	c.declared = nil
	c.startedAt = c.deps.Clock.Now()
	c.loop = supervisor.NewLoop(context.Background(), c.cfg, supervisor.Deps{
		Evaluator:  c.deps.Evaluator,
		Actuator:   transport,
		Scanner:    c.deps.Scanner,
		Transcript: c.transcript,
		Debug:      c.debug,
		Persona:    c.persona,
		Clock:      c.deps.Clock,
		Logger:     c.log,
		OnEnd:      c.onEnd,
		OnState:    c.pushState,
		Go:         c.deps.Go,
	})
	c.status = StatusActive
	c.debug.Add(model.DebugConnected, map[string]any{"persona": c.persona.ID, "user": c.userName})
}

// HandleEvent 串行处理网关事件。非 Active 状态下的事件被忽略。
func (c *Controller) HandleEvent(ctx context.Context, ev *gateway.Event) error {
	c.mu.Lock()
	if c.status != StatusActive {
		c.mu.Unlock()
		return nil
	}
	loop, transcript, debug, transport := c.loop, c.transcript, c.debug, c.transport
	c.mu.Unlock()

	switch ev.Type {
	case gateway.EventTranscript:
		ts := ev.TS
		if ts.IsZero() {
			ts = c.deps.Clock.Now()
		}
		turn, added := transcript.Append(ev.Speaker, ev.Text, ev.ItemID, ts)
		if added {
			loop.Observe(turn)
		}
		return nil

	case gateway.EventToolCall:
		return c.handleToolCall(ctx, ev.ToolCall, loop, debug, transport)

	case gateway.EventEndRequested:
		loop.EndByTrainee()
		return nil

	case gateway.EventBargeIn:
		c.log.Debug("trainee interrupted the agent")
		return nil

	case gateway.EventError:
		debug.Add(model.DebugError, map[string]any{"source": "realtime", "error": ev.Error})
		return nil

	case gateway.EventDisconnected:
		c.log.Info("transport disconnected", zap.String("source", ev.Error))
		loop.Disconnected()
		return nil
	}
	return fmt.Errorf("unknown event type %q", ev.Type)
}

// handleToolCall 执行工具、回传确认，然后才把 Agent 的结束声明交给监督循环。
func (c *Controller) handleToolCall(ctx context.Context, call *gateway.ToolCall, loop *supervisor.Loop, debug *timeline.DebugLog, transport Transport) error {
	if call == nil {
		return errors.New("tool call event without payload")
	}

	output, err := c.tools.Execute(ctx, call.Name, call.Arguments)
	payload := map[string]any{"name": call.Name, "call_id": call.CallID, "arguments": call.Arguments}
	if err != nil {
		payload["error"] = err.Error()
		b, _ := json.Marshal(map[string]string{"status": "error", "error": err.Error()})
		output = string(b)
	} else {
		payload["result"] = output
	}
	debug.Add(model.DebugAgentToolCall, payload)

	if sendErr := transport.SendToolResult(ctx, call.CallID, output); sendErr != nil {
		c.log.Warn("tool result not delivered", zap.String("tool", call.Name), zap.Error(sendErr))
	}

	c.mu.Lock()
	declared := c.declared
	c.declared = nil
	c.mu.Unlock()
	if declared != nil {
		loop.AgentEnded(*declared)
	}
	return err
}

// declare 由 end_conversation 工具回调，记录 Agent 声明的结局。
func (c *Controller) declare(outcome model.Outcome) {
	c.mu.Lock()
	c.declared = &outcome
	c.mu.Unlock()
}

// EndByTrainee 学员主动结束。已经在结束流程中时为 no-op。
func (c *Controller) EndByTrainee() error {
	c.mu.Lock()
	status, loop := c.status, c.loop
	c.mu.Unlock()

	if status == StatusEnded {
		return nil
	}
	if status != StatusActive {
		return fmt.Errorf("end from %s: %w", status, ErrInvalidTransition)
	}
	loop.EndByTrainee()
	return nil
}

// Abort 用于服务关闭：立即执行等待中的告别延时，否则按断线结束。
func (c *Controller) Abort() {
	c.mu.Lock()
	status, loop := c.status, c.loop
	c.mu.Unlock()

	if status != StatusActive {
		return
	}
	loop.Flush()
	loop.Disconnected()
}

// Wait 阻塞到报告就绪或 ctx 结束。
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) onEnd(outcome model.Outcome, trigger string) {
	c.deps.Go(func() { c.finalize(outcome, trigger) })
}

// finalize 只执行一次，顺序固定：断开上游、评分、持久化、再把报告交给学员。
func (c *Controller) finalize(outcome model.Outcome, trigger string) {
	c.mu.Lock()
	if c.status != StatusActive {
		c.mu.Unlock()
		return
	}
	c.status = StatusEnded
	c.outcome = outcome
	c.trigger = trigger
	loop, transcript, debug, transport, startedAt := c.loop, c.transcript, c.debug, c.transport, c.startedAt
	c.mu.Unlock()

	log := c.log.With(zap.String("outcome", string(outcome)), zap.String("trigger", trigger))
	log.Info("session ending")

	loop.Stop()
	if err := transport.CloseUpstream(); err != nil {
		log.Warn("close upstream", zap.Error(err))
	}

	turns := transcript.Turns()
	report, err := c.deps.Scorer.Score(context.Background(), c.persona, turns, outcome)
	if err != nil {
		log.Warn("scoring fell back", zap.Error(err))
		debug.Add(model.DebugError, map[string]any{"source": "scoring", "error": err.Error()})
	}

	state := loop.Snapshot()
	endedAt := c.deps.Clock.Now()
	rec := model.SessionRecord{
		SessionID:     c.id,
		UserName:      c.userName,
		PersonaID:     c.persona.ID,
		PersonaName:   c.persona.Name,
		Outcome:       outcome,
		EndTrigger:    trigger,
		Transcript:    turns,
		MoodHistory:   state.MoodHistory,
		FinalAttitude: state.Attitude.Current,
		Score:         &report,
		DebugEvents:   debug.Events(),
		DurationMs:    endedAt.Sub(startedAt).Milliseconds(),
		ExchangeCount: timeline.CountExchanges(turns),
		CreatedAt:     endedAt,
	}
	c.persist(&rec, log)

	c.mu.Lock()
	c.report = &report
	c.record = &rec
	c.mu.Unlock()
	close(c.done)

	log.Info("session report ready", zap.Int("overall", report.Overall), zap.Bool("fallback", report.Fallback))

	if err := transport.Notify(&gateway.ServerMessage{Type: gateway.ServerSessionReport, Data: report}); err != nil {
		log.Debug("report not pushed to client", zap.Error(err))
	}
	if err := transport.Close(); err != nil {
		log.Debug("close transport", zap.Error(err))
	}
}

// persist 尽力写入，失败不影响学员拿到报告。
func (c *Controller) persist(rec *model.SessionRecord, log *zap.Logger) {
	if c.deps.Repository == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := c.deps.Repository.Save(ctx, rec); err != nil {
		log.Error("persist session record", zap.Error(err))
	}
}

// pushState 把评估后的状态推给客户端。
func (c *Controller) pushState(state supervisor.State) {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()

	if err := transport.Notify(&gateway.ServerMessage{Type: gateway.ServerSupervisorState, Data: state}); err != nil {
		c.log.Debug("state not pushed to client", zap.Error(err))
	}
}

// Report 返回最终报告，会话未结束时 ok=false。
func (c *Controller) Report() (model.ScoreReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.report == nil {
		return model.ScoreReport{}, false
	}
	return *c.report, true
}

// Record 返回持久化的完整记录，会话未结束时 ok=false。
func (c *Controller) Record() (model.SessionRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record == nil {
		return model.SessionRecord{}, false
	}
	return *c.record, true
}

// View 返回当前视图。
func (c *Controller) View() View {
	c.mu.Lock()
	v := View{
		ID:          c.id,
		UserName:    c.userName,
		PersonaID:   c.persona.ID,
		PersonaName: c.persona.Name,
		Status:      c.status,
		Outcome:     c.outcome,
		EndTrigger:  c.trigger,
	}
	if c.startErr != nil {
		v.StartError = c.startErr.Error()
	}
	if !c.startedAt.IsZero() {
		started := c.startedAt
		v.StartedAt = &started
	}
	loop, transcript, debug := c.loop, c.transcript, c.debug
	c.mu.Unlock()

	v.Transcript = transcript.Turns()
	v.DebugEvents = debug.Events()
	if loop != nil {
		state := loop.Snapshot()
		v.Phase = state.PhaseName
		v.Attitude = state.Attitude
		v.MoodHistory = state.MoodHistory
		v.Compliance = state.Compliance
		return v
	}

	initial := supervisor.ScaleFor(c.persona, c.cfg.Scale).Clamp(c.persona.InitialAttitude)
	v.Phase = supervisor.PhaseIdle.String()
	v.Attitude = model.AttitudeState{Current: initial, Direction: model.DirectionStable}
	v.MoodHistory = []int{initial}
	return v
}
