package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pitchtalk/server/internal/clock"
	"pitchtalk/server/internal/compliance"
	"pitchtalk/server/internal/config"
	"pitchtalk/server/internal/model"
	"pitchtalk/server/internal/timeline"
)

// Phase 是监督循环的状态：Idle → Running → Ending → Done，只能前进。
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseEnding
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseEnding:
		return "ending"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

// Actuator 是监督循环影响实时对话的两个通道。
type Actuator interface {
	// InjectContext 以被动上下文的方式注入指令，不触发回复。
	InjectContext(ctx context.Context, text string) error
	// ForceResponse 让 Agent 立即说一轮。
	ForceResponse(ctx context.Context) error
}

// EndFunc 在会话需要结束时被调用，每个 Loop 至多一次。
type EndFunc func(outcome model.Outcome, trigger string)

// State 是给 UI 与报告使用的只读快照。
type State struct {
	Phase       Phase                 `json:"-"`
	PhaseName   string                `json:"phase"`
	Attitude    model.AttitudeState   `json:"attitude"`
	MoodHistory []int                 `json:"mood_history"`
	Compliance  model.ComplianceState `json:"compliance"`
	EndReason   model.EndReason       `json:"end_reason,omitempty"`
}

// Deps 是 Loop 的协作者。
type Deps struct {
	Evaluator  Evaluator
	Actuator   Actuator
	Scanner    *compliance.Scanner
	Transcript *timeline.Transcript
	Debug      *timeline.DebugLog
	Persona    model.Persona
	Clock      clock.Clock
	Logger     *zap.Logger
	OnEnd      EndFunc
	// OnState 在每次评估被接受后调用，可为空。
	OnState func(State)
	// Go 派发异步评估，默认新开 goroutine。
	Go func(func())
}

// Loop 是单个会话的监督状态机。
//
// 结束的竞争方（评估要求结束、Agent 结束工具、安全超时、断线、手动结束）
// 都通过同一个原子 phase 字段的 CAS 认领，只有一方能进入 Done。
type Loop struct {
	cfg   config.SupervisorConfig
	deps  Deps
	scale model.AttitudeScale
	log   *zap.Logger

	phase  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	stopped       bool
	gen           uint64
	debounce      clock.Timer
	safety        clock.Timer
	grace         clock.Timer
	graceEnd      func()
	inFlight      bool
	rerun         bool
	lastCall      time.Time
	attitude      model.AttitudeState
	mood          []int
	compliance    model.ComplianceState
	pendingReason model.EndReason
}

func NewLoop(parent context.Context, cfg config.SupervisorConfig, deps Deps) *Loop {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Go == nil {
		deps.Go = func(f func()) { go f() }
	}
	if deps.Debug == nil {
		deps.Debug = timeline.NewDebugLog(deps.Clock.Now)
	}

	scale := ScaleFor(deps.Persona, cfg.Scale)
	initial := scale.Clamp(deps.Persona.InitialAttitude)
	ctx, cancel := context.WithCancel(parent)

	return &Loop{
		cfg:      cfg,
		deps:     deps,
		scale:    scale,
		log:      deps.Logger.Named("supervisor"),
		ctx:      ctx,
		cancel:   cancel,
		attitude: model.AttitudeState{Current: initial, Direction: model.DirectionStable},
		mood:     []int{initial},
	}
}

// Phase 返回当前状态。
func (l *Loop) Phase() Phase {
	return Phase(l.phase.Load())
}

// Observe 处理一条刚写入对话记录的轮次。
// 学员轮次只做合规扫描；Agent 轮次把 Idle 推进到 Running 并（重新）安排评估。
func (l *Loop) Observe(turn model.Turn) {
	switch turn.Speaker {
	case model.SpeakerTrainee:
		l.scan(turn)
	case model.SpeakerAgent:
		l.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseRunning))
		if l.Phase() != PhaseRunning {
			return
		}
		l.schedule()
	}
}

func (l *Loop) scan(turn model.Turn) {
	if l.deps.Scanner == nil {
		return
	}

	l.mu.Lock()
	res := l.deps.Scanner.Scan(turn.Text, l.compliance, turn.TS)
	l.compliance = res.State
	l.mu.Unlock()

	if res.Flow != nil {
		l.log.Info("flow violation",
			zap.String("code", string(res.Flow.Code)),
			zap.String("matched", res.Flow.Matched),
			zap.String("severity", string(res.Flow.Severity)))
	}
	for _, v := range res.Violations {
		l.log.Info("forbidden phrase", zap.String("matched", v.Matched), zap.String("severity", string(v.Severity)))
	}
}

// schedule 取消旧的防抖定时器并重新安排，只有最后一次安排会触发。
func (l *Loop) schedule() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	if l.debounce != nil {
		l.debounce.Stop()
	}
	l.gen++
	gen := l.gen
	l.debounce = l.deps.Clock.AfterFunc(l.cfg.Debounce, func() { l.fire(gen) })
}

// fire 是防抖到期后的评估周期入口，依次检查：仍在 Running、无在途评估、最小间隔、至少两轮对话。
func (l *Loop) fire(gen uint64) {
	l.mu.Lock()
	if l.stopped || gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.debounce = nil

	if l.Phase() != PhaseRunning {
		l.mu.Unlock()
		return
	}
	if l.inFlight {
		l.rerun = true
		l.mu.Unlock()
		return
	}
	now := l.deps.Clock.Now()
	if !l.lastCall.IsZero() && now.Sub(l.lastCall) < l.cfg.MinInterval {
		l.mu.Unlock()
		l.log.Debug("evaluation skipped: min interval", zap.Duration("since_last", now.Sub(l.lastCall)))
		return
	}
	turns := l.deps.Transcript.Turns()
	if len(turns) < 2 {
		l.mu.Unlock()
		return
	}

	l.lastCall = now
	l.inFlight = true
	req := EvaluationRequest{
		Persona:         l.deps.Persona,
		Transcript:      turns,
		MoodHistory:     append([]int(nil), l.mood...),
		CurrentAttitude: l.attitude.Current,
		Compliance:      l.compliance.Snapshot(),
		ExchangeCount:   timeline.CountExchanges(turns),
	}
	ctx := l.ctx
	l.mu.Unlock()

	l.deps.Go(func() {
		callCtx, cancel := context.WithTimeout(ctx, l.cfg.EvaluationTimeout)
		defer cancel()
		ev, err := l.deps.Evaluator.Evaluate(callCtx, req)
		l.apply(req, ev, err)
	})
}

// apply 接受一次评估结果：更新态度与情绪历史、注入指令，必要时进入 Ending。
func (l *Loop) apply(req EvaluationRequest, ev model.Evaluation, evalErr error) {
	l.mu.Lock()
	l.inFlight = false
	rerun := l.rerun
	l.rerun = false

	if l.stopped || l.Phase() != PhaseRunning {
		l.mu.Unlock()
		l.log.Debug("evaluation dropped after ending", zap.Int("attitude", ev.Attitude), zap.Error(evalErr))
		return
	}
	if evalErr != nil {
		l.log.Warn("evaluation fell back", zap.Error(evalErr))
		l.deps.Debug.Add(model.DebugError, map[string]any{"source": "evaluator", "error": evalErr.Error()})
	}

	ev.Attitude = l.scale.Clamp(ev.Attitude)
	l.attitude = model.AttitudeState{Current: ev.Attitude, Direction: ev.Direction}
	l.mood = append(l.mood, ev.Attitude)

	ending := false
	if ev.ShouldEnd && l.phase.CompareAndSwap(int32(PhaseRunning), int32(PhaseEnding)) {
		ending = true
		l.pendingReason = ev.EndReason
		l.stopTimerLocked(&l.debounce)
		l.safety = l.deps.Clock.AfterFunc(l.cfg.SafetyTimeout, l.safetyExpired)
	}
	// 回落结果不带合规判定，指令改用扫描器的实时状态。
	shown := ev
	if evalErr != nil {
		shown.Compliance = l.compliance.Snapshot()
	}
	directive := Format(shown, PhaseFor(l.cfg.Phases, req.ExchangeCount, l.scale))
	state := l.snapshotLocked()
	l.mu.Unlock()

	l.deps.Debug.Add(model.DebugEvaluation, map[string]any{
		"attitude":       ev.Attitude,
		"direction":      string(ev.Direction),
		"guidance":       ev.Guidance,
		"topics":         ev.TopicsCovered,
		"is_on_track":    ev.IsOnTrack,
		"should_end":     ev.ShouldEnd,
		"end_reason":     string(ev.EndReason),
		"exchange_count": req.ExchangeCount,
		"fallback":       evalErr != nil,
	})
	l.log.Info("evaluation applied",
		zap.Int("attitude", ev.Attitude),
		zap.String("direction", string(ev.Direction)),
		zap.Bool("should_end", ev.ShouldEnd))

	if l.deps.OnState != nil {
		l.deps.OnState(state)
	}

	if err := l.deps.Actuator.InjectContext(l.ctx, directive); err != nil {
		l.deps.Debug.Add(model.DebugError, map[string]any{"source": "inject", "error": err.Error()})
	} else {
		l.deps.Debug.Add(model.DebugDirectiveInjected, map[string]any{"directive": directive})
	}

	if ending {
		l.deps.Debug.Add(model.DebugEvaluation, map[string]any{"action": "ending", "reason": string(ev.EndReason)})
		if err := l.deps.Actuator.ForceResponse(l.ctx); err != nil {
			l.deps.Debug.Add(model.DebugError, map[string]any{"source": "force_response", "error": err.Error()})
		}
		return
	}
	if rerun {
		l.schedule()
	}
}

// safetyExpired：评估要求结束后 Agent 迟迟不自行结束，按评估原因强制结束。
func (l *Loop) safetyExpired() {
	l.mu.Lock()
	if l.stopped || !l.phase.CompareAndSwap(int32(PhaseEnding), int32(PhaseDone)) {
		l.mu.Unlock()
		return
	}
	reason := l.pendingReason
	l.safety = nil
	l.stopTimerLocked(&l.debounce)
	l.mu.Unlock()

	l.log.Warn("safety timeout, forcing end", zap.String("reason", string(reason)))
	l.deps.Debug.Add(model.DebugEvaluation, map[string]any{"action": "force_end", "reason": string(reason)})
	l.deps.OnEnd(model.OutcomeFor(reason), "supervisor:"+string(reason))
}

// AgentEnded 处理 Agent 的结束工具调用。认领成功后等待告别语音播放，再结束会话。
func (l *Loop) AgentEnded(outcome model.Outcome) bool {
	return l.terminate(outcome, "end_conversation:"+string(outcome), l.cfg.AgentEndGrace)
}

// Disconnected 处理传输断开：视为学员离开；若评估已要求结束，则沿用评估的原因。
func (l *Loop) Disconnected() bool {
	outcome := model.OutcomeWalkedAway
	l.mu.Lock()
	if l.pendingReason != model.EndReasonNone {
		outcome = model.OutcomeFor(l.pendingReason)
	}
	l.mu.Unlock()
	return l.terminate(outcome, "disconnect", 0)
}

// EndByTrainee 处理学员主动结束。
func (l *Loop) EndByTrainee() bool {
	return l.terminate(model.OutcomeWalkedAway, "manual", 0)
}

// terminate 从任意非 Done 状态认领 Done。返回 false 表示已被其他来源认领。
func (l *Loop) terminate(outcome model.Outcome, trigger string, delay time.Duration) bool {
	l.mu.Lock()
	if l.stopped || !l.claimDone() {
		l.mu.Unlock()
		return false
	}
	l.stopTimerLocked(&l.debounce)
	l.stopTimerLocked(&l.safety)

	end := func() { l.deps.OnEnd(outcome, trigger) }
	if delay > 0 {
		l.graceEnd = end
		l.grace = l.deps.Clock.AfterFunc(delay, end)
		l.mu.Unlock()
		l.log.Info("end claimed", zap.String("trigger", trigger), zap.Duration("grace", delay))
		return true
	}
	l.mu.Unlock()

	l.log.Info("end claimed", zap.String("trigger", trigger))
	end()
	return true
}

func (l *Loop) claimDone() bool {
	for {
		cur := l.phase.Load()
		if Phase(cur) == PhaseDone {
			return false
		}
		if l.phase.CompareAndSwap(cur, int32(PhaseDone)) {
			return true
		}
	}
}

// Flush 若有等待中的告别延时，立即执行结束。用于服务关闭。
func (l *Loop) Flush() {
	l.mu.Lock()
	end := l.graceEnd
	pending := l.grace != nil && l.grace.Stop()
	l.grace = nil
	l.mu.Unlock()

	if pending && end != nil {
		end()
	}
}

// Stop 取消全部定时器与在途评估，之后任何回调都不再生效。可重复调用。
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	l.stopped = true
	l.stopTimerLocked(&l.debounce)
	l.stopTimerLocked(&l.safety)
	l.stopTimerLocked(&l.grace)
	l.cancel()
}

func (l *Loop) stopTimerLocked(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// Snapshot 返回当前状态快照。
func (l *Loop) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Loop) snapshotLocked() State {
	p := l.Phase()
	return State{
		Phase:       p,
		PhaseName:   p.String(),
		Attitude:    l.attitude,
		MoodHistory: append([]int(nil), l.mood...),
		Compliance:  l.compliance.Clone(),
		EndReason:   l.pendingReason,
	}
}
