package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pitchtalk/server/internal/clock"
	"pitchtalk/server/internal/compliance"
	"pitchtalk/server/internal/config"
	"pitchtalk/server/internal/gateway"
	"pitchtalk/server/internal/llm"
	"pitchtalk/server/internal/model"
	"pitchtalk/server/internal/scoring"
	"pitchtalk/server/internal/store"
	"pitchtalk/server/internal/supervisor"
	"pitchtalk/server/internal/tool"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const scoreJSON = `{"categories":{"relationship":8,"needsDiscovery":6,"productPresentation":8,"compliance":10},"highlights":["warm opener"],"summary":"solid"}`

type toolResult struct {
	callID string
	output string
}

// fakeTransport 记录会话发出的全部指令，ops 保留调用顺序。
type fakeTransport struct {
	mu          sync.Mutex
	ops         []string
	injected    []string
	forced      int
	toolResults []toolResult
	notified    []*gateway.ServerMessage
	handler     gateway.EventHandler
}

func (f *fakeTransport) record(op string) {
	f.ops = append(f.ops, op)
}

func (f *fakeTransport) InjectContext(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("inject")
	f.injected = append(f.injected, text)
	return nil
}

func (f *fakeTransport) ForceResponse(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("force")
	f.forced++
	return nil
}

func (f *fakeTransport) SendToolResult(_ context.Context, callID, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("tool_result")
	f.toolResults = append(f.toolResults, toolResult{callID: callID, output: output})
	return nil
}

func (f *fakeTransport) Notify(msg *gateway.ServerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("notify:" + string(msg.Type))
	f.notified = append(f.notified, msg)
	return nil
}

func (f *fakeTransport) Run(handler gateway.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("run")
	f.handler = handler
}

func (f *fakeTransport) CloseUpstream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("close_upstream")
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("close")
	return nil
}

func (f *fakeTransport) opsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeTransport) notifiedOfType(typ gateway.ServerMessageType) []*gateway.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*gateway.ServerMessage
	for _, m := range f.notified {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type failingRepo struct {
	store.Repository
}

func (failingRepo) Save(context.Context, *model.SessionRecord) error {
	return errors.New("disk full")
}

type harness struct {
	clock     *clock.Fake
	evalLLM   *llm.MockClient
	scoreLLM  *llm.MockClient
	repo      store.Repository
	transport *fakeTransport
	setup     gateway.Setup
	ctrl      *Controller
}

type harnessOption func(*harness)

func withRepo(repo store.Repository) harnessOption {
	return func(h *harness) { h.repo = repo }
}

func testPersona() model.Persona {
	return model.Persona{
		ID:              "pete",
		Name:            "Pete",
		Voice:           "verse",
		InitialAttitude: 3,
		Scale:           model.AttitudeScale{Min: 0, Max: 10},
		ConvertAt:       8,
		WalkAwayAt:      2,
		Identity:        "Construction worker, 45",
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := config.Default()
	h := &harness{
		clock:     clock.NewFake(t0),
		evalLLM:   &llm.MockClient{},
		scoreLLM:  &llm.MockClient{Responses: []string{scoreJSON}},
		repo:      store.NewMemory(),
		transport: &fakeTransport{},
	}
	for _, opt := range opts {
		opt(h)
	}

	scanner, err := compliance.NewScanner(compliance.DefaultRules(), compliance.StrategyFold)
	require.NoError(t, err)

	h.ctrl = NewController(
		Options{ID: "s1", UserName: "anna", Persona: testPersona()},
		cfg.Supervisor,
		cfg.Session,
		Deps{
			Evaluator:  supervisor.NewLLMEvaluator(h.evalLLM, cfg.Supervisor, nil),
			Scorer:     scoring.NewScorer(h.scoreLLM, scanner, cfg.Scoring, nil),
			Scanner:    scanner,
			Repository: h.repo,
			Clock:      h.clock,
			Go:         func(f func()) { f() },
		},
	)
	return h
}

func (h *harness) dialer() Dialer {
	return DialerFunc(func(_ context.Context, sessionID string, setup gateway.Setup) (Transport, error) {
		h.setup = setup
		return h.transport, nil
	})
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctrl.Start(context.Background(), h.dialer()))
}

func (h *harness) say(t *testing.T, speaker model.Speaker, text, itemID string) {
	t.Helper()
	require.NoError(t, h.ctrl.HandleEvent(context.Background(), &gateway.Event{
		Type:    gateway.EventTranscript,
		Speaker: speaker,
		Text:    text,
		ItemID:  itemID,
		TS:      h.clock.Now(),
	}))
}

func (h *harness) toolCall(name, args string) error {
	return h.ctrl.HandleEvent(context.Background(), &gateway.Event{
		Type:     gateway.EventToolCall,
		ToolCall: &gateway.ToolCall{CallID: "call_1", Name: name, Arguments: args},
	})
}

func (h *harness) record(t *testing.T) model.SessionRecord {
	t.Helper()
	recs, err := h.repo.ListByUser(context.Background(), "anna")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

func countKind(events []model.DebugEvent, kind model.DebugKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestController_StartActivates(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, StatusIdle, h.ctrl.Status())

	h.start(t)

	assert.Equal(t, StatusActive, h.ctrl.Status())
	assert.Equal(t, []string{"run"}, h.transport.opsSnapshot())
	assert.Contains(t, h.setup.Instructions, "Pete")
	assert.Equal(t, "verse", h.setup.Voice)
	require.Len(t, h.setup.Tools, 1)
	assert.Equal(t, tool.EndConversationName, h.setup.Tools[0].Name)

	v := h.ctrl.View()
	assert.Equal(t, 3, v.Attitude.Current)
	assert.Equal(t, []int{3}, v.MoodHistory)
	assert.Equal(t, supervisor.PhaseIdle.String(), v.Phase)
	assert.Equal(t, 1, countKind(v.DebugEvents, model.DebugConnected))

	err := h.ctrl.Start(context.Background(), h.dialer())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestController_StartFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t)

	failing := DialerFunc(func(context.Context, string, gateway.Setup) (Transport, error) {
		return nil, errors.New("dial realtime: status=401")
	})
	err := h.ctrl.Start(context.Background(), failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=401")

	assert.Equal(t, StatusIdle, h.ctrl.Status())
	assert.Contains(t, h.ctrl.View().StartError, "status=401")

	h.start(t)
	assert.Equal(t, StatusActive, h.ctrl.Status())
	assert.Empty(t, h.ctrl.View().StartError)
}

func TestController_EvaluatorEndThenSafetyTimeout(t *testing.T) {
	h := newHarness(t)
	h.evalLLM.Responses = []string{`{"attitude":9,"direction":"rising","guidance":"Ask for the decision.","shouldEnd":true,"endReason":"converted"}`}
	h.start(t)

	h.say(t, model.SpeakerTrainee, "Hi, have you got a minute?", "u1")
	h.say(t, model.SpeakerAgent, "Make it quick.", "a1")
	h.clock.Advance(2 * time.Second)

	require.Equal(t, 1, h.evalLLM.CallCount())
	assert.Equal(t, 1, h.transport.forced)
	require.Len(t, h.transport.injected, 1)
	assert.Contains(t, h.transport.injected[0], "ATTITUDE: 9/10")
	require.Len(t, h.transport.notifiedOfType(gateway.ServerSupervisorState), 1)
	assert.Equal(t, StatusActive, h.ctrl.Status())

	h.clock.Advance(15 * time.Second)

	assert.Equal(t, StatusEnded, h.ctrl.Status())
	report, ok := h.ctrl.Report()
	require.True(t, ok)
	assert.Equal(t, 78, report.Overall)
	assert.Equal(t, model.OutcomeConverted, report.Outcome)
	assert.Equal(t, 1, h.scoreLLM.CallCount())

	rec := h.record(t)
	assert.Equal(t, "supervisor:converted", rec.EndTrigger)
	assert.Equal(t, model.OutcomeConverted, rec.Outcome)
	assert.Equal(t, []int{3, 9}, rec.MoodHistory)
	assert.Equal(t, 9, rec.FinalAttitude)
	assert.Equal(t, 1, rec.ExchangeCount)
	assert.Equal(t, int64(17000), rec.DurationMs)
	assert.Equal(t, "pete", rec.PersonaID)
	require.NotNil(t, rec.Score)
	assert.Equal(t, 78, rec.Score.Overall)

	ops := h.transport.opsSnapshot()
	assert.Equal(t, []string{"close_upstream", "notify:session_report", "close"}, ops[len(ops)-3:])

	select {
	case <-h.ctrl.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestController_AgentEndToolWithGrace(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.say(t, model.SpeakerTrainee, "Thanks for your time.", "u1")
	h.say(t, model.SpeakerAgent, "Alright, I'll take one. Bye!", "a1")
	require.NoError(t, h.toolCall(tool.EndConversationName, `{"reason":"converted"}`))

	require.Len(t, h.transport.toolResults, 1)
	assert.Equal(t, "call_1", h.transport.toolResults[0].callID)
	assert.JSONEq(t, `{"status":"ok","reason":"converted"}`, h.transport.toolResults[0].output)

	// 告别语音播放期间仍是 Active
	assert.Equal(t, StatusActive, h.ctrl.Status())
	h.clock.Advance(4 * time.Second)
	assert.Equal(t, StatusActive, h.ctrl.Status())

	h.clock.Advance(time.Second)
	assert.Equal(t, StatusEnded, h.ctrl.Status())

	rec := h.record(t)
	assert.Equal(t, "end_conversation:converted", rec.EndTrigger)
	assert.Equal(t, model.OutcomeConverted, rec.Outcome)
	assert.Equal(t, 1, countKind(rec.DebugEvents, model.DebugAgentToolCall))

	ops := h.transport.opsSnapshot()
	assert.Less(t, indexOf(ops, "tool_result"), indexOf(ops, "close_upstream"))
}

func indexOf(ops []string, op string) int {
	for i, o := range ops {
		if o == op {
			return i
		}
	}
	return -1
}

func TestController_UnknownToolIsAcknowledgedWithError(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	err := h.toolCall("launch_rockets", `{}`)
	var notFound *tool.NotFoundError
	require.ErrorAs(t, err, &notFound)

	require.Len(t, h.transport.toolResults, 1)
	assert.Contains(t, h.transport.toolResults[0].output, `"status":"error"`)
	assert.Equal(t, StatusActive, h.ctrl.Status())
}

func TestController_DisconnectEndsAsWalkedAway(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.say(t, model.SpeakerTrainee, "Hello there", "u1")

	require.NoError(t, h.ctrl.HandleEvent(context.Background(), &gateway.Event{Type: gateway.EventDisconnected, Error: "client"}))

	rec := h.record(t)
	assert.Equal(t, model.OutcomeWalkedAway, rec.Outcome)
	assert.Equal(t, "disconnect", rec.EndTrigger)
}

func TestController_ScoringFailureStillReports(t *testing.T) {
	h := newHarness(t)
	h.scoreLLM.Err = errors.New("connection reset")
	h.start(t)

	require.NoError(t, h.ctrl.EndByTrainee())

	report, ok := h.ctrl.Report()
	require.True(t, ok)
	assert.True(t, report.Fallback)
	assert.Equal(t, model.OutcomeWalkedAway, report.Outcome)

	rec := h.record(t)
	assert.Equal(t, "manual", rec.EndTrigger)
	assert.Equal(t, 1, countKind(rec.DebugEvents, model.DebugError))
	require.Len(t, h.transport.notifiedOfType(gateway.ServerSessionReport), 1)
}

func TestController_PersistFailureDoesNotBlockReport(t *testing.T) {
	h := newHarness(t, withRepo(failingRepo{Repository: store.NewMemory()}))
	h.start(t)

	require.NoError(t, h.ctrl.HandleEvent(context.Background(), &gateway.Event{Type: gateway.EventEndRequested}))

	_, ok := h.ctrl.Report()
	assert.True(t, ok)
	require.Len(t, h.transport.notifiedOfType(gateway.ServerSessionReport), 1)
}

func TestController_TranscriptDedupByItemID(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.say(t, model.SpeakerTrainee, "Hi there", "u1")
	h.say(t, model.SpeakerTrainee, "Hi there", "u1")
	h.say(t, model.SpeakerAgent, "Yeah?", "a1")

	assert.Len(t, h.ctrl.View().Transcript, 2)
}

func TestController_EndByTrainee(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.ctrl.EndByTrainee(), ErrInvalidTransition)

	h.start(t)
	require.NoError(t, h.ctrl.EndByTrainee())
	assert.Equal(t, StatusEnded, h.ctrl.Status())

	// 已结束：重复结束是 no-op
	require.NoError(t, h.ctrl.EndByTrainee())
	assert.Equal(t, 1, h.scoreLLM.CallCount())
}

func TestController_EventsAfterEndIgnored(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.say(t, model.SpeakerTrainee, "Hi there", "u1")
	require.NoError(t, h.ctrl.EndByTrainee())

	h.say(t, model.SpeakerAgent, "Wait, come back!", "a1")

	assert.Len(t, h.ctrl.View().Transcript, 1)
	rec, ok := h.ctrl.Record()
	require.True(t, ok)
	assert.Len(t, rec.Transcript, 1)
}

func TestController_AbortFlushesPendingGrace(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	require.NoError(t, h.toolCall(tool.EndConversationName, `{"reason":"rejected"}`))
	assert.Equal(t, StatusActive, h.ctrl.Status())

	h.ctrl.Abort()

	assert.Equal(t, StatusEnded, h.ctrl.Status())
	rec := h.record(t)
	assert.Equal(t, "end_conversation:rejected", rec.EndTrigger)
	assert.Equal(t, model.OutcomeRejected, rec.Outcome)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestController_ViewReflectsEvaluation(t *testing.T) {
	h := newHarness(t)
	h.evalLLM.Responses = []string{`{"attitude":5,"direction":"rising","guidance":"Keep going."}`}
	h.start(t)

	h.say(t, model.SpeakerTrainee, "Are you over 18?", "u1")
	h.say(t, model.SpeakerAgent, "Yes, 45.", "a1")
	h.clock.Advance(2 * time.Second)

	v := h.ctrl.View()
	assert.Equal(t, StatusActive, v.Status)
	assert.Equal(t, supervisor.PhaseRunning.String(), v.Phase)
	assert.Equal(t, 5, v.Attitude.Current)
	assert.Equal(t, model.DirectionRising, v.Attitude.Direction)
	assert.Equal(t, []int{3, 5}, v.MoodHistory)
	assert.Equal(t, 1, countKind(v.DebugEvents, model.DebugDirectiveInjected))
}
