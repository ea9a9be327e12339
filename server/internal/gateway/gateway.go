package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pitchtalk/server/internal/config"
	"pitchtalk/server/internal/model"
)

// ErrConnClosed 连接已关闭
var ErrConnClosed = errors.New("connection is closed")

// Gateway 是单个会话的实时语音网关
// 职责：
// 1. 维护客户端↔后端的WebSocket连接（学员浏览器）
// 2. 维护后端↔OpenAI Realtime的WebSocket连接（扮演客户的 Agent）
// 3. 转发音频流（双向），把转写、工具调用、断线整理成 Event 串行交给会话
// 4. 执行会话的指令：注入上下文、强制回复、回传工具结果
// 5. 处理插话中断（barge-in）
type Gateway struct {
	sessionID string

	// 客户端连接
	clientConn     *websocket.Conn
	clientConnLock sync.Mutex

	// OpenAI Realtime连接
	realtimeConn     *websocket.Conn
	realtimeConnLock sync.Mutex
	// 主动关闭上游后，读循环的报错不再视为断线
	upstreamClosed atomic.Bool

	queue *EventQueue

	// 状态管理
	ctx            context.Context
	cancel         context.CancelFunc
	closeOnce      sync.Once
	closeChan      chan struct{}
	disconnectOnce sync.Once

	// 当前活跃的响应ID（用于barge-in取消）
	activeResponseID     string
	activeResponseIDLock sync.RWMutex

	// 序列号生成器（用于ServerMessage）
	seqCounter int64
	seqLock    sync.Mutex

	cfg    config.GatewayConfig
	openai config.OpenAIConfig
	logger *zap.Logger
}

// NewGateway 创建一个新的Gateway实例。clientConn 为已完成升级的学员连接。
func NewGateway(sessionID string, clientConn *websocket.Conn, cfg config.GatewayConfig, openai config.OpenAIConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Gateway{
		sessionID:  sessionID,
		clientConn: clientConn,
		ctx:        ctx,
		cancel:     cancel,
		closeChan:  make(chan struct{}),
		cfg:        cfg,
		openai:     openai,
		logger:     logger.Named("gateway").With(zap.String("session_id", sessionID)),
	}
}

// Connect 连接OpenAI Realtime并发送会话配置，失败时上游连接已关闭
func (g *Gateway) Connect(ctx context.Context, setup Setup) error {
	if err := g.connectRealtime(ctx); err != nil {
		return fmt.Errorf("connect realtime: %w", err)
	}

	if err := g.initRealtimeSession(ctx, setup); err != nil {
		g.closeRealtimeConn()
		return fmt.Errorf("init realtime session: %w", err)
	}
	return nil
}

// Run 启动事件队列与读写协程，事件按顺序交给 handler
func (g *Gateway) Run(handler EventHandler) {
	g.queue = NewEventQueue(g.sessionID, handler, g.cfg.QueueSize, g.cfg.EventTimeout, g.logger)

	g.realtimeConnLock.Lock()
	upstream := g.realtimeConn
	g.realtimeConnLock.Unlock()

	go g.clientReadLoop()
	go g.realtimeReadLoop(upstream)
	go g.pingLoop()

	g.logger.Info("gateway started")
}

// Done 在网关关闭后关闭
func (g *Gateway) Done() <-chan struct{} {
	return g.closeChan
}

func (g *Gateway) realtimeURL() (string, error) {
	u, err := url.Parse(g.openai.RealtimeURL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	if q.Get("model") == "" && g.openai.Model != "" {
		q.Set("model", g.openai.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connectRealtime 连接到OpenAI Realtime API
func (g *Gateway) connectRealtime(ctx context.Context) error {
	target, err := g.realtimeURL()
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+g.openai.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial realtime: status=%d err=%w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial realtime: %w", err)
	}

	g.realtimeConnLock.Lock()
	g.realtimeConn = conn
	g.realtimeConnLock.Unlock()

	g.logger.Info("connected to OpenAI Realtime", zap.String("model", g.openai.Model))
	return nil
}

// initRealtimeSession 配置人设指令、声音、转写与结束工具
func (g *Gateway) initRealtimeSession(ctx context.Context, setup Setup) error {
	voice := setup.Voice
	if voice == "" {
		voice = g.openai.Voice
	}

	update := RealtimeSessionUpdate{
		Type: "session.update",
		Session: RealtimeSessionConfig{
			Modalities:        []string{"text", "audio"},
			Instructions:      setup.Instructions,
			Voice:             voice,
			InputAudioFormat:  g.cfg.InputAudioFormat,
			OutputAudioFormat: g.cfg.OutputAudioFormat,
			TurnDetection: &TurnDetectionConfig{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMS:   300,
				SilenceDurationMS: 500, // 500ms静音认为说完
			},
			Tools:                   setup.Tools,
			Temperature:             g.openai.Temperature,
			MaxResponseOutputTokens: g.openai.MaxResponseOutputTokens,
		},
	}
	if g.cfg.InputAudioTranscriptionModel != "" {
		update.Session.InputAudioTranscription = &InputAudioTranscription{Model: g.cfg.InputAudioTranscriptionModel}
	}
	if len(setup.Tools) > 0 {
		update.Session.ToolChoice = "auto"
	}

	return g.sendToRealtime(ctx, update)
}

// clientReadLoop 从客户端读取消息（控制事件+音频）。客户端离开即视为断线并关闭网关。
func (g *Gateway) clientReadLoop() {
	g.clientConnLock.Lock()
	conn := g.clientConn
	g.clientConnLock.Unlock()
	if conn == nil {
		return
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-g.closeChan:
				return
			default:
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("client read error", zap.Error(err))
			}
			g.disconnected("client")
			g.Close()
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if err := g.handleClientEvent(data); err != nil {
				g.logger.Warn("handle client event error", zap.Error(err))
				g.sendErrorToClient(err.Error())
			}
		case websocket.BinaryMessage:
			if err := g.handleClientAudio(data); err != nil {
				g.logger.Debug("forward client audio error", zap.Error(err))
			}
		}
	}
}

// handleClientEvent 处理客户端JSON事件
func (g *Gateway) handleClientEvent(data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("unmarshal client message: %w", err)
	}

	g.logger.Debug("client event", zap.String("type", string(msg.Type)), zap.String("event_id", msg.EventID))

	switch msg.Type {
	case ClientBargeIn:
		g.bargeIn()
		return nil
	case ClientEndSession:
		return g.emit(&Event{Type: EventEndRequested})
	default:
		return fmt.Errorf("unknown client event: %s", msg.Type)
	}
}

// handleClientAudio 把学员音频转发到OpenAI Realtime（Base64编码）
func (g *Gateway) handleClientAudio(audioData []byte) error {
	return g.sendToRealtime(g.ctx, RealtimeInputAudioBufferAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(audioData),
	})
}

// bargeIn 取消进行中的回复并通知客户端清空播放缓冲区。没有进行中的回复时返回 false。
func (g *Gateway) bargeIn() bool {
	g.activeResponseIDLock.Lock()
	responseID := g.activeResponseID
	g.activeResponseID = ""
	g.activeResponseIDLock.Unlock()

	if responseID == "" {
		return false
	}

	g.logger.Debug("barge-in, canceling active response", zap.String("response_id", responseID))
	if err := g.sendToRealtime(g.ctx, RealtimeResponseCancel{Type: "response.cancel", ResponseID: responseID}); err != nil {
		g.logger.Warn("failed to cancel response", zap.Error(err))
	}
	g.sendToClient(&ServerMessage{Type: ServerResponseInterrupted})
	g.emit(&Event{Type: EventBargeIn})
	return true
}

// realtimeReadLoop 从OpenAI Realtime读取消息
func (g *Gateway) realtimeReadLoop(conn *websocket.Conn) {
	if conn == nil {
		return
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if g.upstreamClosed.Load() {
				return
			}
			g.logger.Warn("realtime read error", zap.Error(err))
			g.disconnected("upstream")
			return
		}

		// OpenAI Realtime不使用Binary帧，音频在JSON事件的delta字段中
		if messageType == websocket.TextMessage {
			if err := g.handleRealtimeEvent(data); err != nil {
				g.logger.Warn("handle realtime event error", zap.Error(err))
			}
		}
	}
}

// handleRealtimeEvent 处理OpenAI Realtime事件
// 完整事件类型参考：https://platform.openai.com/docs/api-reference/realtime
func (g *Gateway) handleRealtimeEvent(data []byte) error {
	var base struct {
		Type    string `json:"type"`
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return fmt.Errorf("unmarshal realtime event: %w", err)
	}

	switch base.Type {
	case "session.created", "session.updated":
		g.logger.Debug("realtime session ready", zap.String("type", base.Type))
		return nil

	case "input_audio_buffer.speech_started":
		// 服务端 VAD 检测到学员开口：先打断 Agent
		g.bargeIn()
		return g.sendToClient(&ServerMessage{Type: ServerSpeechStarted})

	case "conversation.item.input_audio_transcription.completed":
		return g.handleTranscript(data, model.SpeakerTrainee, "transcript")

	case "response.audio_transcript.done":
		return g.handleTranscript(data, model.SpeakerAgent, "transcript")

	case "response.text.done":
		return g.handleTranscript(data, model.SpeakerAgent, "text")

	case "response.function_call_arguments.done":
		return g.handleFunctionCall(data)

	case "response.created":
		return g.handleResponseCreated(data)

	case "response.done":
		g.activeResponseIDLock.Lock()
		g.activeResponseID = ""
		g.activeResponseIDLock.Unlock()
		return nil

	case "response.audio.delta":
		return g.handleAudioDelta(data)

	case "response.audio.done":
		return g.sendToClient(&ServerMessage{Type: ServerAudioDone})

	case "error":
		return g.handleRealtimeError(data)

	default:
		return nil
	}
}

// handleTranscript 把一轮完整的转写交给会话，并回显给客户端
func (g *Gateway) handleTranscript(data []byte, speaker model.Speaker, field string) error {
	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		return err
	}
	text, _ := event[field].(string)
	itemID, _ := event["item_id"].(string)
	if text == "" {
		return nil
	}

	g.sendToClient(&ServerMessage{Type: ServerTranscript, Speaker: speaker, Text: text})
	return g.emit(&Event{Type: EventTranscript, Speaker: speaker, Text: text, ItemID: itemID})
}

// handleFunctionCall 处理 Agent 的函数调用（参数已完整）
func (g *Gateway) handleFunctionCall(data []byte) error {
	var event struct {
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return err
	}

	g.logger.Info("agent tool call", zap.String("name", event.Name), zap.String("call_id", event.CallID))
	return g.emit(&Event{
		Type:     EventToolCall,
		ToolCall: &ToolCall{CallID: event.CallID, Name: event.Name, Arguments: event.Arguments},
	})
}

// handleResponseCreated 记录活跃响应ID
func (g *Gateway) handleResponseCreated(data []byte) error {
	var event struct {
		Response struct {
			ID string `json:"id"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return err
	}

	g.activeResponseIDLock.Lock()
	g.activeResponseID = event.Response.ID
	g.activeResponseIDLock.Unlock()
	return nil
}

// handleAudioDelta 把 Agent 音频以Binary帧转发给客户端
func (g *Gateway) handleAudioDelta(data []byte) error {
	var event struct {
		Delta string `json:"delta"` // Base64编码的音频
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return err
	}

	audioData, err := base64.StdEncoding.DecodeString(event.Delta)
	if err != nil {
		return fmt.Errorf("decode audio delta: %w", err)
	}

	g.clientConnLock.Lock()
	defer g.clientConnLock.Unlock()

	if g.clientConn == nil {
		return ErrConnClosed
	}
	if err := g.clientConn.WriteMessage(websocket.BinaryMessage, audioData); err != nil {
		return fmt.Errorf("send audio to client: %w", err)
	}
	return nil
}

// handleRealtimeError 处理Realtime错误事件
func (g *Gateway) handleRealtimeError(data []byte) error {
	var event struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return err
	}

	g.logger.Warn("realtime error",
		zap.String("type", event.Error.Type),
		zap.String("code", event.Error.Code),
		zap.String("message", event.Error.Message))

	g.sendErrorToClient("Realtime error: " + event.Error.Message)
	return g.emit(&Event{Type: EventError, Error: event.Error.Message})
}

// emit 把事件交给串行队列
func (g *Gateway) emit(ev *Event) error {
	if g.queue == nil {
		return nil
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	return g.queue.Enqueue(ev)
}

// disconnected 只上报一次断线，并等待会话处理完
func (g *Gateway) disconnected(source string) {
	g.disconnectOnce.Do(func() {
		if g.queue == nil {
			return
		}
		g.logger.Info("connection lost", zap.String("source", source))
		if err := g.queue.EnqueueSync(&Event{Type: EventDisconnected, Error: source, TS: time.Now()}); err != nil {
			g.logger.Warn("disconnect event not delivered", zap.Error(err))
		}
	})
}

// InjectContext 以 system 消息注入被动上下文，不触发回复
func (g *Gateway) InjectContext(ctx context.Context, text string) error {
	return g.sendToRealtime(ctx, RealtimeConversationItemCreate{
		Type: "conversation.item.create",
		Item: RealtimeConversationItem{
			Type:    "message",
			Role:    "system",
			Content: []RealtimeContentPart{{Type: "input_text", Text: text}},
		},
	})
}

// ForceResponse 让 Agent 立即生成一轮回复
func (g *Gateway) ForceResponse(ctx context.Context) error {
	return g.sendToRealtime(ctx, RealtimeResponseCreate{Type: "response.create"})
}

// SendToolResult 回传函数调用结果，不触发新的回复
func (g *Gateway) SendToolResult(ctx context.Context, callID, output string) error {
	return g.sendToRealtime(ctx, RealtimeConversationItemCreate{
		Type: "conversation.item.create",
		Item: RealtimeConversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
}

// Notify 推送一条消息给客户端
func (g *Gateway) Notify(msg *ServerMessage) error {
	return g.sendToClient(msg)
}

// CloseUpstream 只关闭上游连接，客户端连接保留用于推送报告
func (g *Gateway) CloseUpstream() error {
	return g.closeRealtimeConn()
}

// sendToRealtime 发送消息到OpenAI Realtime，ctx 的截止时间作为写超时
func (g *Gateway) sendToRealtime(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal realtime message: %w", err)
	}

	g.realtimeConnLock.Lock()
	defer g.realtimeConnLock.Unlock()

	if g.realtimeConn == nil {
		return fmt.Errorf("realtime: %w", ErrConnClosed)
	}
	if deadline, ok := ctx.Deadline(); ok {
		g.realtimeConn.SetWriteDeadline(deadline)
		defer g.realtimeConn.SetWriteDeadline(time.Time{})
	}

	if err := g.realtimeConn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to realtime: %w", err)
	}
	return nil
}

// sendToClient 发送消息给客户端
func (g *Gateway) sendToClient(msg *ServerMessage) error {
	g.seqLock.Lock()
	g.seqCounter++
	msg.Seq = g.seqCounter
	g.seqLock.Unlock()

	if msg.ServerTS.IsZero() {
		msg.ServerTS = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}

	g.clientConnLock.Lock()
	defer g.clientConnLock.Unlock()

	if g.clientConn == nil {
		return fmt.Errorf("client: %w", ErrConnClosed)
	}
	if err := g.clientConn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

// sendErrorToClient 发送错误消息给客户端
func (g *Gateway) sendErrorToClient(errMsg string) error {
	return g.sendToClient(&ServerMessage{Type: ServerError, Error: errMsg})
}

// pingLoop 定期发送ping保持连接
func (g *Gateway) pingLoop() {
	interval := g.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.closeChan:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)

			g.clientConnLock.Lock()
			if g.clientConn != nil {
				g.clientConn.WriteControl(websocket.PingMessage, nil, deadline)
			}
			g.clientConnLock.Unlock()

			g.realtimeConnLock.Lock()
			if g.realtimeConn != nil {
				g.realtimeConn.WriteControl(websocket.PingMessage, nil, deadline)
			}
			g.realtimeConnLock.Unlock()
		}
	}
}

// Close 关闭网关：两侧连接与事件队列。可重复调用，不能在 EventHandler 内调用。
func (g *Gateway) Close() error {
	var closeErr error

	g.closeOnce.Do(func() {
		g.logger.Info("closing gateway")

		g.cancel()
		close(g.closeChan)

		if err := g.closeRealtimeConn(); err != nil {
			closeErr = err
		}
		if err := g.closeClientConn(); err != nil && closeErr == nil {
			closeErr = err
		}
		if g.queue != nil {
			g.queue.Close()
		}
	})

	return closeErr
}

// closeClientConn 关闭客户端连接
func (g *Gateway) closeClientConn() error {
	g.clientConnLock.Lock()
	defer g.clientConnLock.Unlock()

	if g.clientConn == nil {
		return nil
	}

	g.clientConn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	err := g.clientConn.Close()
	g.clientConn = nil
	return err
}

// closeRealtimeConn 关闭Realtime连接
func (g *Gateway) closeRealtimeConn() error {
	g.upstreamClosed.Store(true)

	g.realtimeConnLock.Lock()
	defer g.realtimeConnLock.Unlock()

	if g.realtimeConn == nil {
		return nil
	}

	g.realtimeConn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	err := g.realtimeConn.Close()
	g.realtimeConn = nil
	return err
}
