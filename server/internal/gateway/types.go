package gateway

import (
	"time"

	"pitchtalk/server/internal/model"
	"pitchtalk/server/internal/tool"
)

// EventType 定义了网关交给会话控制器的事件类型
type EventType string

const (
	// EventTranscript 一轮完整的转写（学员或 Agent）
	EventTranscript EventType = "transcript"
	// EventToolCall Agent 调用了函数工具
	EventToolCall EventType = "tool_call"
	// EventBargeIn 学员在 Agent 说话时开口
	EventBargeIn EventType = "barge_in"
	// EventEndRequested 学员在客户端点击结束
	EventEndRequested EventType = "end_requested"
	// EventError 上游报告的错误，不影响连接
	EventError EventType = "error"
	// EventDisconnected 任意一侧连接断开
	EventDisconnected EventType = "disconnected"
)

// Event 是串行交给 EventHandler 的网关事件
type Event struct {
	Type     EventType     `json:"type"`
	Speaker  model.Speaker `json:"speaker,omitempty"`
	Text     string        `json:"text,omitempty"`
	ItemID   string        `json:"item_id,omitempty"` // 上游条目 ID，用于转写去重
	ToolCall *ToolCall     `json:"tool_call,omitempty"`
	Error    string        `json:"error,omitempty"`
	TS       time.Time     `json:"ts"`
}

// ToolCall 是 response.function_call_arguments.done 的内容
type ToolCall struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ClientMessageType 客户端发送的文本帧类型
type ClientMessageType string

const (
	ClientBargeIn    ClientMessageType = "barge_in"
	ClientEndSession ClientMessageType = "end_session"
)

// ClientMessage 客户端发送给网关的消息（WebSocket文本帧）
type ClientMessage struct {
	Type     ClientMessageType `json:"type"`
	EventID  string            `json:"event_id,omitempty"`
	ClientTS time.Time         `json:"client_ts,omitempty"`
}

// ServerMessageType 网关推送给客户端的文本帧类型
type ServerMessageType string

const (
	ServerTranscript          ServerMessageType = "transcript"
	ServerSupervisorState     ServerMessageType = "supervisor_state"
	ServerSessionReport       ServerMessageType = "session_report"
	ServerSpeechStarted       ServerMessageType = "speech_started"
	ServerResponseInterrupted ServerMessageType = "response_interrupted"
	ServerAudioDone           ServerMessageType = "audio_done"
	ServerError               ServerMessageType = "error"
)

// ServerMessage 网关发送给客户端的消息
type ServerMessage struct {
	Type     ServerMessageType `json:"type"`
	Seq      int64             `json:"seq,omitempty"` // 服务端序号
	Speaker  model.Speaker     `json:"speaker,omitempty"`
	Text     string            `json:"text,omitempty"`
	Data     any               `json:"data,omitempty"` // supervisor_state / session_report 的载荷
	ServerTS time.Time         `json:"server_ts"`
	Error    string            `json:"error,omitempty"`
}

// Setup 是建立上游会话时的人设相关配置
type Setup struct {
	Instructions string
	Voice        string
	Tools        []tool.Definition
}

// RealtimeSessionUpdate 用于更新Realtime会话配置
type RealtimeSessionUpdate struct {
	Type    string                `json:"type"` // "session.update"
	Session RealtimeSessionConfig `json:"session"`
}

// RealtimeSessionConfig Realtime会话配置
type RealtimeSessionConfig struct {
	Modalities              []string                 `json:"modalities,omitempty"` // ["text", "audio"]
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"` // pcm16/g711_ulaw/g711_alaw
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetectionConfig     `json:"turn_detection,omitempty"`
	Tools                   []tool.Definition        `json:"tools,omitempty"`
	ToolChoice              string                   `json:"tool_choice,omitempty"`
	Temperature             float64                  `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                      `json:"max_response_output_tokens,omitempty"`
}

// InputAudioTranscription 开启学员语音转写
type InputAudioTranscription struct {
	Model string `json:"model"`
}

// TurnDetectionConfig VAD（语音活动检测）配置
type TurnDetectionConfig struct {
	Type              string  `json:"type"`                          // "server_vad"
	Threshold         float64 `json:"threshold,omitempty"`           // 0.0-1.0
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`   // 开始前填充
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"` // 静音多久算结束
}

// RealtimeResponseCreate 让模型立即生成一轮回复
type RealtimeResponseCreate struct {
	Type string `json:"type"` // "response.create"
}

// RealtimeResponseCancel 取消当前回复（插话中断时使用）
type RealtimeResponseCancel struct {
	Type       string `json:"type"`                  // "response.cancel"
	ResponseID string `json:"response_id,omitempty"` // 可选，不传则取消所有进行中的
}

// RealtimeInputAudioBufferAppend 追加音频数据
type RealtimeInputAudioBufferAppend struct {
	Type  string `json:"type"`  // "input_audio_buffer.append"
	Audio string `json:"audio"` // Base64编码的音频数据
}

// RealtimeConversationItemCreate 创建对话项（手动注入消息）
type RealtimeConversationItemCreate struct {
	Type string                   `json:"type"` // "conversation.item.create"
	Item RealtimeConversationItem `json:"item"`
}

// RealtimeConversationItem 对话项
type RealtimeConversationItem struct {
	Type    string                `json:"type"`              // "message"/"function_call_output"
	Role    string                `json:"role,omitempty"`    // "user"/"assistant"/"system"
	Content []RealtimeContentPart `json:"content,omitempty"` // 内容部分
	CallID  string                `json:"call_id,omitempty"`
	Output  string                `json:"output,omitempty"`
}

// RealtimeContentPart 内容部分
type RealtimeContentPart struct {
	Type string `json:"type"` // "input_text"
	Text string `json:"text,omitempty"`
}
