package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"pitchtalk/server/internal/compliance"
	"pitchtalk/server/internal/model"
)

// Config 全局配置
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	LLM        LLMConfig        `yaml:"llm"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Session    SessionConfig    `yaml:"session"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Paths      PathsConfig      `yaml:"paths"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// OpenAIConfig 实时语音（扮演客户的 Agent）配置
type OpenAIConfig struct {
	APIKey                  string  `yaml:"api_key" validate:"required"`
	RealtimeURL             string  `yaml:"realtime_url" validate:"required"`
	Model                   string  `yaml:"model" validate:"required"`
	Voice                   string  `yaml:"voice"`
	Temperature             float64 `yaml:"temperature"`
	MaxResponseOutputTokens int     `yaml:"max_response_output_tokens"`
}

// LLMConfig 判定调用（评估与评分）配置
type LLMConfig struct {
	Provider  string            `yaml:"provider" validate:"oneof=openai anthropic"`
	OpenAI    LLMProviderConfig `yaml:"openai"`
	Anthropic LLMProviderConfig `yaml:"anthropic"`
}

// LLMProviderConfig LLM 提供商配置
type LLMProviderConfig struct {
	APIKey      string        `yaml:"api_key"`
	APIURL      string        `yaml:"api_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Active 返回当前提供商的配置。
func (c LLMConfig) Active() LLMProviderConfig {
	if c.Provider == "anthropic" {
		return c.Anthropic
	}
	return c.OpenAI
}

type GatewayConfig struct {
	InputAudioFormat             string        `yaml:"input_audio_format"`
	OutputAudioFormat            string        `yaml:"output_audio_format"`
	InputAudioTranscriptionModel string        `yaml:"input_audio_transcription_model"`
	PingInterval                 time.Duration `yaml:"ping_interval" validate:"gt=0"`
	EventTimeout                 time.Duration `yaml:"event_timeout" validate:"gt=0"`
	QueueSize                    int           `yaml:"queue_size" validate:"gt=0"`
}

// PhaseConfig 是对话阶段计划中的一段：交换次数 <= UpTo 时处于该阶段，UpTo=0 表示之后所有交换。
type PhaseConfig struct {
	Name         string `yaml:"name" validate:"required"`
	UpTo         int    `yaml:"up_to" validate:"gte=0"`
	MaxExchanges int    `yaml:"max_exchanges" validate:"gt=0"`
}

// SupervisorConfig 监督循环的节奏与阈值
type SupervisorConfig struct {
	// Debounce 是最后一条 Agent 发言到评估之间的等待时间（取消并重排）。
	Debounce time.Duration `yaml:"debounce" validate:"gt=0"`
	// MinInterval 是两次评估调用之间的硬性下限。
	MinInterval time.Duration `yaml:"min_interval" validate:"gt=0"`
	// SafetyTimeout 是评估要求结束后等待 Agent 自行结束的时间。
	SafetyTimeout time.Duration `yaml:"safety_timeout" validate:"gt=0"`
	// AgentEndGrace 是 Agent 调用结束工具后留给告别语音播放的时间。
	AgentEndGrace     time.Duration       `yaml:"agent_end_grace" validate:"gte=0"`
	EvaluationTimeout time.Duration       `yaml:"evaluation_timeout" validate:"gt=0"`
	Scale             model.AttitudeScale `yaml:"scale"`
	Phases            []PhaseConfig       `yaml:"phases" validate:"min=1,dive"`
	// ClosingAfter 之后提示评估方推动决定；HardStopAfter 之后提示必须结束。
	ClosingAfter  int `yaml:"closing_after" validate:"gt=0"`
	HardStopAfter int `yaml:"hard_stop_after" validate:"gtfield=ClosingAfter"`
}

type ComplianceConfig struct {
	// Strategy: exact | fold | regex
	Strategy string           `yaml:"strategy" validate:"omitempty,oneof=exact fold regex"`
	Rules    compliance.Rules `yaml:"rules"`
}

// ScoringWeights 各维度权重，总和必须为 1。
type ScoringWeights struct {
	Relationship        float64 `yaml:"relationship" validate:"gte=0,lte=1"`
	NeedsDiscovery      float64 `yaml:"needs_discovery" validate:"gte=0,lte=1"`
	ProductPresentation float64 `yaml:"product_presentation" validate:"gte=0,lte=1"`
	Compliance          float64 `yaml:"compliance" validate:"gte=0,lte=1"`
}

// Sum 返回权重之和。
func (w ScoringWeights) Sum() float64 {
	return w.Relationship + w.NeedsDiscovery + w.ProductPresentation + w.Compliance
}

type ScoringConfig struct {
	Weights     ScoringWeights `yaml:"weights"`
	CategoryMin int            `yaml:"category_min"`
	CategoryMax int            `yaml:"category_max" validate:"gtfield=CategoryMin"`
	Timeout     time.Duration  `yaml:"timeout" validate:"gt=0"`
}

type SessionConfig struct {
	// RegistryTTL 会话控制器在内存中保留的时长，结束后报告仍可查询。
	RegistryTTL     time.Duration `yaml:"registry_ttl" validate:"gt=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" validate:"gt=0"`
}

type StorageConfig struct {
	// Driver: sqlite | memory
	Driver string `yaml:"driver" validate:"oneof=sqlite memory"`
	Path   string `yaml:"path" validate:"required_if=Driver sqlite"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint" validate:"required_if=Enabled true"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

type PathsConfig struct {
	Personas string `yaml:"personas" validate:"required"`
}

// Default 返回全部默认值。
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults 为所有零值字段填充默认值。
func (c *Config) ApplyDefaults() {
	setString(&c.Server.Addr, ":8080")
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)

	setString(&c.OpenAI.RealtimeURL, "wss://api.openai.com/v1/realtime")
	setString(&c.OpenAI.Model, "gpt-4o-realtime-preview")
	setString(&c.OpenAI.Voice, "ash")
	if c.OpenAI.Temperature == 0 {
		c.OpenAI.Temperature = 0.8
	}

	setString(&c.LLM.Provider, "openai")
	setString(&c.LLM.OpenAI.APIURL, "https://api.openai.com/v1")
	setString(&c.LLM.OpenAI.Model, "gpt-4o-mini")
	setString(&c.LLM.Anthropic.APIURL, "https://api.anthropic.com/v1")
	setString(&c.LLM.Anthropic.Model, "claude-3-5-haiku-latest")
	for _, p := range []*LLMProviderConfig{&c.LLM.OpenAI, &c.LLM.Anthropic} {
		if p.MaxTokens == 0 {
			p.MaxTokens = 1024
		}
		if p.Temperature == 0 {
			p.Temperature = 0.3
		}
		setDuration(&p.Timeout, 30*time.Second)
	}

	setString(&c.Gateway.InputAudioFormat, "pcm16")
	setString(&c.Gateway.OutputAudioFormat, "pcm16")
	setString(&c.Gateway.InputAudioTranscriptionModel, "whisper-1")
	setDuration(&c.Gateway.PingInterval, 30*time.Second)
	setDuration(&c.Gateway.EventTimeout, 10*time.Second)
	if c.Gateway.QueueSize == 0 {
		c.Gateway.QueueSize = 100
	}

	s := &c.Supervisor
	setDuration(&s.Debounce, 2*time.Second)
	setDuration(&s.MinInterval, 5*time.Second)
	setDuration(&s.SafetyTimeout, 15*time.Second)
	setDuration(&s.AgentEndGrace, 5*time.Second)
	setDuration(&s.EvaluationTimeout, 20*time.Second)
	if s.Scale == (model.AttitudeScale{}) {
		s.Scale = model.AttitudeScale{Min: 0, Max: 10}
	}
	if len(s.Phases) == 0 {
		s.Phases = []PhaseConfig{
			{Name: "SKEPTICISM", UpTo: 3, MaxExchanges: 8},
			{Name: "INTEREST", UpTo: 5, MaxExchanges: 8},
			{Name: "DECISION", UpTo: 0, MaxExchanges: 10},
		}
	}
	if s.ClosingAfter == 0 {
		s.ClosingAfter = 6
	}
	if s.HardStopAfter == 0 {
		s.HardStopAfter = 10
	}

	setString(&c.Compliance.Strategy, string(compliance.StrategyFold))
	r := &c.Compliance.Rules
	if len(r.AgePatterns) == 0 && len(r.EligibilityPatterns) == 0 && len(r.TopicPatterns) == 0 && len(r.Forbidden) == 0 {
		*r = compliance.DefaultRules()
	}

	if c.Scoring.Weights == (ScoringWeights{}) {
		c.Scoring.Weights = ScoringWeights{Relationship: 0.25, NeedsDiscovery: 0.30, ProductPresentation: 0.25, Compliance: 0.20}
	}
	if c.Scoring.CategoryMin == 0 && c.Scoring.CategoryMax == 0 {
		c.Scoring.CategoryMax = 10
	}
	setDuration(&c.Scoring.Timeout, 45*time.Second)

	setDuration(&c.Session.RegistryTTL, 2*time.Hour)
	setDuration(&c.Session.CleanupInterval, 10*time.Minute)
	setDuration(&c.Session.ConnectTimeout, 15*time.Second)

	setString(&c.Storage.Driver, "sqlite")
	if c.Storage.Driver == "sqlite" {
		setString(&c.Storage.Path, "data/pitchtalk.db")
	}

	setString(&c.Logging.Level, "info")
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 28
	}

	setString(&c.Tracing.ServiceName, "pitchtalk")
	setString(&c.Paths.Personas, "configs/personas.yaml")
}

// Load 从文件加载配置；path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ApplyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// applyEnv 从环境变量覆盖敏感信息与部署相关的值
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
		if c.LLM.OpenAI.APIKey == "" {
			c.LLM.OpenAI.APIKey = v
		}
	}
	if v := os.Getenv("OPENAI_REALTIME_MODEL"); v != "" {
		c.OpenAI.Model = v
	}
	if v := os.Getenv("OPENAI_REALTIME_VOICE"); v != "" {
		c.OpenAI.Voice = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		switch c.LLM.Provider {
		case "openai":
			c.LLM.OpenAI.APIKey = v
		case "anthropic":
			c.LLM.Anthropic.APIKey = v
		}
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		switch c.LLM.Provider {
		case "openai":
			c.LLM.OpenAI.Model = v
		case "anthropic":
			c.LLM.Anthropic.Model = v
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.LLM.Anthropic.APIKey = v
	}
	if v := os.Getenv("PITCHTALK_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PITCHTALK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v, err := strconv.ParseBool(os.Getenv("OTEL_ENABLED")); err == nil {
		c.Tracing.Enabled = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 验证配置
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s: failed on %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}
	if c.Supervisor.Scale.Min >= c.Supervisor.Scale.Max {
		return fmt.Errorf("supervisor.scale: min %d must be below max %d", c.Supervisor.Scale.Min, c.Supervisor.Scale.Max)
	}
	if sum := c.Scoring.Weights.Sum(); math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("scoring.weights must sum to 1.0, got %.4f", sum)
	}
	if _, err := compliance.ParseStrategy(c.Compliance.Strategy); err != nil {
		return fmt.Errorf("compliance.strategy: %w", err)
	}
	if c.LLM.Active().APIKey == "" {
		return fmt.Errorf("LLM API key is required for provider %q (set LLM_API_KEY or the provider key)", c.LLM.Provider)
	}
	for i, p := range c.Supervisor.Phases {
		if p.UpTo == 0 && i != len(c.Supervisor.Phases)-1 {
			return fmt.Errorf("supervisor.phases[%d]: only the last phase may be open-ended", i)
		}
	}
	return nil
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}
