// Package tool 定义实时 Agent 可调用的函数工具。
package tool

import (
	"context"
	"encoding/json"
	"sort"
)

// Definition 是工具的元数据（OpenAI Realtime API 的扁平格式）
type Definition struct {
	Type        string         `json:"type"`        // "function"
	Name        string         `json:"name"`        // 工具名称
	Description string         `json:"description"` // 工具描述
	Parameters  map[string]any `json:"parameters"`  // JSON Schema 格式的参数定义
}

// Executor 工具执行器接口
type Executor interface {
	// Definition 返回工具定义（用于 session.update 注册）
	Definition() Definition

	// Execute 执行工具调用，返回作为 function_call_output 回传给模型的结果
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Registry 工具注册表，在会话建立前构建，之后只读
type Registry struct {
	tools map[string]Executor
}

func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{tools: make(map[string]Executor)}
	for _, e := range executors {
		r.Register(e)
	}
	return r
}

// Register 注册工具，同名工具会被覆盖
func (r *Registry) Register(executor Executor) {
	r.tools[executor.Definition().Name] = executor
}

func (r *Registry) Get(name string) (Executor, bool) {
	executor, ok := r.tools[name]
	return executor, ok
}

// Definitions 按名称排序返回所有工具定义
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.tools))
	for _, executor := range r.tools {
		defs = append(defs, executor.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute 解析参数并执行工具调用。空参数视为 {}。
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	executor, ok := r.Get(name)
	if !ok {
		return "", &NotFoundError{ToolName: name}
	}

	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", &InvalidArgsError{ToolName: name, Err: err}
		}
	}
	return executor.Execute(ctx, args)
}

// NotFoundError 工具未找到
type NotFoundError struct {
	ToolName string
}

func (e *NotFoundError) Error() string {
	return "tool not found: " + e.ToolName
}

// InvalidArgsError 参数无法解析
type InvalidArgsError struct {
	ToolName string
	Err      error
}

func (e *InvalidArgsError) Error() string {
	return "invalid args for tool " + e.ToolName + ": " + e.Err.Error()
}

func (e *InvalidArgsError) Unwrap() error { return e.Err }
