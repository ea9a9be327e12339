package llm

import (
	"context"
	"sync"
)

// MockClient 用于测试的判定客户端：按顺序返回 Responses，用完后重复最后一个。
type MockClient struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Calls     int
	Requests  [][]Message
}

func (m *MockClient) Complete(ctx context.Context, messages []Message, _ *JSONSchema) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	m.Requests = append(m.Requests, messages)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "{}", nil
	}
	idx := m.Calls - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}

// CallCount 并发安全地读取调用次数。
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}
