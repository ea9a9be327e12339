package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrNoJSONObject 表示输出中找不到 JSON 对象。
var ErrNoJSONObject = errors.New("no JSON object in model output")

// DecodeObject 从模型输出中取出第一个完整的 JSON 对象。
// 兼容 ```json 代码块、前后解释文字等常见噪声；字段类型不做任何假设。
func DecodeObject(raw string) (map[string]any, error) {
	s := strings.TrimSpace(raw)
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, ErrNoJSONObject
	}

	end := matchingBrace(s, start)
	if end < 0 {
		return nil, fmt.Errorf("%w: unbalanced braces", ErrNoJSONObject)
	}

	dec := json.NewDecoder(strings.NewReader(s[start : end+1]))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	return obj, nil
}

// matchingBrace 返回与 s[start] 的 '{' 配对的下标，跳过字符串中的括号。
func matchingBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Int 读取数值字段，只接受 JSON 数字；ok=false 表示缺失或类型错误。
// 超出 int 范围的值饱和到 math.MaxInt / math.MinInt。
func Int(obj map[string]any, key string) (int, bool) {
	n, ok := obj[key].(json.Number)
	if !ok {
		return 0, false
	}
	if i, err := n.Int64(); err == nil {
		return int(i), true
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	switch {
	case f >= math.MaxInt:
		return math.MaxInt, true
	case f <= math.MinInt:
		return math.MinInt, true
	}
	if f >= 0 {
		return int(f + 0.5), true
	}
	return int(f - 0.5), true
}

// Bool 读取布尔字段。
func Bool(obj map[string]any, key string) (bool, bool) {
	b, ok := obj[key].(bool)
	return b, ok
}

// String 读取字符串字段（去除首尾空白）。
func String(obj map[string]any, key string) (string, bool) {
	s, ok := obj[key].(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// Strings 读取字符串数组，忽略非字符串元素。
func Strings(obj map[string]any, key string) []string {
	arr, ok := obj[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// Object 读取嵌套对象。
func Object(obj map[string]any, key string) map[string]any {
	m, _ := obj[key].(map[string]any)
	return m
}
