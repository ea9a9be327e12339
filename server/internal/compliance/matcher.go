package compliance

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Strategy 决定短语如何与文本比较。
type Strategy string

const (
	// StrategyExact 忽略大小写，按整词匹配。
	StrategyExact Strategy = "exact"
	// StrategyFold 忽略大小写与变音符号（kouříte == kourite），按整词匹配。
	StrategyFold Strategy = "fold"
	// StrategyRegex 把每条模式当作正则表达式（忽略大小写）。
	StrategyRegex Strategy = "regex"
)

// ParseStrategy 解析配置中的策略名，空值为 StrategyFold。
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyFold, nil
	case StrategyExact, StrategyFold, StrategyRegex:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown matcher strategy %q", s)
}

type span struct{ start, end int }

// matcher 在原文中查找全部匹配，返回原文字节区间。
type matcher interface {
	findAll(text string) []span
}

func newMatcher(strategy Strategy, pattern string) (matcher, error) {
	switch strategy {
	case StrategyRegex:
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
		}
		return regexMatcher{re: re}, nil
	case StrategyExact, StrategyFold:
		fold := strategy == StrategyFold
		needle := normalize(pattern, fold).text
		if strings.TrimSpace(needle) == "" {
			return nil, fmt.Errorf("empty pattern")
		}
		return literalMatcher{needle: needle, fold: fold}, nil
	}
	return nil, fmt.Errorf("unknown matcher strategy %q", strategy)
}

type regexMatcher struct{ re *regexp.Regexp }

func (m regexMatcher) findAll(text string) []span {
	var out []span
	for _, loc := range m.re.FindAllStringIndex(text, -1) {
		if loc[1] > loc[0] {
			out = append(out, span{loc[0], loc[1]})
		}
	}
	return out
}

type literalMatcher struct {
	needle string
	fold   bool
}

func (m literalMatcher) findAll(text string) []span {
	n := normalize(text, m.fold)
	var out []span
	for off := 0; off < len(n.text); {
		i := strings.Index(n.text[off:], m.needle)
		if i < 0 {
			break
		}
		s, e := off+i, off+i+len(m.needle)
		if wordBoundaryBefore(n.text, s) && wordBoundaryAfter(n.text, e) {
			out = append(out, span{n.orig[s], n.orig[e]})
		}
		_, size := utf8.DecodeRuneInString(n.text[s:])
		off = s + size
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func wordBoundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func wordBoundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}

// normalized 记录规范化文本及每个字节对应的原文偏移（多一位用于结束位置）。
type normalized struct {
	text string
	orig []int
}

// normalize 逐个字符做小写（以及可选的去变音符号），保证偏移可以映射回原文。
func normalize(s string, fold bool) normalized {
	var t transform.Transformer
	if fold {
		t = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	}

	var b strings.Builder
	orig := make([]int, 0, len(s)+1)
	for i, r := range s {
		piece := strings.ToLower(string(r))
		if t != nil {
			if folded, _, err := transform.String(t, piece); err == nil {
				piece = folded
			}
		}
		for j := 0; j < len(piece); j++ {
			orig = append(orig, i)
		}
		b.WriteString(piece)
	}
	orig = append(orig, len(s))
	return normalized{text: b.String(), orig: orig}
}

// snippet 截取匹配位置前后各 radius 个字符作为上下文。
func snippet(text string, sp span, radius int) string {
	start := sp.start
	for i := 0; i < radius && start > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:start])
		start -= size
	}
	end := sp.end
	for i := 0; i < radius && end < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[end:])
		end += size
	}
	out := strings.TrimSpace(text[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out += "…"
	}
	return out
}
