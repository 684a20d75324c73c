// Package masking removes credential-shaped substrings from task
// output before it reaches the ledger. Ledger records are durable and
// end up in logs and sub-cluster contexts; a leaked key in one task
// output would otherwise fan out everywhere.
package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern is one masking rule.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns covers the credential shapes agents most commonly
// echo back: provider API keys, OAuth and bearer tokens, cloud access
// keys, and key=value style secrets.
var builtinPatterns = []struct {
	name        string
	pattern     string
	replacement string
}{
	{"anthropic_api_key", `sk-ant-[A-Za-z0-9\-_]{20,}`, "***MASKED_API_KEY***"},
	{"openai_api_key", `sk-[A-Za-z0-9]{20,}`, "***MASKED_API_KEY***"},
	{"github_token", `(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36,}`, "***MASKED_TOKEN***"},
	{"github_pat", `github_pat_[A-Za-z0-9_]{22,}`, "***MASKED_TOKEN***"},
	{"aws_access_key", `AKIA[0-9A-Z]{16}`, "***MASKED_ACCESS_KEY***"},
	{"bearer_token", `(?i)bearer\s+[A-Za-z0-9\-._~+/]{16,}=*`, "Bearer ***MASKED_TOKEN***"},
	{"slack_token", `xox[baprs]-[A-Za-z0-9\-]{10,}`, "***MASKED_TOKEN***"},
	{"assigned_secret", `(?i)\b(api[_-]?key|secret|password|token)(["']?\s*[:=]\s*["']?)[A-Za-z0-9\-._~+/]{8,}`, "$1$2***MASKED***"},
}

// Masker applies the built-in rules plus any custom patterns from
// settings. Compile once, reuse per cluster.
type Masker struct {
	patterns []*CompiledPattern
	logger   *slog.Logger
}

// New compiles the built-in patterns plus customPatterns (regex
// strings, typically from settings.maskingPatterns). Invalid custom
// patterns are logged and skipped rather than failing the cluster.
func New(customPatterns []string) *Masker {
	logger := slog.With("component", "masking")
	m := &Masker{logger: logger}

	for _, p := range builtinPatterns {
		m.patterns = append(m.patterns, &CompiledPattern{
			Name:        p.name,
			Regex:       regexp.MustCompile(p.pattern),
			Replacement: p.replacement,
		})
	}
	for i, pattern := range customPatterns {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			logger.Error("Failed to compile custom masking pattern, skipping",
				"index", i, "error", err)
			continue
		}
		m.patterns = append(m.patterns, &CompiledPattern{
			Name:        "custom",
			Regex:       compiled,
			Replacement: "***MASKED***",
		})
	}
	return m
}

// Mask returns s with every matching credential replaced.
func (m *Masker) Mask(s string) string {
	for _, p := range m.patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}

// MaskData walks a parsed payload and masks every string value in
// place of returning a copy with masked strings.
func (m *Masker) MaskData(v any) any {
	switch t := v.(type) {
	case string:
		return m.Mask(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = m.MaskData(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = m.MaskData(val)
		}
		return out
	default:
		return v
	}
}
