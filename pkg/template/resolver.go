// Package template expands parameterized cluster templates into
// concrete cluster configs. A template is {base, params}: the base file
// is a normal cluster config whose string values may carry {{name}}
// tokens, and params supplies the values. One base, no inheritance, no
// recursion.
package template

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ensemblekit/ensemble/pkg/config"
)

// Sentinel errors for template resolution failures.
var (
	ErrUnknownParam = errors.New("unknown template parameter")
	ErrUnusedParam  = errors.New("unused template parameter")
	ErrNestedToken  = errors.New("parameter value contains a template token")
)

// Template is the {base, params} instantiation document.
type Template struct {
	Base   string         `yaml:"base" json:"base"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

var tokenRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// LoadFile reads a YAML file that is either a cluster config or a
// template instantiation, and returns the materialized config. Template
// base paths resolve relative to the instantiation file's directory.
func LoadFile(path string) (*config.ClusterConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if !config.IsTemplate(raw) {
		return config.ParseClusterConfig(raw)
	}

	var tpl Template
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &tpl); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
	}
	base := tpl.Base
	if !filepath.IsAbs(base) {
		base = filepath.Join(filepath.Dir(path), base)
	}
	baseRaw, err := os.ReadFile(base)
	if err != nil {
		return nil, fmt.Errorf("failed to read template base %s: %w", base, err)
	}
	if config.IsTemplate(baseRaw) {
		return nil, fmt.Errorf("template base %s is itself a template; one level only", base)
	}
	return Resolve(baseRaw, tpl.Params)
}

// Resolve substitutes {{name}} tokens in the base YAML by params and
// returns the validated config. A string value that is exactly one
// token takes the parameter's value with its type preserved; tokens
// embedded in longer strings are stringified. Unknown tokens and
// unused params are errors, and a param value may not itself contain a
// token, so resolving an already-resolved document is the identity.
func Resolve(baseRaw []byte, params map[string]any) (*config.ClusterConfig, error) {
	for name, value := range params {
		if s, ok := value.(string); ok && tokenRe.MatchString(s) {
			return nil, fmt.Errorf("%w: %s", ErrNestedToken, name)
		}
	}

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(baseRaw))), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse template base: %w", err)
	}

	used := make(map[string]struct{}, len(params))
	resolved, err := substitute(doc, params, used)
	if err != nil {
		return nil, err
	}
	for name := range params {
		if _, ok := used[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnusedParam, name)
		}
	}
	return config.ClusterConfigFromMap(resolved.(map[string]any))
}

func substitute(node any, params map[string]any, used map[string]struct{}) (any, error) {
	switch v := node.(type) {
	case string:
		return substituteString(v, params, used)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			resolved, err := substitute(value, params, used)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, value := range v {
			resolved, err := substitute(value, params, used)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return node, nil
	}
}

func substituteString(s string, params map[string]any, used map[string]struct{}) (any, error) {
	// Whole-token form keeps the parameter's type.
	if m := tokenRe.FindStringSubmatch(s); m != nil && m[0] == s {
		value, ok := params[m[1]]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParam, m[1])
		}
		used[m[1]] = struct{}{}
		return value, nil
	}

	var missing error
	out := tokenRe.ReplaceAllStringFunc(s, func(token string) string {
		name := tokenRe.FindStringSubmatch(token)[1]
		value, ok := params[name]
		if !ok {
			missing = fmt.Errorf("%w: %s", ErrUnknownParam, name)
			return token
		}
		used[name] = struct{}{}
		return stringifyParam(value)
	})
	if missing != nil {
		return nil, missing
	}
	return out, nil
}

func stringifyParam(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = stringifyParam(e)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", t)
	}
}
