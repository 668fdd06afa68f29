package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var (
	ErrBodyTooLarge = errors.New("request body too large")
	ErrNotJSON      = errors.New("request body is not valid JSON")
	ErrTooDeep      = errors.New("request body exceeds maximum nesting depth")
)

var farmerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Keys that let a crafted payload pollute object prototypes in
// downstream JavaScript consumers. Stripped recursively, never
// rejected, so legitimate requests with odd-but-harmless shapes still
// pass.
var forbiddenKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// ParseJSONBody reads at most maxBytes from r and decodes a single
// JSON value. A body over the limit fails with ErrBodyTooLarge rather
// than a truncated-JSON parse error.
func ParseJSONBody(r io.Reader, maxBytes int64) (map[string]any, error) {
	limited := io.LimitReader(r, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(raw)) > maxBytes {
		return nil, ErrBodyTooLarge
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, ErrNotJSON
	}

	return body, nil
}

// CheckDepth rejects payloads nested deeper than maxDepth levels.
func CheckDepth(v any, maxDepth int) error {
	if depth(v) > maxDepth {
		return ErrTooDeep
	}
	return nil
}

func depth(v any) int {
	switch t := v.(type) {
	case map[string]any:
		max := 0
		for _, child := range t {
			if d := depth(child); d > max {
				max = d
			}
		}
		return max + 1
	case []any:
		max := 0
		for _, child := range t {
			if d := depth(child); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 0
	}
}

// Sanitize strips prototype-pollution keys from the payload in place
// and returns it.
func Sanitize(body map[string]any) map[string]any {
	sanitizeValue(body)
	return body
}

func sanitizeValue(v any) {
	switch t := v.(type) {
	case map[string]any:
		for key, child := range t {
			if _, bad := forbiddenKeys[key]; bad {
				delete(t, key)
				continue
			}
			sanitizeValue(child)
		}
	case []any:
		for _, child := range t {
			sanitizeValue(child)
		}
	}
}

// ValidFarmerID reports whether id is safe to use in storage keys and
// upstream headers: 1-64 characters of [A-Za-z0-9_-].
func ValidFarmerID(id string) bool {
	return farmerIDPattern.MatchString(id)
}

// ExtractToolName derives the usage-log tool name from a JSON-RPC
// style body: params.name for tools/call, otherwise the method itself.
func ExtractToolName(body map[string]any) string {
	method, _ := body["method"].(string)
	if method == "" {
		return "unknown"
	}
	if method == "tools/call" {
		if params, ok := body["params"].(map[string]any); ok {
			if name, ok := params["name"].(string); ok && name != "" {
				return name
			}
		}
	}
	return method
}

// ExtractProviderArg pulls an explicit provider selection out of the
// body, checking the top level and then params.arguments.
func ExtractProviderArg(body map[string]any) string {
	if p, ok := body["provider"].(string); ok {
		return strings.TrimSpace(p)
	}
	if params, ok := body["params"].(map[string]any); ok {
		if args, ok := params["arguments"].(map[string]any); ok {
			if p, ok := args["provider"].(string); ok {
				return strings.TrimSpace(p)
			}
		}
	}
	return ""
}
