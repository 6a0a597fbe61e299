// Package validate enforces the shape and bounds of untrusted chat requests.
package validate

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"unicode/utf8"

	"github.com/af-corp/gaianet-gateway/internal/config"
	"github.com/af-corp/gaianet-gateway/internal/types"
)

const (
	MinMaxTokens   = 1
	MaxMaxTokens   = 4096
	MinTemperature = 0.0
	MaxTemperature = 2.0
)

var modelPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validator checks raw chat requests. It has no side effects and is safe for
// concurrent use.
type Validator struct {
	maxMessageLength int
	maxMessages      int
}

func NewValidator(cfg config.ValidationConfig) *Validator {
	return &Validator{
		maxMessageLength: cfg.MaxMessageLength,
		maxMessages:      cfg.MaxMessages,
	}
}

// Decode parses a JSON request body into the generic form Validate accepts.
// Numbers are kept as json.Number so integer checks are exact.
func Decode(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, invalid("invalid JSON body")
	}
	if raw == nil {
		return nil, invalid("request body must be a JSON object")
	}
	return raw, nil
}

// Validate returns a ChatRequest built from input, or a KindInvalidRequest
// error describing the first violation. Nothing is partially accepted.
func (v *Validator) Validate(input map[string]any) (*types.ChatRequest, error) {
	if input == nil {
		return nil, invalid("request body is required")
	}

	model, ok := input["model"].(string)
	if !ok || !modelPattern.MatchString(model) {
		return nil, invalid("invalid model name format")
	}
	req := &types.ChatRequest{Model: model}

	rawMessages, present := input["messages"]
	if !present || rawMessages == nil {
		return nil, invalid("messages is required")
	}
	list, ok := rawMessages.([]any)
	if !ok {
		return nil, invalid("messages must be a list")
	}
	if len(list) == 0 {
		return nil, invalid("messages must not be empty")
	}
	if len(list) > v.maxMessages {
		return nil, invalid("too many messages: %d (max: %d)", len(list), v.maxMessages)
	}

	req.Messages = make([]types.ChatMessage, 0, len(list))
	for i, item := range list {
		msg, err := v.message(i, item)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	if rawMax, present := input["max_tokens"]; present {
		n, ok := asInt(rawMax)
		if !ok || n < MinMaxTokens || n > MaxMaxTokens {
			return nil, invalid("invalid max_tokens value (must be an integer between %d and %d)", MinMaxTokens, MaxMaxTokens)
		}
		req.MaxTokens = &n
	}

	if rawTemp, present := input["temperature"]; present {
		f, ok := asFloat(rawTemp)
		if !ok || f < MinTemperature || f > MaxTemperature {
			return nil, invalid("invalid temperature value (must be a number between %g and %g)", MinTemperature, MaxTemperature)
		}
		req.Temperature = &f
	}

	return req, nil
}

func (v *Validator) message(i int, item any) (types.ChatMessage, error) {
	fields, ok := item.(map[string]any)
	if !ok {
		return types.ChatMessage{}, invalid("messages[%d]: message must be an object", i)
	}

	roleStr, _ := fields["role"].(string)
	role, ok := types.ParseRole(roleStr)
	if !ok {
		return types.ChatMessage{}, invalid("messages[%d].role: invalid role (allowed: user, assistant, system)", i)
	}

	content, ok := fields["content"].(string)
	if !ok {
		return types.ChatMessage{}, invalid("messages[%d].content: content must be a string", i)
	}
	if n := utf8.RuneCountInString(content); n > v.maxMessageLength {
		return types.ChatMessage{}, invalid("messages[%d].content: message too long: %d characters (max: %d)", i, n, v.maxMessageLength)
	}

	return types.ChatMessage{Role: role, Content: content}, nil
}

// asInt accepts integral JSON numbers only. Booleans, strings and values with
// a fractional part are rejected.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < math.MinInt32 || i > math.MaxInt32 {
			return 0, false
		}
		return int(i), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n < math.MinInt32 || n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func invalid(format string, args ...any) error {
	return types.NewError(types.KindInvalidRequest, format, args...)
}
