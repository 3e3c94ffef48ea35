package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrParse is returned when the model response holds no usable JSON object.
// The text is sent verbatim to the backend, which matches on it.
var ErrParse = errors.New("Failed to parse LLM response as JSON") //nolint:staticcheck

// jsonObject is greedy: it spans from the first '{' to the last '}'. A response
// with two separate objects (an example followed by the answer) yields both
// plus the prose between them and then fails to parse.
var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// ExtractJSON returns the brace-delimited part of a raw model response.
func ExtractJSON(raw string) (string, error) {
	match := jsonObject.FindString(raw)
	if match == "" {
		return "", ErrParse
	}
	return match, nil
}

// parseObject extracts and decodes the JSON object of a raw model response.
func parseObject(raw string) (string, map[string]any, error) {
	text, err := ExtractJSON(raw)
	if err != nil {
		return "", nil, err
	}

	var object map[string]any
	if err := json.Unmarshal([]byte(text), &object); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	return text, object, nil
}
