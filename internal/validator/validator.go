// Package validator parses inbound message topics and payloads. Every failure
// is an errs.KindParse error: the message is dropped and never retried.
package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/septivank/iot-receiver/internal/errs"
)

// TopicSegments is the number of levels in a reading topic
const TopicSegments = 5

// Topic is a parsed country/state/city/deviceClientId/username topic
type Topic struct {
	Country        string
	State          string
	City           string
	DeviceClientID string
	Username       string
}

// Field is a single variable of a payload
type Field struct {
	Name  string
	Value float64
}

// ParseTopic splits topic into its five levels
func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != TopicSegments {
		return Topic{}, errs.Errorf(errs.KindParse, "parse topic",
			"expected %d levels, got %d in %q", TopicSegments, len(parts), topic)
	}
	for i, p := range parts {
		if p == "" {
			return Topic{}, errs.Errorf(errs.KindParse, "parse topic", "level %d is empty in %q", i+1, topic)
		}
	}

	return Topic{
		Country:        parts[0],
		State:          parts[1],
		City:           parts[2],
		DeviceClientID: parts[3],
		Username:       parts[4],
	}, nil
}

// ParsePayload decodes a flat JSON object of variable name to number. Any
// non-numeric value rejects the whole payload. Fields are sorted by name.
func ParsePayload(payload []byte) ([]Field, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, errs.E(errs.KindParse, "parse payload", fmt.Errorf("invalid JSON object: %w", err))
	}
	if raw == nil {
		return nil, errs.Errorf(errs.KindParse, "parse payload", "payload is null")
	}
	if dec.More() {
		return nil, errs.Errorf(errs.KindParse, "parse payload", "trailing data after JSON object")
	}

	fields := make([]Field, 0, len(raw))
	for name, v := range raw {
		if name == "" {
			return nil, errs.Errorf(errs.KindParse, "parse payload", "empty variable name")
		}
		num, ok := v.(json.Number)
		if !ok {
			return nil, errs.Errorf(errs.KindParse, "parse payload", "variable %q is not numeric", name)
		}
		f, err := num.Float64()
		if err != nil {
			return nil, errs.E(errs.KindParse, "parse payload", fmt.Errorf("variable %q: %w", name, err))
		}
		fields = append(fields, Field{Name: name, Value: f})
	}

	sort.Slice(fields, func(i, j int) bool {
		return fields[i].Name < fields[j].Name
	})

	return fields, nil
}

// EncodeField renders a single field as a payload ParsePayload accepts
func EncodeField(f Field) ([]byte, error) {
	return json.Marshal(map[string]float64{f.Name: f.Value})
}
