package draft

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes content into its tagged envelope.
func Encode(c Content) (json.RawMessage, error) {
	if c == nil {
		return nil, errors.New("encode draft: nil content")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s draft: %w", c.Type(), err)
	}
	return json.Marshal(envelope{Type: c.Type(), Data: data})
}

// Decode reads a tagged envelope back into its concrete content type.
func Decode(raw []byte) (Content, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode draft envelope: %w", err)
	}
	return DecodeAs(env.Type, env.Data)
}

// DecodeAs parses untagged payload data as the given type.
func DecodeAs(t Type, data []byte) (Content, error) {
	c, err := New(t)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return c, nil
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode %s draft: %w", t, err)
	}
	return c, nil
}

// Retype converts content into another type, carrying over every field the
// target understands. Fields the target rejects are returned as dropped.
func Retype(c Content, to Type) (Content, []string, error) {
	next, err := New(to)
	if err != nil {
		return nil, nil, err
	}
	fields, err := asStrings(c)
	if err != nil {
		return nil, nil, err
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var dropped []string
	for _, k := range keys {
		v := fields[k]
		if v == "" {
			continue
		}
		if err := next.MergeAnswer(k, v); err != nil {
			dropped = append(dropped, k)
		}
	}
	if u, ok := c.(*Unresolved); ok && u.Text != "" {
		carryText(next, u.Text)
	}
	return next, dropped, nil
}

// carryText seeds the primary free-text field of the target with the
// original capture when nothing else filled it.
func carryText(c Content, text string) {
	switch v := c.(type) {
	case *Note:
		if v.Body == "" {
			v.Body = text
		}
	case *Task:
		if v.Description == "" {
			v.Description = text
		}
	case *Epic:
		if v.Description == "" {
			v.Description = text
		}
	case *Challenge:
		if v.Description == "" {
			v.Description = text
		}
	case *Event:
		if v.Description == "" {
			v.Description = text
		}
	}
}

func asMap(c Content) (map[string]any, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// asStrings flattens content to field → string, the shape answers take.
func asStrings(c Content) (map[string]string, error) {
	if u, ok := c.(*Unresolved); ok {
		out := make(map[string]string, len(u.Fields))
		for k, v := range u.Fields {
			out[k] = v
		}
		return out, nil
	}
	m, err := asMap(c)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = stringify(v)
	}
	return out, nil
}

// FieldValues returns content as a flat field → string map.
func FieldValues(c Content) map[string]string {
	m, err := asStrings(c)
	if err != nil {
		return map[string]string{}
	}
	return m
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, stringify(p))
		}
		return strings.Join(parts, ",")
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
