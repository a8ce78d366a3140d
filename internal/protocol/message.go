package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Field separators of a control line: KEY|k=v|k=v or KEY|positional|k=v
const (
	fieldSeparator = "|"
	kvSeparator    = "="
)

var (
	// ErrEmptyLine is returned when parsing a blank line
	ErrEmptyLine = errors.New("empty line")

	// ErrMissingField is returned when a required key=value field is absent
	ErrMissingField = errors.New("missing field")
)

// Message is a parsed control line
type Message struct {
	Key    string
	Args   []string          // positional parts without '='
	Fields map[string]string // key=value parts
}

// Parse splits a control line into its key, positional args and key=value fields.
// Later duplicates of a field overwrite earlier ones.
func Parse(line string) (Message, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Message{}, ErrEmptyLine
	}

	parts := strings.Split(line, fieldSeparator)
	msg := Message{
		Key:    strings.TrimSpace(parts[0]),
		Fields: make(map[string]string, len(parts)-1),
	}
	if msg.Key == "" {
		return Message{}, fmt.Errorf("line has no key: %q", line)
	}

	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, kvSeparator)
		if !ok {
			msg.Args = append(msg.Args, part)
			continue
		}
		msg.Fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	return msg, nil
}

// Field returns the raw value of a key=value field
func (m Message) Field(key string) (string, bool) {
	v, ok := m.Fields[key]
	return v, ok
}

// Has reports whether the field is present
func (m Message) Has(key string) bool {
	_, ok := m.Fields[key]
	return ok
}

// Int parses a required integer field
func (m Message) Int(key string) (int, error) {
	v, ok := m.Fields[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("field %s: invalid integer %q", key, v)
	}
	return n, nil
}

// Int64 parses a required 64-bit integer field
func (m Message) Int64(key string) (int64, error) {
	v, ok := m.Fields[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: invalid integer %q", key, v)
	}
	return n, nil
}

// Float64 parses a required floating point field
func (m Message) Float64(key string) (float64, error) {
	v, ok := m.Fields[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: invalid number %q", key, v)
	}
	return f, nil
}

// String renders the message back into wire form. Field order is not preserved.
func (m Message) String() string {
	parts := make([]string, 0, 1+len(m.Args)+len(m.Fields))
	parts = append(parts, m.Key)
	parts = append(parts, m.Args...)
	for k, v := range m.Fields {
		parts = append(parts, k+kvSeparator+v)
	}
	return strings.Join(parts, fieldSeparator)
}

// Line joins a key and its parts into one control line
func Line(key string, parts ...string) string {
	if len(parts) == 0 {
		return key
	}
	return key + fieldSeparator + strings.Join(parts, fieldSeparator)
}

// KV formats a key=value part
func KV(key string, value any) string {
	switch v := value.(type) {
	case string:
		return key + kvSeparator + v
	case int:
		return key + kvSeparator + strconv.Itoa(v)
	case int64:
		return key + kvSeparator + strconv.FormatInt(v, 10)
	case uint32:
		return key + kvSeparator + strconv.FormatUint(uint64(v), 10)
	case uint64:
		return key + kvSeparator + strconv.FormatUint(v, 10)
	case bool:
		return key + kvSeparator + strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%s%s%v", key, kvSeparator, v)
	}
}
