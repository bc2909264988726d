package rpc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// Kind encodes and decodes one typed argument value. The set of kinds is
// closed: both peers must agree on the schema per command, so there is no
// self-describing type information on the wire.
type Kind interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte) (any, error)
}

// Field is one named, typed slot in a command's argument or response schema.
type Field struct {
	Name     string
	Kind     Kind
	Optional bool
}

// ArgMap holds decoded argument values keyed by field name.
type ArgMap map[string]any

// String reads the named field as a string, returning "" when absent.
func (m ArgMap) String(name string) string {
	s, _ := m[name].(string)
	return s
}

// Int reads the named field as an int, returning 0 when absent.
func (m ArgMap) Int(name string) int {
	n, _ := m[name].(int)
	return n
}

// Bool reads the named field as a bool, returning false when absent.
func (m ArgMap) Bool(name string) bool {
	b, _ := m[name].(bool)
	return b
}

// Has reports whether the named field was present.
func (m ArgMap) Has(name string) bool {
	_, ok := m[name]
	return ok
}

// String is a UTF-8 text argument.
type String struct{}

func (String) Encode(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", v)
	}
	return []byte(s), nil
}

func (String) Decode(b []byte) (any, error) {
	return string(b), nil
}

// Int is a decimal integer argument.
type Int struct{}

func (Int) Encode(v any) ([]byte, error) {
	switch n := v.(type) {
	case int:
		return strconv.AppendInt(nil, int64(n), 10), nil
	case int64:
		return strconv.AppendInt(nil, n, 10), nil
	default:
		return nil, fmt.Errorf("expected int, got %T", v)
	}
}

func (Int) Decode(b []byte) (any, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode int: %w", err)
	}
	return int(n), nil
}

// Bool is encoded as "True"/"False" for wire compatibility.
type Bool struct{}

func (Bool) Encode(v any) ([]byte, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("expected bool, got %T", v)
	}
	if b {
		return []byte("True"), nil
	}
	return []byte("False"), nil
}

func (Bool) Decode(b []byte) (any, error) {
	switch string(b) {
	case "True":
		return true, nil
	case "False":
		return false, nil
	default:
		return nil, fmt.Errorf("decode bool: invalid value %q", b)
	}
}

// Bytes is a raw byte-blob argument.
type Bytes struct{}

func (Bytes) Encode(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("expected []byte, got %T", v)
	}
	return b, nil
}

func (Bytes) Decode(b []byte) (any, error) {
	return append([]byte(nil), b...), nil
}

// URL is a string argument validated as an absolute URL.
type URL struct{}

func (URL) Encode(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected URL string, got %T", v)
	}
	if _, err := url.ParseRequestURI(s); err != nil {
		return nil, fmt.Errorf("encode URL: %w", err)
	}
	return []byte(s), nil
}

func (URL) Decode(b []byte) (any, error) {
	s := string(b)
	if _, err := url.ParseRequestURI(s); err != nil {
		return nil, fmt.Errorf("decode URL: %w", err)
	}
	return s, nil
}

// StructureAsJSON carries an arbitrary JSON-serializable structure.
type StructureAsJSON struct{}

func (StructureAsJSON) Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode structure: %w", err)
	}
	return b, nil
}

func (StructureAsJSON) Decode(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode structure: %w", err)
	}
	return v, nil
}

// ListOf carries an ordered list of same-kind elements, each prefixed with
// a uint16 length.
type ListOf struct {
	Elem Kind
}

func (l ListOf) Encode(v any) ([]byte, error) {
	items, ok := v.([]any)
	if !ok {
		// Accept []string for the common case.
		if ss, isStrings := v.([]string); isStrings {
			items = make([]any, len(ss))
			for i, s := range ss {
				items[i] = s
			}
		} else {
			return nil, fmt.Errorf("expected list, got %T", v)
		}
	}
	var buf bytes.Buffer
	for _, item := range items {
		enc, err := l.Elem.Encode(item)
		if err != nil {
			return nil, err
		}
		if len(enc) > maxValueLen {
			return nil, fmt.Errorf("list element exceeds %d bytes", maxValueLen)
		}
		binary.Write(&buf, binary.BigEndian, uint16(len(enc)))
		buf.Write(enc)
	}
	return buf.Bytes(), nil
}

func (l ListOf) Decode(b []byte) (any, error) {
	var items []any
	r := bytes.NewReader(b)
	for r.Len() > 0 {
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		elem := make([]byte, n)
		if _, err := io.ReadFull(r, elem); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		v, err := l.Elem.Decode(elem)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, nil
}

// encodeFields marshals args into box entries according to the schema.
// Required fields must be present; keys outside the schema are rejected.
func encodeFields(fields []Field, args ArgMap) (Box, error) {
	box := make(Box, len(args))
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.Name] = true
		v, present := args[f.Name]
		if !present {
			if f.Optional {
				continue
			}
			return nil, fmt.Errorf("missing required argument %q", f.Name)
		}
		enc, err := f.Kind.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", f.Name, err)
		}
		box[f.Name] = enc
	}
	for name := range args {
		if !known[name] {
			return nil, fmt.Errorf("unknown argument %q", name)
		}
	}
	return box, nil
}

// decodeFields unmarshals box entries into an ArgMap according to the
// schema. Unknown non-protocol keys are a schema mismatch.
func decodeFields(fields []Field, box Box) (ArgMap, error) {
	args := make(ArgMap, len(box))
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.Name] = true
		raw, present := box[f.Name]
		if !present {
			if f.Optional {
				continue
			}
			return nil, fmt.Errorf("missing required argument %q", f.Name)
		}
		v, err := f.Kind.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", f.Name, err)
		}
		args[f.Name] = v
	}
	for name := range box {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if !known[name] {
			return nil, fmt.Errorf("unknown argument %q", name)
		}
	}
	return args, nil
}
