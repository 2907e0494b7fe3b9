package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/nettables/internal/connector"
	"github.com/danmuck/nettables/internal/protocol"
)

// ParseRevision accepts "3.0", "3", "0x0300" and the same forms for 2.0.
// Empty means 3.0.
func ParseRevision(raw string) (protocol.Revision, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "3", "3.0", "0x0300":
		return protocol.Revision3, nil
	case "2", "2.0", "0x0200":
		return protocol.Revision2, nil
	default:
		return 0, fmt.Errorf("unsupported revision %q (expected 2.0 or 3.0)", raw)
	}
}

func ServerCandidates(raw []string) ([]connector.Candidate, error) {
	out := make([]connector.Candidate, 0, len(raw))
	for i, s := range raw {
		host, port, err := ParseServer(s)
		if err != nil {
			return nil, fmt.Errorf("servers[%d]: %w", i, err)
		}
		out = append(out, connector.Candidate{Host: host, Port: port})
	}
	return out, nil
}

// EntryMessages turns configured entries into assigns with the id left for
// the server to choose.
func EntryMessages(entries []EntryConfig) ([]*protocol.Message, error) {
	out := make([]*protocol.Message, 0, len(entries))
	for _, entry := range entries {
		v, err := EntryValue(entry)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", entry.Name, err)
		}
		var flags uint8
		if entry.Persistent {
			flags |= protocol.FlagPersistent
		}
		out = append(out, protocol.EntryAssign(strings.TrimSpace(entry.Name), protocol.EntryIDUnassigned, 1, flags, v))
	}
	return out, nil
}

// EntryValue converts the decoded TOML value according to entry.Type.
func EntryValue(entry EntryConfig) (protocol.Value, error) {
	switch strings.ToLower(strings.TrimSpace(entry.Type)) {
	case "boolean", "bool":
		b, ok := entry.Value.(bool)
		if !ok {
			return protocol.Value{}, typeErr(entry)
		}
		return protocol.BooleanValue(b), nil
	case "double", "number":
		f, ok := toFloat(entry.Value)
		if !ok {
			return protocol.Value{}, typeErr(entry)
		}
		return protocol.DoubleValue(f), nil
	case "string":
		s, ok := entry.Value.(string)
		if !ok {
			return protocol.Value{}, typeErr(entry)
		}
		return protocol.StringValue(s), nil
	case "raw":
		s, ok := entry.Value.(string)
		if !ok {
			return protocol.Value{}, typeErr(entry)
		}
		return protocol.RawValue([]byte(s)), nil
	case "boolean[]", "bool[]":
		items, ok := entry.Value.([]any)
		if !ok {
			return protocol.Value{}, typeErr(entry)
		}
		out := make([]bool, 0, len(items))
		for _, it := range items {
			b, ok := it.(bool)
			if !ok {
				return protocol.Value{}, typeErr(entry)
			}
			out = append(out, b)
		}
		return protocol.BooleanArrayValue(out), nil
	case "double[]", "number[]":
		items, ok := entry.Value.([]any)
		if !ok {
			return protocol.Value{}, typeErr(entry)
		}
		out := make([]float64, 0, len(items))
		for _, it := range items {
			f, ok := toFloat(it)
			if !ok {
				return protocol.Value{}, typeErr(entry)
			}
			out = append(out, f)
		}
		return protocol.DoubleArrayValue(out), nil
	case "string[]":
		items, ok := entry.Value.([]any)
		if !ok {
			return protocol.Value{}, typeErr(entry)
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			s, ok := it.(string)
			if !ok {
				return protocol.Value{}, typeErr(entry)
			}
			out = append(out, s)
		}
		return protocol.StringArrayValue(out), nil
	default:
		return protocol.Value{}, fmt.Errorf("unknown type %q", entry.Type)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func typeErr(entry EntryConfig) error {
	return fmt.Errorf("value %v does not fit type %q", entry.Value, entry.Type)
}

// EntryConfigFor is the inverse of EntryValue for the types a file can
// hold. ok is false for rpc definitions.
func EntryConfigFor(name string, v protocol.Value, persistent bool) (EntryConfig, bool) {
	entry := EntryConfig{Name: name, Persistent: persistent}
	switch v.Type() {
	case protocol.TypeBoolean:
		b, _ := v.Boolean()
		entry.Type, entry.Value = "boolean", b
	case protocol.TypeDouble:
		f, _ := v.Double()
		entry.Type, entry.Value = "double", f
	case protocol.TypeString:
		s, _ := v.Str()
		entry.Type, entry.Value = "string", s
	case protocol.TypeRaw:
		p, _ := v.Raw()
		entry.Type, entry.Value = "raw", string(p)
	case protocol.TypeBooleanArray:
		items, _ := v.BooleanArray()
		entry.Type, entry.Value = "boolean[]", toAny(items)
	case protocol.TypeDoubleArray:
		items, _ := v.DoubleArray()
		entry.Type, entry.Value = "double[]", toAny(items)
	case protocol.TypeStringArray:
		items, _ := v.StringArray()
		entry.Type, entry.Value = "string[]", toAny(items)
	default:
		return EntryConfig{}, false
	}
	return entry, true
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
