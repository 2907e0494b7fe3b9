package protocol

import (
	"fmt"

	"github.com/danmuck/nettables/internal/protocol/wire"
)

// ValueType is the wire tag of a Value.
type ValueType uint8

const (
	TypeBoolean      ValueType = 0x00
	TypeDouble       ValueType = 0x01
	TypeString       ValueType = 0x02
	TypeRaw          ValueType = 0x03
	TypeBooleanArray ValueType = 0x10
	TypeDoubleArray  ValueType = 0x11
	TypeStringArray  ValueType = 0x12
	TypeRPC          ValueType = 0x20
)

// MaxArrayLen is the largest element count an array carries on the wire.
// Longer arrays are cut on encode.
const MaxArrayLen = 0xFF

var valueTypeNames = map[ValueType]string{
	TypeBoolean:      "boolean",
	TypeDouble:       "double",
	TypeString:       "string",
	TypeRaw:          "raw",
	TypeBooleanArray: "boolean[]",
	TypeDoubleArray:  "double[]",
	TypeStringArray:  "string[]",
	TypeRPC:          "rpc",
}

func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(0x%02x)", uint8(t))
}

// Known reports whether t is a recognized tag at any revision.
func (t ValueType) Known() bool {
	_, ok := valueTypeNames[t]
	return ok
}

// MinRevision is the lowest revision at which t may appear on the wire.
func (t ValueType) MinRevision() wire.Revision {
	switch t {
	case TypeRaw, TypeRPC:
		return wire.Revision3
	default:
		return wire.Revision2
	}
}

// Value is a tagged union over the entry value kinds. The zero Value is
// boolean false.
type Value struct {
	typ     ValueType
	boolean bool
	double  float64
	str     string
	raw     []byte
	bools   []bool
	doubles []float64
	strs    []string
}

func BooleanValue(v bool) Value {
	return Value{typ: TypeBoolean, boolean: v}
}

func DoubleValue(v float64) Value {
	return Value{typ: TypeDouble, double: v}
}

func StringValue(v string) Value {
	return Value{typ: TypeString, str: v}
}

func RawValue(v []byte) Value {
	return Value{typ: TypeRaw, raw: cloneBytes(v)}
}

// RPCValue wraps an rpc definition blob.
func RPCValue(v []byte) Value {
	return Value{typ: TypeRPC, raw: cloneBytes(v)}
}

func BooleanArrayValue(v []bool) Value {
	out := make([]bool, len(v))
	copy(out, v)
	return Value{typ: TypeBooleanArray, bools: out}
}

func DoubleArrayValue(v []float64) Value {
	out := make([]float64, len(v))
	copy(out, v)
	return Value{typ: TypeDoubleArray, doubles: out}
}

func StringArrayValue(v []string) Value {
	out := make([]string, len(v))
	copy(out, v)
	return Value{typ: TypeStringArray, strs: out}
}

func (v Value) Type() ValueType {
	return v.typ
}

func (v Value) Boolean() (bool, error) {
	if v.typ != TypeBoolean {
		return false, ErrValueTypeMismatch
	}
	return v.boolean, nil
}

func (v Value) Double() (float64, error) {
	if v.typ != TypeDouble {
		return 0, ErrValueTypeMismatch
	}
	return v.double, nil
}

func (v Value) Str() (string, error) {
	if v.typ != TypeString {
		return "", ErrValueTypeMismatch
	}
	return v.str, nil
}

// Raw returns the bytes of a raw or rpc value.
func (v Value) Raw() ([]byte, error) {
	if v.typ != TypeRaw && v.typ != TypeRPC {
		return nil, ErrValueTypeMismatch
	}
	return cloneBytes(v.raw), nil
}

func (v Value) BooleanArray() ([]bool, error) {
	if v.typ != TypeBooleanArray {
		return nil, ErrValueTypeMismatch
	}
	out := make([]bool, len(v.bools))
	copy(out, v.bools)
	return out, nil
}

func (v Value) DoubleArray() ([]float64, error) {
	if v.typ != TypeDoubleArray {
		return nil, ErrValueTypeMismatch
	}
	out := make([]float64, len(v.doubles))
	copy(out, v.doubles)
	return out, nil
}

func (v Value) StringArray() ([]string, error) {
	if v.typ != TypeStringArray {
		return nil, ErrValueTypeMismatch
	}
	out := make([]string, len(v.strs))
	copy(out, v.strs)
	return out, nil
}

// String formats v for logs, e.g. double(1.5).
func (v Value) String() string {
	switch v.typ {
	case TypeString:
		return fmt.Sprintf("%s(%q)", v.typ, v.str)
	case TypeRaw, TypeRPC:
		return fmt.Sprintf("%s(%x)", v.typ, v.raw)
	default:
		return fmt.Sprintf("%s(%v)", v.typ, v.Any())
	}
}

// Any returns the payload as a plain Go value for logging and JSON views.
func (v Value) Any() any {
	switch v.typ {
	case TypeBoolean:
		return v.boolean
	case TypeDouble:
		return v.double
	case TypeString:
		return v.str
	case TypeRaw, TypeRPC:
		return cloneBytes(v.raw)
	case TypeBooleanArray:
		return append([]bool(nil), v.bools...)
	case TypeDoubleArray:
		return append([]float64(nil), v.doubles...)
	case TypeStringArray:
		return append([]string(nil), v.strs...)
	default:
		return nil
	}
}

func appendValue(b []byte, v Value, rev wire.Revision) []byte {
	switch v.typ {
	case TypeBoolean:
		if v.boolean {
			return wire.AppendUint8(b, 1)
		}
		return wire.AppendUint8(b, 0)
	case TypeDouble:
		return wire.AppendDouble(b, v.double)
	case TypeString:
		return wire.AppendString(b, v.str, rev)
	case TypeRaw, TypeRPC:
		return wire.AppendBlob(b, v.raw)
	case TypeBooleanArray:
		n := min(len(v.bools), MaxArrayLen)
		b = wire.AppendUint8(b, uint8(n))
		for _, e := range v.bools[:n] {
			if e {
				b = wire.AppendUint8(b, 1)
			} else {
				b = wire.AppendUint8(b, 0)
			}
		}
		return b
	case TypeDoubleArray:
		n := min(len(v.doubles), MaxArrayLen)
		b = wire.AppendUint8(b, uint8(n))
		for _, e := range v.doubles[:n] {
			b = wire.AppendDouble(b, e)
		}
		return b
	case TypeStringArray:
		n := min(len(v.strs), MaxArrayLen)
		b = wire.AppendUint8(b, uint8(n))
		for _, e := range v.strs[:n] {
			b = wire.AppendString(b, e, rev)
		}
		return b
	default:
		return b
	}
}

func readValue(r *wire.Reader, typ ValueType, rev wire.Revision) (Value, error) {
	if !typ.Known() {
		return Value{}, ErrUnrecognizedType
	}
	if !rev.AtLeast(typ.MinRevision()) {
		return Value{}, revisionError(typ.MinRevision(), rev)
	}
	switch typ {
	case TypeBoolean:
		b, err := r.ReadUint8()
		if err != nil {
			return Value{}, err
		}
		return BooleanValue(b != 0), nil
	case TypeDouble:
		d, err := r.ReadDouble()
		if err != nil {
			return Value{}, err
		}
		return DoubleValue(d), nil
	case TypeString:
		s, err := r.ReadString(rev)
		if err != nil {
			return Value{}, err
		}
		return StringValue(s), nil
	case TypeRaw, TypeRPC:
		p, err := r.ReadBlob()
		if err != nil {
			return Value{}, err
		}
		return Value{typ: typ, raw: p}, nil
	case TypeBooleanArray:
		n, err := r.ReadUint8()
		if err != nil {
			return Value{}, err
		}
		out := make([]bool, n)
		for i := range out {
			b, err := r.ReadUint8()
			if err != nil {
				return Value{}, err
			}
			out[i] = b != 0
		}
		return Value{typ: typ, bools: out}, nil
	case TypeDoubleArray:
		n, err := r.ReadUint8()
		if err != nil {
			return Value{}, err
		}
		out := make([]float64, n)
		for i := range out {
			if out[i], err = r.ReadDouble(); err != nil {
				return Value{}, err
			}
		}
		return Value{typ: typ, doubles: out}, nil
	default:
		n, err := r.ReadUint8()
		if err != nil {
			return Value{}, err
		}
		out := make([]string, n)
		for i := range out {
			if out[i], err = r.ReadString(rev); err != nil {
				return Value{}, err
			}
		}
		return Value{typ: typ, strs: out}, nil
	}
}

func cloneBytes(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
