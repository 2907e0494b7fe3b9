package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/multiformats/go-varint"
)

// Revision is the 16-bit protocol revision negotiated per connection.
type Revision uint16

const (
	Revision2 Revision = 0x0200
	Revision3 Revision = 0x0300
)

// MaxLegacyStringLen caps string lengths below Revision3.
const MaxLegacyStringLen = 0xFFFF

var (
	ErrTruncated = errors.New("wire: truncated data")
	ErrTooLarge  = errors.New("wire: length exceeds limit")
	ErrVarint    = errors.New("wire: invalid uleb128")
)

func (r Revision) String() string {
	return fmt.Sprintf("0x%04x", uint16(r))
}

// AtLeast reports whether r satisfies min.
func (r Revision) AtLeast(min Revision) bool {
	return r >= min
}

func AppendUint8(b []byte, v uint8) []byte {
	return append(b, v)
}

func AppendUint16(b []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(b, v)
}

func AppendUint32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

// AppendDouble writes the big-endian IEEE-754 bit pattern of v.
func AppendDouble(b []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(b, math.Float64bits(v))
}

func AppendULEB128(b []byte, v uint64) []byte {
	return append(b, varint.ToUvarint(v)...)
}

// AppendString writes s with the length rule of rev. Below Revision3 the
// length is a uint16 and longer strings are cut to MaxLegacyStringLen bytes.
func AppendString(b []byte, s string, rev Revision) []byte {
	if rev.AtLeast(Revision3) {
		b = AppendULEB128(b, uint64(len(s)))
		return append(b, s...)
	}
	if len(s) > MaxLegacyStringLen {
		s = s[:MaxLegacyStringLen]
	}
	b = AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

// AppendBlob writes a ULEB128 length prefix followed by p.
func AppendBlob(b []byte, p []byte) []byte {
	b = AppendULEB128(b, uint64(len(p)))
	return append(b, p...)
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

// Reader reads wire primitives from a byte stream. MaxLength bounds every
// length-prefixed read; zero means unbounded.
type Reader struct {
	r         byteReader
	MaxLength uint64
	scratch   [8]byte
}

func NewReader(r io.Reader) *Reader {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br}
}

// ReadTag reads a single leading byte. A clean end of stream is returned as
// io.EOF so callers can tell a closed peer from a cut message.
func (r *Reader) ReadTag() (uint8, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, err
	}
	return b, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return 0, truncated(err)
	}
	return b, nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.fill(2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(r.scratch[:2]), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.fill(4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(r.scratch[:4]), nil
}

func (r *Reader) ReadDouble() (float64, error) {
	if err := r.fill(8); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(r.scratch[:8])), nil
}

func (r *Reader) ReadULEB128() (uint64, error) {
	v, err := varint.ReadUvarint(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrTruncated
		}
		return 0, fmt.Errorf("%w: %v", ErrVarint, err)
	}
	return v, nil
}

// ReadString reads a string using the length rule of rev.
func (r *Reader) ReadString(rev Revision) (string, error) {
	var n uint64
	if rev.AtLeast(Revision3) {
		v, err := r.ReadULEB128()
		if err != nil {
			return "", err
		}
		n = v
	} else {
		v, err := r.ReadUint16()
		if err != nil {
			return "", err
		}
		n = uint64(v)
	}
	buf, err := r.readN(n)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadBlob reads a ULEB128 length-prefixed byte slice.
func (r *Reader) ReadBlob() ([]byte, error) {
	n, err := r.ReadULEB128()
	if err != nil {
		return nil, err
	}
	return r.readN(n)
}

func (r *Reader) readN(n uint64) ([]byte, error) {
	if r.MaxLength > 0 && n > r.MaxLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, r.MaxLength)
	}
	if n > uint64(math.MaxInt32) {
		return nil, fmt.Errorf("%w: %d", ErrTooLarge, n)
	}
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, truncated(err)
	}
	return buf, nil
}

func (r *Reader) fill(n int) error {
	if _, err := io.ReadFull(r.r, r.scratch[:n]); err != nil {
		return truncated(err)
	}
	return nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}
