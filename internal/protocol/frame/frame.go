package frame

import (
	"bufio"
	"errors"
	"io"
	"sync"

	"github.com/danmuck/nettables/internal/protocol"
	"github.com/danmuck/nettables/internal/protocol/wire"
)

var ErrWriterClosed = errors.New("frame: writer closed")

// Limits constrains decode memory use.
type Limits struct {
	// MaxLength bounds every length-prefixed string or blob read.
	MaxLength uint64
	// ReadBuffer and WriteBuffer size the bufio layers; zero uses the
	// bufio defaults.
	ReadBuffer  int
	WriteBuffer int
}

func DefaultLimits() Limits {
	return Limits{
		MaxLength:   16 * 1024 * 1024,
		ReadBuffer:  64 * 1024,
		WriteBuffer: 64 * 1024,
	}
}

// Reader decodes a stream of messages. It is owned by one goroutine.
type Reader struct {
	wr *wire.Reader
}

func NewReader(r io.Reader, limits Limits) *Reader {
	var br *bufio.Reader
	if limits.ReadBuffer > 0 {
		br = bufio.NewReaderSize(r, limits.ReadBuffer)
	} else {
		br = bufio.NewReader(r)
	}
	wr := wire.NewReader(br)
	wr.MaxLength = limits.MaxLength
	return &Reader{wr: wr}
}

// ReadMessage decodes the next message at rev. types supplies entry types
// for legacy EntryUpdate and may be nil. A closed peer yields io.EOF.
func (r *Reader) ReadMessage(rev protocol.Revision, types protocol.TypeLookup) (*protocol.Message, error) {
	return protocol.Decode(r.wr, rev, types)
}

// Writer encodes messages into a buffer and flushes them as one write. It
// is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      *bufio.Writer
	buf    []byte
	closed bool
}

func NewWriter(w io.Writer, limits Limits) *Writer {
	if limits.WriteBuffer > 0 {
		return &Writer{w: bufio.NewWriterSize(w, limits.WriteBuffer)}
	}
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteMessages encodes msgs at rev and flushes them. Messages not legal at
// rev are skipped; written reports how many reached the wire.
func (w *Writer) WriteMessages(rev protocol.Revision, msgs ...*protocol.Message) (written int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWriterClosed
	}
	w.buf = w.buf[:0]
	for _, msg := range msgs {
		n := len(w.buf)
		w.buf = protocol.AppendMessage(w.buf, msg, rev)
		if len(w.buf) > n {
			written++
		}
	}
	if written == 0 {
		return 0, nil
	}
	if _, err := w.w.Write(w.buf); err != nil {
		return 0, err
	}
	if err := w.w.Flush(); err != nil {
		return 0, err
	}
	return written, nil
}

// Close rejects further writes. It does not close the underlying writer.
func (w *Writer) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
