package capture

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/go-faster/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// maxRecordSize bounds a single record; a UDP payload never exceeds 64k.
const maxRecordSize = 1 << 17

type Writer struct {
	mu  sync.Mutex
	w   *bufio.Writer
	c   io.Closer
	buf []byte
}

// Create opens path for appending records, creating it if needed.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open capture file")
	}
	w := NewWriter(f)
	w.c = f
	return w, nil
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write appends one record and flushes it.
func (w *Writer) Write(r *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = r.MarshalAppend(w.buf[:0])
	var size []byte
	size = protowire.AppendVarint(size, uint64(len(w.buf)))
	if _, err := w.w.Write(size); err != nil {
		return errors.Wrap(err, "write record size")
	}
	if _, err := w.w.Write(w.buf); err != nil {
		return errors.Wrap(err, "write record")
	}
	return w.w.Flush()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.w.Flush()
	if w.c != nil {
		if cerr := w.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type Reader struct {
	r   *bufio.Reader
	buf []byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (*Record, error) {
	size, err := binary.ReadUvarint(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "read record size")
	}
	if size > maxRecordSize {
		return nil, errors.Errorf("record size %d exceeds limit", size)
	}
	if cap(r.buf) < int(size) {
		r.buf = make([]byte, size)
	}
	r.buf = r.buf[:size]
	if _, err := io.ReadFull(r.r, r.buf); err != nil {
		return nil, errors.Wrap(err, "read record")
	}

	rec := &Record{}
	if err := rec.Unmarshal(r.buf); err != nil {
		return nil, errors.Wrap(err, "decode record")
	}
	return rec, nil
}
