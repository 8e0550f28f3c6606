package protocol

import (
	"bytes"
	"errors"
)

// ErrBufferOverflow is returned by Feed when the retained partial record grew past the cap and was discarded.
var ErrBufferOverflow = errors.New("partial record exceeded buffer cap")

// Framer splits a stream of output chunks into newline-delimited records.
// A record is only emitted once its terminating newline has been received; the trailing
// fragment of each chunk is retained and prefixed to the next one.
// Framer is not goroutine-safe.
type Framer struct {
	// MaxBuffer caps the retained partial record, in bytes. Zero means no cap.
	MaxBuffer int

	buf []byte
}

// Feed appends a chunk and returns every complete, non-blank record it completes, in order.
// Returned records do not include the newline and do not alias the chunk.
// Records are still returned alongside ErrBufferOverflow.
func (f *Framer) Feed(chunk []byte) ([][]byte, error) {
	f.buf = append(f.buf, chunk...)

	var records [][]byte
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := f.buf[:i]
		f.buf = f.buf[i+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		records = append(records, bytes.Clone(line))
	}

	// compact so the backing array doesn't hold on to consumed records
	f.buf = append([]byte(nil), f.buf...)

	if f.MaxBuffer > 0 && len(f.buf) > f.MaxBuffer {
		f.buf = nil
		return records, ErrBufferOverflow
	}
	return records, nil
}

// Pending returns the retained partial record.
func (f *Framer) Pending() []byte {
	return f.buf
}

func (f *Framer) Reset() {
	f.buf = nil
}
