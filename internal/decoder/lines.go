package decoder

import (
	"bytes"
	"io"
)

const defaultChunkSize = 32 * 1024

// lineIterator yields newline-delimited records from a stream, buffering
// partial reads across chunk boundaries. A record is only emitted once its
// terminating newline (or end-of-stream) has been observed.
type lineIterator struct {
	r     io.Reader
	buf   []byte
	chunk []byte
	eof   bool
}

func newLineIterator(r io.Reader, chunkSize int) *lineIterator {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &lineIterator{r: r, chunk: make([]byte, chunkSize)}
}

// Next returns the next complete line with its trailing newline stripped.
// The second return is false once the stream is exhausted. Blank lines are
// skipped.
func (it *lineIterator) Next() (string, bool, error) {
	for {
		if idx := bytes.IndexByte(it.buf, '\n'); idx >= 0 {
			line := trimLine(it.buf[:idx])
			it.buf = it.buf[idx+1:]
			if len(line) == 0 {
				continue
			}
			return string(line), true, nil
		}

		if it.eof {
			line := trimLine(it.buf)
			it.buf = nil
			if len(line) == 0 {
				return "", false, nil
			}
			return string(line), true, nil
		}

		n, err := it.r.Read(it.chunk)
		if n > 0 {
			it.buf = append(it.buf, it.chunk[:n]...)
		}
		if err == io.EOF {
			it.eof = true
			continue
		}
		if err != nil {
			return "", false, err
		}
	}
}

func trimLine(line []byte) []byte {
	return bytes.TrimSuffix(line, []byte{'\r'})
}
