// Package proxy — sse.go
//
// Incremental Server-Sent-Events splitter. An SSE stream is a sequence of
// events each terminated by a blank line; providers stream placeholders
// split across arbitrary chunk boundaries, so substitution must happen on
// whole events, never on raw chunks.
package proxy

import (
	"bytes"
	"io"
)

const sseReadBuffer = 4096

// eventDelim terminates one SSE event.
var eventDelim = []byte("\n\n")

// pumpSSE copies src to dst one event at a time, passing each complete
// event through rewrite before writing it. Bytes after the last delimiter
// are buffered across reads and flushed (rewritten) at EOF. flush, when
// non-nil, is called after every write so events reach the client promptly.
//
// Chunk boundaries inside the stream are not otherwise altered: events are
// written with their original delimiter and nothing is coalesced.
func pumpSSE(dst io.Writer, src io.Reader, rewrite func([]byte) []byte, flush func()) error {
	var pending []byte
	buf := make([]byte, sseReadBuffer)

	emit := func(event []byte) error {
		if _, err := dst.Write(rewrite(event)); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
		return nil
	}

	for {
		n, err := src.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.Index(pending, eventDelim)
				if i < 0 {
					break
				}
				event := pending[:i+len(eventDelim)]
				if werr := emit(event); werr != nil {
					return werr
				}
				pending = pending[i+len(eventDelim):]
			}
		}
		if err == io.EOF {
			if len(pending) > 0 {
				return emit(pending)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
