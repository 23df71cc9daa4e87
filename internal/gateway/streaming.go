package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/af-corp/tierproxy/internal/upstream"
)

const relayBufferSize = 32 * 1024

// relayResponse writes the upstream status, headers and body to the client
// unchanged. Each chunk is flushed as it arrives so SSE streams reach the
// client event by event.
func relayResponse(w http.ResponseWriter, resp *http.Response) (int64, error) {
	upstream.CopyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, relayBufferSize)
	var written int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			m, writeErr := w.Write(buf[:n])
			written += int64(m)
			if writeErr != nil {
				return written, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
