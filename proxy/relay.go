package proxy

import (
	"io"
	"net/http"
)

// Relay copies an upstream response to the client unchanged: status, end-to-end headers and body.
// The body is flushed as it arrives so streamed completions are not buffered.
func Relay(w http.ResponseWriter, resp *http.Response) (int64, error) {
	defer resp.Body.Close()

	h := resp.Header.Clone()
	removeHeaders(h, hopHeaders)
	// the transport may have decoded the body, so the upstream length no longer applies
	h.Del("Content-Length")
	for k, vv := range h {
		w.Header()[k] = vv
	}
	w.WriteHeader(resp.StatusCode)

	return io.Copy(flushWriter{w}, resp.Body)
}

type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}
