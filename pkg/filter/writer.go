package filter

import (
	"bytes"
	"net/http"
)

// captureWriter sits between the backend and the client. The intercept
// decision is taken once, when the status is written: responses that may
// be themed are buffered, everything else streams straight through.
type captureWriter struct {
	http.ResponseWriter
	intercept func(http.Header) (bool, string)

	wroteHeader bool
	buffering   bool
	reason      string
	status      int
	buf         bytes.Buffer
}

func (cw *captureWriter) WriteHeader(code int) {
	if cw.wroteHeader {
		return
	}
	// 1xx responses are informational and may be followed by the real one.
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		cw.ResponseWriter.WriteHeader(code)
		return
	}
	cw.wroteHeader = true
	cw.status = code
	cw.buffering, cw.reason = cw.intercept(cw.Header())
	if !cw.buffering {
		cw.ResponseWriter.WriteHeader(code)
	}
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.buffering {
		return cw.buf.Write(b)
	}
	return cw.ResponseWriter.Write(b)
}

// Flush forwards to the client only for streamed responses.
func (cw *captureWriter) Flush() {
	if !cw.wroteHeader || cw.buffering {
		return
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *captureWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}
