package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// strippedResponseHeaders are dropped from every upstream response before
// serialization: the body is buffered and possibly rewritten, so encoding and
// length claims no longer hold, and the CORS header is always set fresh.
var strippedResponseHeaders = map[string]bool{
	"Content-Encoding":            true,
	"Content-Length":              true,
	"Transfer-Encoding":           true,
	"Access-Control-Allow-Origin": true,
}

// writeResponse serializes a full HTTP/1.1 response onto the raw connection:
// status line, filtered headers, recomputed Content-Length, blank line, body.
func writeResponse(conn net.Conn, status int, header http.Header, body []byte) error {
	w := bufio.NewWriterSize(conn, 32*1024)

	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, statusText(status))

	for key, vals := range header {
		if strippedResponseHeaders[key] || hopByHopHeaders[key] {
			continue
		}
		for _, v := range vals {
			fmt.Fprintf(w, "%s: %s\r\n", key, v)
		}
	}

	fmt.Fprintf(w, "Access-Control-Allow-Origin: *\r\n")
	fmt.Fprintf(w, "Content-Length: %d\r\n", len(body))
	fmt.Fprintf(w, "Connection: close\r\n")
	w.WriteString("\r\n")

	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return w.Flush()
}

// writeError emits a canned plain-text error response through the same writer,
// so error responses carry the CORS header and a correct Content-Length too.
func (s *Server) writeError(conn net.Conn, status int, message string) {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")

	if err := writeResponse(conn, status, header, []byte(message+"\n")); err != nil {
		s.logger.Debug("write error response failed", "status", status, "err", err)
	}
}

// statusText returns the reason phrase for the status line.
func statusText(status int) string {
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "Status"
}
