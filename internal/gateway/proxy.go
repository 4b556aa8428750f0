package gateway

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/booklore-runner/internal/metrics"
)

// forwarded request headers; everything else stays at the gateway
var forwardHeaders = []string{"Content-Type", "Authorization"}

// proxyHTTP forwards the request to the backend with the same method, path
// and query, and streams the response back.
func (g *Gateway) proxyHTTP(route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		in := c.Request
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, in.Body, g.opts.MaxBody))
		if err != nil {
			metrics.IncProxy(route, http.StatusBadRequest)
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.String(http.StatusBadRequest, "Request body exceeds %d bytes", tooLarge.Limit)
				return
			}
			c.String(http.StatusBadRequest, "Failed to read request body: %v", err)
			return
		}

		out, err := http.NewRequestWithContext(in.Context(), in.Method, g.backend+in.URL.RequestURI(), bytes.NewReader(body))
		if err != nil {
			metrics.IncProxy(route, http.StatusBadRequest)
			c.String(http.StatusBadRequest, "Invalid request: %v", err)
			return
		}
		for _, h := range forwardHeaders {
			if v := in.Header.Get(h); v != "" {
				out.Header.Set(h, v)
			}
		}

		resp, err := g.client.Do(out)
		if err != nil {
			metrics.IncUpstreamError(route)
			metrics.IncProxy(route, http.StatusBadGateway)
			slog.Warn("backend request failed", "method", in.Method, "path", in.URL.Path, "error", err)
			c.String(http.StatusBadGateway, "Backend unavailable: %v", err)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		ct := resp.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/octet-stream"
		}
		c.Header("Content-Type", ct)
		c.Header("Access-Control-Allow-Origin", "*")
		c.Status(resp.StatusCode)
		metrics.IncProxy(route, resp.StatusCode)
		if err := copyFlush(c.Writer, resp.Body); err != nil {
			slog.Debug("response stream ended", "path", in.URL.Path, "error", err)
		}
	}
}

// copyFlush streams src to w, flushing after each chunk so event streams
// reach the client as they are produced.
func copyFlush(w gin.ResponseWriter, src io.Reader) error {
	buf := make([]byte, 32<<10)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
