package gateway

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

func (g *Gateway) serveIndex(c *gin.Context) {
	b, err := os.ReadFile(filepath.Join(g.opts.StaticDir, "index.html"))
	if err != nil {
		c.String(http.StatusInternalServerError, "index.html unavailable")
		return
	}
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Data(http.StatusOK, "text/html; charset=utf-8", b)
}

// serveStatic serves a real file under the static root and falls back to
// the index document so client-side routes resolve.
func (g *Gateway) serveStatic(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.Status(http.StatusMethodNotAllowed)
		return
	}
	rel := path.Clean("/" + c.Request.URL.Path)
	if isProxyPath(rel) {
		// proxied prefixes never fall back to files on disk
		c.Status(http.StatusNotFound)
		return
	}
	full := filepath.Join(g.opts.StaticDir, filepath.FromSlash(rel))
	f, err := os.Open(full) // #nosec G304 -- rel is cleaned and rooted
	if err != nil {
		g.serveIndex(c)
		return
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		g.serveIndex(c)
		return
	}
	// ServeContent, unlike ServeFile, does not redirect */index.html
	http.ServeContent(c.Writer, c.Request, st.Name(), st.ModTime(), f)
}

func isProxyPath(p string) bool {
	for _, prefix := range []string{"/api", "/actuator"} {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}
