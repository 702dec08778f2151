package webmonitor

import (
	"embed"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
)

//go:embed static
var staticFiles embed.FS

// assetHandler serves files from an override directory when present and
// falls back to the embedded copies.
type assetHandler struct {
	overrideDir string
	embedded    http.Handler
}

func newAssetHandler(overrideDir string) *assetHandler {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return &assetHandler{
		overrideDir: overrideDir,
		embedded:    http.FileServer(http.FS(sub)),
	}
}

func (h *assetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(r.URL.Path)
	if filename == "." || filename == "/" {
		http.NotFound(w, r)
		return
	}
	if h.overrideDir != "" {
		overridePath := filepath.Join(h.overrideDir, filename)
		if fileExists(overridePath) {
			http.ServeFile(w, r, overridePath)
			return
		}
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + filename
	h.embedded.ServeHTTP(w, r2)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
