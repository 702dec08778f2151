package webmonitor

import (
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/gardu-avc/avc-monitor/pkg/types"
)

// frameETag is a strong validator for one JPEG frame.
func frameETag(data []byte) string {
	sum := blake3.Sum256(data)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// handleSnapshot serves the latest frame of one camera as a still JPEG.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/snapshot/"), ".jpg")
	camera, ok := types.ParseCamera(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	data := s.frames.Broadcaster(camera).Latest()
	if data == nil {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(s.placeholders[camera])
		return
	}

	etag := frameETag(data)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(data)
}
