package webmonitor

import (
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/gardu-avc/avc-monitor/internal/frames"
	"github.com/gardu-avc/avc-monitor/internal/logger"
)

func placeholderJPEG(message string) ([]byte, error) {
	return frames.Placeholder(frames.Width, frames.Height, message)
}

// streamMJPEGFromChannel streams MJPEG from a channel (fanout pattern). When
// no frame arrives within idle the placeholder is repeated to keep the
// connection alive.
func streamMJPEGFromChannel(w http.ResponseWriter, r *http.Request, frameCh <-chan []byte, placeholder []byte, idle time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	var parts, sent uint64
	started := time.Now()
	defer func() {
		logger.Debug("MJPEG", "%s stream closed after %s: %d parts, %s",
			r.RemoteAddr, time.Since(started).Round(time.Second), parts, humanize.Bytes(sent))
	}()

	next := placeholder
	for {
		if err := writeMJPEGPart(w, next); err != nil {
			logger.Debug("MJPEG", "Client disconnected during write: %v", err)
			return
		}
		flusher.Flush()
		parts++
		sent += uint64(len(next))

		select {
		case <-r.Context().Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				return
			}
			next = data
		case <-time.After(idle):
			next = placeholder
		}
	}
}

func writeMJPEGPart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// streamStatusEventsFromChannel streams pre-serialized status events to an
// SSE client, starting with initial.
func streamStatusEventsFromChannel(w http.ResponseWriter, r *http.Request, initial *SerializedEvent, eventCh <-chan *SerializedEvent, useProtobuf bool, keepalive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if useProtobuf {
		w.Header().Set("X-Content-Format", contentProtobuf)
	} else {
		w.Header().Set("X-Content-Format", contentJSON)
	}

	send := func(event *SerializedEvent) error {
		data := event.JSONData
		if useProtobuf {
			data = event.ProtobufData
		}
		_, err := fmt.Fprintf(w, "data: %s\n\n", data)
		return err
	}

	if initial != nil {
		if err := send(initial); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if err := send(event); err != nil {
				logger.Debug("SSE", "Client disconnected during status event write: %v", err)
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
