package webmonitor

import "github.com/gardu-avc/avc-monitor/internal/session"

// CameraStats describes the frames received from one backend camera.
type CameraStats struct {
	Camera       string  `json:"camera"`
	Frames       uint64  `json:"frames"`
	FPS          float64 `json:"fps"`
	LastFrameAge float64 `json:"last_frame_age"` // seconds, -1 before the first frame
	Viewers      int     `json:"viewers"`
}

// StatusPayload is the document served by /api/status and pushed over SSE
// and WebRTC.
type StatusPayload struct {
	session.DisplayState
	LineMin   int           `json:"detection_line_min"`
	LineMax   int           `json:"detection_line_max"`
	Cameras   []CameraStats `json:"cameras"`
	Timestamp float64       `json:"timestamp"`
}

// SerializedEvent holds one status document pre-encoded for every stream
// format.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData []byte // base64 for SSE transport
}
