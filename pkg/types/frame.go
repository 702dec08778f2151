package types

import "time"

// Camera identifies one of the two toll-lane cameras.
type Camera int

const (
	CameraOverhead Camera = iota // Line crossing / axle counting view
	CameraFrontal                // Tire configuration view
)

// Cameras lists every camera in display order.
var Cameras = []Camera{CameraOverhead, CameraFrontal}

var cameraNames = map[Camera]string{
	CameraOverhead: "overhead",
	CameraFrontal:  "frontal",
}

// String returns the lowercase camera name used in URLs and event names.
func (c Camera) String() string {
	if name, ok := cameraNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseCamera maps a camera name back to its Camera value.
func ParseCamera(s string) (Camera, bool) {
	for cam, name := range cameraNames {
		if name == s {
			return cam, true
		}
	}
	return 0, false
}

// StreamEvent returns the backend event name carrying frames for the camera.
func (c Camera) StreamEvent() string {
	return c.String() + "_stream"
}

// JPEGFrame is a decoded frame as pushed by the backend.
type JPEGFrame struct {
	Camera    Camera    // Source camera
	Data      []byte    // JPEG bytes (already base64-decoded)
	Timestamp time.Time // Receive time
	FrameNum  uint64    // Sequential frame number per camera
}
