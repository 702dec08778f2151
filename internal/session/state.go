// Package session owns the backend channel and the display state derived
// from it.
package session

import "time"

// Status is the per-camera connection indicator.
type Status string

const (
	StatusPending      Status = "pending"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// ParseStatus maps a backend connection_status string to a Status.
// Anything unrecognised, including the empty string, is pending.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusConnected:
		return StatusConnected
	case StatusDisconnected:
		return StatusDisconnected
	default:
		return StatusPending
	}
}

// Sentinels shown while no vehicle is being analysed.
const (
	NoVehicleID      = "---"
	NoClassification = "--"
	NoDetectionTime  = "--:--:--"
)

// LogEntry is one line of the activity log.
type LogEntry struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// DisplayState is everything the dashboard renders. Frames are shared
// between snapshots and never mutated in place.
type DisplayState struct {
	OverheadFrame  []byte `json:"-"`
	FrontalFrame   []byte `json:"-"`
	OverheadStatus Status `json:"overhead_status"`
	FrontalStatus  Status `json:"frontal_status"`

	AxleCount      int     `json:"axle_count"`
	DetectedAxles  int     `json:"detected_axles"`
	VehicleID      string  `json:"vehicle_id"`
	Classification string  `json:"classification"`
	DetectionTime  string  `json:"detection_time"`
	TireConfig     *string `json:"tire_config"`

	SystemStatus     *string `json:"system_status"`
	DetectionLineY   int     `json:"detection_line_y"`
	OverheadFrames   uint64  `json:"overhead_frames"`
	FrontalFrames    uint64  `json:"frontal_frames"`
	BackendConnected bool    `json:"backend_connected"`
	SessionID        string  `json:"session_id"`

	Activity []LogEntry `json:"activity"`
}

// NewDisplayState returns the state a session starts with.
func NewDisplayState(lineY int) DisplayState {
	return DisplayState{
		OverheadStatus: StatusPending,
		FrontalStatus:  StatusPending,
		VehicleID:      NoVehicleID,
		Classification: NoClassification,
		DetectionTime:  NoDetectionTime,
		DetectionLineY: lineY,
	}
}

// clearAnalysis resets the analysis panel fields.
func (s *DisplayState) clearAnalysis() {
	s.AxleCount = 0
	s.VehicleID = NoVehicleID
	s.Classification = NoClassification
	s.DetectionTime = NoDetectionTime
}

// resetClassification is the local half of both operator reset commands.
func (s *DisplayState) resetClassification() {
	s.clearAnalysis()
	s.DetectedAxles = 0
	s.TireConfig = nil
}

func (s *DisplayState) markDisconnected() {
	s.OverheadStatus = StatusDisconnected
	s.FrontalStatus = StatusDisconnected
	s.BackendConnected = false
}

// Clone returns a copy that shares frames but not the activity log.
func (s DisplayState) Clone() DisplayState {
	out := s
	if s.TireConfig != nil {
		v := *s.TireConfig
		out.TireConfig = &v
	}
	if s.SystemStatus != nil {
		v := *s.SystemStatus
		out.SystemStatus = &v
	}
	out.Activity = append([]LogEntry(nil), s.Activity...)
	return out
}

// panel is the part of DisplayState that subscribers are notified about.
// Frame bytes and counters change on every frame and are left out.
type panel struct {
	overheadStatus, frontalStatus Status
	axleCount, detectedAxles      int
	vehicleID, classification     string
	detectionTime                 string
	tireConfig, systemStatus      string
	hasTire, hasSystem            bool
	lineY                         int
	connected                     bool
	activity                      int
}

func (s *DisplayState) panel(activitySeq int) panel {
	p := panel{
		overheadStatus: s.OverheadStatus,
		frontalStatus:  s.FrontalStatus,
		axleCount:      s.AxleCount,
		detectedAxles:  s.DetectedAxles,
		vehicleID:      s.VehicleID,
		classification: s.Classification,
		detectionTime:  s.DetectionTime,
		lineY:          s.DetectionLineY,
		connected:      s.BackendConnected,
		activity:       activitySeq,
	}
	if s.TireConfig != nil {
		p.tireConfig, p.hasTire = *s.TireConfig, true
	}
	if s.SystemStatus != nil {
		p.systemStatus, p.hasSystem = *s.SystemStatus, true
	}
	return p
}
