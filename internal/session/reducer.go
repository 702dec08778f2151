package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/gardu-avc/avc-monitor/pkg/types"
)

var errUnknownEvent = errors.New("unknown event")

// outcome reports side effects of applying one event beyond the state change.
type outcome struct {
	frame    *types.JPEGFrame
	activity string
	level    string
}

type reducer func(s *DisplayState, data []byte) (outcome, error)

var reducers = map[string]reducer{
	EventOverheadStream: reduceStream(types.CameraOverhead),
	EventFrontalStream:  reduceStream(types.CameraFrontal),
	EventUpdateAnalysis: reduceAnalysis,
	EventClearAnalysis:  reduceClear,
}

// reduce applies a backend event to s. On error s is left untouched.
func reduce(s *DisplayState, name string, data []byte) (outcome, error) {
	r, ok := reducers[name]
	if !ok {
		return outcome{}, errUnknownEvent
	}
	return r(s, data)
}

func reduceStream(camera types.Camera) reducer {
	return func(s *DisplayState, data []byte) (outcome, error) {
		p, err := decodeStream(data)
		if err != nil {
			return outcome{}, err
		}

		status := ParseStatus(p.ConnectionStatus)
		hasFrame := p.frame != nil
		var frameNum uint64
		switch camera {
		case types.CameraOverhead:
			s.OverheadStatus = status
			if hasFrame {
				s.OverheadFrame = p.frame
				s.OverheadFrames++
				frameNum = s.OverheadFrames
			}
			if p.DetectedAxles != nil {
				s.DetectedAxles = *p.DetectedAxles
			}
		case types.CameraFrontal:
			s.FrontalStatus = status
			if hasFrame {
				s.FrontalFrame = p.frame
				s.FrontalFrames++
				frameNum = s.FrontalFrames
			}
			if p.hasTireConfig {
				s.TireConfig = p.tireConfig
			}
		}
		if p.SystemStatus != nil {
			s.SystemStatus = p.SystemStatus
		}

		if !hasFrame {
			return outcome{}, nil
		}
		return outcome{frame: &types.JPEGFrame{
			Camera:    camera,
			Data:      p.frame,
			Timestamp: time.Now(),
			FrameNum:  frameNum,
		}}, nil
	}
}

func reduceAnalysis(s *DisplayState, data []byte) (outcome, error) {
	p, err := decodeAnalysis(data)
	if err != nil {
		return outcome{}, err
	}

	s.VehicleID = *p.VehicleID
	s.Classification = *p.Classification
	s.AxleCount = *p.AxleCount
	s.DetectionTime = *p.DetectionTime

	return outcome{activity: fmt.Sprintf("Vehicle %s: class %s, %d axles at %s",
		s.VehicleID, s.Classification, s.AxleCount, s.DetectionTime)}, nil
}

func reduceClear(s *DisplayState, _ []byte) (outcome, error) {
	s.clearAnalysis()
	return outcome{activity: "Analysis panel cleared"}, nil
}
