package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ErrMalformedPayload wraps every decode or validation failure of an
// inbound event.
var ErrMalformedPayload = errors.New("malformed payload")

// Backend event names.
const (
	EventOverheadStream     = "overhead_stream"
	EventFrontalStream      = "frontal_stream"
	EventUpdateAnalysis     = "update_analysis_panel"
	EventClearAnalysis      = "clear_analysis_panel"
	CommandReset            = "reset_classification"
	CommandHardReset        = "hard_reset_system"
	CommandSetDetectionLine = "set_detection_line"
)

// streamPayload is shared by overhead_stream and frontal_stream. Analysis
// fields that older backends also sent on the stream events are ignored.
// A payload without image_data still carries status and detection fields.
type streamPayload struct {
	ImageData        string              `json:"image_data"`
	ConnectionStatus string              `json:"connection_status"`
	DetectedAxles    *int                `json:"detected_axles" validate:"omitempty,min=0"`
	RawTireConfig    jsoniter.RawMessage `json:"tire_config"`
	SystemStatus     *string             `json:"system_status"`

	// set when the key is present, even as null
	hasTireConfig bool
	tireConfig    *string
	frame         []byte
}

type analysisPayload struct {
	VehicleID      *string `json:"vehicle_id" validate:"required"`
	Classification *string `json:"classification" validate:"required"`
	AxleCount      *int    `json:"axle_count" validate:"required,min=0"`
	DetectionTime  *string `json:"detection_time" validate:"required"`
}

type detectionLinePayload struct {
	LineY int `json:"line_y"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func decodeStream(data []byte) (*streamPayload, error) {
	if len(data) == 0 {
		return nil, malformed("missing payload")
	}

	var p streamPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, malformed("decode: %v", err)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, malformed("%s", describe(err))
	}

	if len(p.RawTireConfig) > 0 {
		p.hasTireConfig = true
		if string(p.RawTireConfig) != "null" {
			var tire string
			if err := json.Unmarshal(p.RawTireConfig, &tire); err != nil {
				return nil, malformed("tire_config: %v", err)
			}
			p.tireConfig = &tire
		}
	}

	if p.ImageData != "" {
		frame, err := decodeImage(p.ImageData)
		if err != nil {
			return nil, malformed("image_data: %v", err)
		}
		p.frame = frame
	}
	return &p, nil
}

func decodeAnalysis(data []byte) (*analysisPayload, error) {
	if len(data) == 0 {
		return nil, malformed("missing payload")
	}

	var p analysisPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, malformed("decode: %v", err)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, malformed("%s", describe(err))
	}
	return &p, nil
}

// decodeImage accepts raw base64 or a data URL.
func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if idx := strings.IndexByte(s, ','); idx >= 0 {
			s = s[idx+1:]
		}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty image")
	}
	return b, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
