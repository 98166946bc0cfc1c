package state

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnknownSetting       = errors.New("unknown setting")
	ErrUnknownCameraSetting = errors.New("unknown camera setting")
)

// CameraSettings holds the capture tuning parameters exposed through the
// settings namespace under the "camera." prefix.
type CameraSettings struct {
	Brightness int    `json:"brightness"`
	Contrast   int    `json:"contrast"`
	Saturation int    `json:"saturation"`
	Resolution string `json:"resolution"`
	NightMode  bool   `json:"night_mode"`
}

// TrainingSettings holds the on-device inference tuning parameters.
type TrainingSettings struct {
	Enabled             bool    `json:"enabled"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	UploadDetections    bool    `json:"upload_detections"`
}

// SystemState aggregates device status for command handlers. It is owned by
// the main loop; handlers borrow it for the duration of a single call, so no
// locking is needed.
type SystemState struct {
	FirmwareVersion string
	BootTime        time.Time

	BrokerConnected bool
	BLEConnected    bool

	CommandsHandled uint32
	PhotosTaken     uint32
	MotionEvents    uint32

	MotionInterval time.Duration

	Camera   CameraSettings
	Training TrainingSettings
}

// NewSystemState returns device state with factory defaults.
func NewSystemState(firmwareVersion string) *SystemState {
	return &SystemState{
		FirmwareVersion: firmwareVersion,
		BootTime:        time.Now(),
		MotionInterval:  30 * time.Second,
		Camera: CameraSettings{
			Brightness: 0,
			Contrast:   0,
			Saturation: 0,
			Resolution: "1600x1200",
			NightMode:  false,
		},
		Training: TrainingSettings{
			Enabled:             true,
			ConfidenceThreshold: 0.6,
			UploadDetections:    true,
		},
	}
}

// Snapshot serializes the state into a flat status object.
func (s *SystemState) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"firmware_version": s.FirmwareVersion,
		"uptime_s":         int64(time.Since(s.BootTime).Seconds()),
		"broker_connected": s.BrokerConnected,
		"ble_connected":    s.BLEConnected,
		"commands_handled": s.CommandsHandled,
		"photos_taken":     s.PhotosTaken,
		"motion_events":    s.MotionEvents,
		"settings":         s.Settings(),
	}
}

// Settings returns the flat settings namespace as sent to clients.
func (s *SystemState) Settings() map[string]interface{} {
	return map[string]interface{}{
		"motion_interval_s":             int64(s.MotionInterval.Seconds()),
		"camera.brightness":             s.Camera.Brightness,
		"camera.contrast":               s.Camera.Contrast,
		"camera.saturation":             s.Camera.Saturation,
		"camera.resolution":             s.Camera.Resolution,
		"camera.night_mode":             s.Camera.NightMode,
		"training.enabled":              s.Training.Enabled,
		"training.confidence_threshold": s.Training.ConfidenceThreshold,
		"training.upload_detections":    s.Training.UploadDetections,
	}
}

// SetSetting applies a single named setting. Camera sub-settings report a
// distinct error from top-level unknowns so clients can tell a typo in the
// prefix from a typo in the leaf.
func (s *SystemState) SetSetting(name string, value interface{}) error {
	if rest, ok := strings.CutPrefix(name, "camera."); ok {
		return s.setCameraSetting(rest, value)
	}
	if rest, ok := strings.CutPrefix(name, "training."); ok {
		return s.setTrainingSetting(rest, value)
	}

	switch name {
	case "motion_interval_s":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("motion_interval_s: %w", err)
		}
		if n <= 0 {
			return fmt.Errorf("motion_interval_s must be positive")
		}
		s.MotionInterval = time.Duration(n) * time.Second
	default:
		return fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}
	return nil
}

func (s *SystemState) setCameraSetting(name string, value interface{}) error {
	switch name {
	case "brightness":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("camera.brightness: %w", err)
		}
		s.Camera.Brightness = n
	case "contrast":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("camera.contrast: %w", err)
		}
		s.Camera.Contrast = n
	case "saturation":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("camera.saturation: %w", err)
		}
		s.Camera.Saturation = n
	case "resolution":
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("camera.resolution must be a string")
		}
		s.Camera.Resolution = v
	case "night_mode":
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("camera.night_mode must be a boolean")
		}
		s.Camera.NightMode = v
	default:
		return fmt.Errorf("%w: camera.%s", ErrUnknownCameraSetting, name)
	}
	return nil
}

func (s *SystemState) setTrainingSetting(name string, value interface{}) error {
	switch name {
	case "enabled":
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("training.enabled must be a boolean")
		}
		s.Training.Enabled = v
	case "confidence_threshold":
		v, ok := value.(float64)
		if !ok {
			return fmt.Errorf("training.confidence_threshold must be a number")
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("training.confidence_threshold must be within [0,1]")
		}
		s.Training.ConfidenceThreshold = v
	case "upload_detections":
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("training.upload_detections must be a boolean")
		}
		s.Training.UploadDetections = v
	default:
		return fmt.Errorf("%w: training.%s", ErrUnknownSetting, name)
	}
	return nil
}

// asInt accepts the numeric shapes a decoded JSON value can arrive in.
func asInt(value interface{}) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("not an integer: %v", value)
	}
}
