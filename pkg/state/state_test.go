package state

import (
	"errors"
	"testing"
	"time"
)

func TestSnapshotShape(t *testing.T) {
	s := NewSystemState("1.4.2")
	s.BrokerConnected = true
	s.CommandsHandled = 5

	snap := s.Snapshot()
	if snap["firmware_version"] != "1.4.2" {
		t.Errorf("firmware_version: %v", snap["firmware_version"])
	}
	if snap["broker_connected"] != true {
		t.Errorf("broker_connected: %v", snap["broker_connected"])
	}
	if snap["commands_handled"] != uint32(5) {
		t.Errorf("commands_handled: %v", snap["commands_handled"])
	}
	if _, ok := snap["settings"].(map[string]interface{}); !ok {
		t.Error("snapshot must embed the settings namespace")
	}
}

func TestSetSetting(t *testing.T) {
	cases := []struct {
		name    string
		setting string
		value   interface{}
		check   func(s *SystemState) bool
	}{
		{"CameraBrightness", "camera.brightness", float64(7), func(s *SystemState) bool { return s.Camera.Brightness == 7 }},
		{"CameraBrightnessString", "camera.brightness", "3", func(s *SystemState) bool { return s.Camera.Brightness == 3 }},
		{"CameraResolution", "camera.resolution", "800x600", func(s *SystemState) bool { return s.Camera.Resolution == "800x600" }},
		{"CameraNightMode", "camera.night_mode", true, func(s *SystemState) bool { return s.Camera.NightMode }},
		{"TrainingThreshold", "training.confidence_threshold", 0.85, func(s *SystemState) bool { return s.Training.ConfidenceThreshold == 0.85 }},
		{"TrainingEnabled", "training.enabled", false, func(s *SystemState) bool { return !s.Training.Enabled }},
		{"MotionInterval", "motion_interval_s", float64(45), func(s *SystemState) bool { return s.MotionInterval == 45*time.Second }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSystemState("1.0.0")
			if err := s.SetSetting(tc.setting, tc.value); err != nil {
				t.Fatal(err)
			}
			if !tc.check(s) {
				t.Errorf("%s not applied", tc.setting)
			}
		})
	}
}

func TestSetSettingRejections(t *testing.T) {
	s := NewSystemState("1.0.0")

	t.Run("UnknownTopLevel", func(t *testing.T) {
		err := s.SetSetting("bogus", 1)
		if !errors.Is(err, ErrUnknownSetting) {
			t.Errorf("expected ErrUnknownSetting, got %v", err)
		}
	})

	t.Run("UnknownCameraLeaf", func(t *testing.T) {
		err := s.SetSetting("camera.bogus", 1)
		if !errors.Is(err, ErrUnknownCameraSetting) {
			t.Errorf("expected ErrUnknownCameraSetting, got %v", err)
		}
	})

	t.Run("WrongType", func(t *testing.T) {
		if err := s.SetSetting("camera.night_mode", "yes"); err == nil {
			t.Error("non-boolean night_mode must be rejected")
		}
		if err := s.SetSetting("camera.brightness", "not a number"); err == nil {
			t.Error("non-numeric brightness must be rejected")
		}
	})

	t.Run("ThresholdOutOfRange", func(t *testing.T) {
		if err := s.SetSetting("training.confidence_threshold", 1.5); err == nil {
			t.Error("threshold above 1 must be rejected")
		}
	})

	t.Run("NonPositiveInterval", func(t *testing.T) {
		if err := s.SetSetting("motion_interval_s", float64(0)); err == nil {
			t.Error("zero interval must be rejected")
		}
	})
}

func TestSettingsNamespaceRoundTrip(t *testing.T) {
	s := NewSystemState("1.0.0")
	settings := s.Settings()

	// Every key reported by Settings must be settable, so a client can read
	// the namespace and write any entry back.
	for name, value := range settings {
		if err := s.SetSetting(name, value); err != nil {
			t.Errorf("reported setting %q is not settable: %v", name, err)
		}
	}
}
