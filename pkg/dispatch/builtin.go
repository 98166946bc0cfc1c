package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/fieldcam/agent/pkg/state"
)

// Builtins carries the injected callbacks the built-in handlers delegate to.
// The capture pipeline and platform reboot stay outside this package.
type Builtins struct {
	// Capture takes one photo and returns the stored filename. It may block
	// for the duration of the exposure.
	Capture func() (string, error)
	// Reboot restarts the device. It is called after the acknowledgment has
	// had time to flush.
	Reboot func()
}

// RegisterBuiltins installs the always-available command handlers.
func (d *Dispatcher) RegisterBuiltins(b Builtins) {
	d.Register("ping", handlePing)
	d.Register("get_status", handleGetStatus)
	d.Register("get_settings", handleGetSettings)
	d.Register("set_setting", handleSetSetting)
	d.Register("take_photo", makeTakePhotoHandler(b.Capture))
	d.Register("reboot", makeRebootHandler(b.Reboot))
}

func handlePing(ctx *Context) bool {
	err := SendJSON(ctx.Sender, map[string]interface{}{
		"type":      "pong",
		"timestamp": time.Now().UnixMilli(),
	})
	return err == nil
}

func handleGetStatus(ctx *Context) bool {
	response := ctx.State.Snapshot()
	response["type"] = "status"
	return SendJSON(ctx.Sender, response) == nil
}

func handleGetSettings(ctx *Context) bool {
	err := SendJSON(ctx.Sender, map[string]interface{}{
		"type":     "settings",
		"settings": ctx.State.Settings(),
	})
	return err == nil
}

func handleSetSetting(ctx *Context) bool {
	name := ctx.String("setting")
	if name == "" {
		SendError(ctx.Sender, "missing setting name")
		return false
	}

	value, ok := ctx.Request["value"]
	if !ok {
		SendError(ctx.Sender, "missing setting value")
		return false
	}

	if err := ctx.State.SetSetting(name, value); err != nil {
		switch {
		case errors.Is(err, state.ErrUnknownCameraSetting):
			SendError(ctx.Sender, fmt.Sprintf("unknown camera setting: %s", name))
		case errors.Is(err, state.ErrUnknownSetting):
			SendError(ctx.Sender, fmt.Sprintf("unknown setting: %s", name))
		default:
			SendError(ctx.Sender, err.Error())
		}
		return false
	}

	err := SendJSON(ctx.Sender, map[string]interface{}{
		"type":    "setting_updated",
		"setting": name,
	})
	return err == nil
}

func makeTakePhotoHandler(capture func() (string, error)) HandlerFunc {
	return func(ctx *Context) bool {
		if capture == nil {
			SendError(ctx.Sender, "capture pipeline unavailable")
			return false
		}

		// Acknowledge before the blocking exposure so the client knows the
		// command was accepted.
		_ = SendJSON(ctx.Sender, map[string]interface{}{
			"type": "photo_started",
		})

		filename, err := capture()
		if err != nil {
			SendError(ctx.Sender, fmt.Sprintf("capture failed: %v", err))
			return false
		}

		ctx.State.PhotosTaken++
		err = SendJSON(ctx.Sender, map[string]interface{}{
			"type":     "photo_complete",
			"filename": filename,
		})
		return err == nil
	}
}

func makeRebootHandler(reboot func()) HandlerFunc {
	return func(ctx *Context) bool {
		_ = SendJSON(ctx.Sender, map[string]interface{}{
			"type": "reboot_ack",
		})

		// Let the acknowledgment drain before the link goes away.
		time.Sleep(500 * time.Millisecond)

		if reboot != nil {
			reboot()
		}
		return true
	}
}
