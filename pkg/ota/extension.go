package ota

import (
	"github.com/sirupsen/logrus"

	"github.com/fieldcam/agent/pkg/dispatch"
)

// SessionPauser lets the extension release the cloud broker's session memory
// before a download and restore it after a cancellation.
type SessionPauser interface {
	Pause()
	Resume() error
}

// Advertiser controls short-range advertising for the same reason.
type Advertiser interface {
	StopAdvertising()
	StartAdvertising() error
}

// VersionSetter persists the firmware version once an update is committed.
type VersionSetter interface {
	SetVersion(version string) error
}

// Extension registers the update command family with the dispatcher. The
// dispatcher itself carries no OTA knowledge.
type Extension struct {
	downloader *Downloader
	broker     SessionPauser
	ble        Advertiser
	versions   VersionSetter
	logger     *logrus.Logger

	assembly       URLAssembly
	pendingVersion string
}

// NewExtension wires the update commands to their collaborators. broker and
// ble may be nil when the corresponding transport is disabled.
func NewExtension(downloader *Downloader, broker SessionPauser, ble Advertiser, versions VersionSetter, logger *logrus.Logger) *Extension {
	e := &Extension{
		downloader: downloader,
		broker:     broker,
		ble:        ble,
		versions:   versions,
		logger:     logger,
	}
	downloader.SetSuccessCallback(e.commitVersion)
	return e
}

// Register installs the ota_update, url_chunk and ota_cancel handlers.
func (e *Extension) Register(d *dispatch.Dispatcher) {
	d.Register("ota_update", e.handleUpdate)
	d.Register("url_chunk", e.handleURLChunk)
	d.Register("ota_cancel", e.handleCancel)
}

func (e *Extension) handleUpdate(ctx *dispatch.Context) bool {
	url := ctx.String("url")
	if url == "" {
		dispatch.SendError(ctx.Sender, "missing firmware url")
		return false
	}
	return e.startUpdate(ctx, url, ctx.String("version"))
}

func (e *Extension) handleURLChunk(ctx *dispatch.Context) bool {
	index, ok := intField(ctx, "chunk_index")
	if !ok {
		dispatch.SendError(ctx.Sender, "missing chunk_index")
		return false
	}
	total, ok := intField(ctx, "total_chunks")
	if !ok {
		dispatch.SendError(ctx.Sender, "missing total_chunks")
		return false
	}
	data := ctx.String("chunk_data")

	url, complete, err := e.assembly.Add(index, total, data, ctx.String("version"))
	if err != nil {
		dispatch.SendError(ctx.Sender, err.Error())
		return false
	}

	if !complete {
		received, totalChunks := e.assembly.Received()
		err := dispatch.SendJSON(ctx.Sender, map[string]interface{}{
			"type":     "chunk_ack",
			"received": received,
			"total":    totalChunks,
		})
		return err == nil
	}

	version := ctx.String("version")
	return e.startUpdate(ctx, url, version)
}

func (e *Extension) handleCancel(ctx *dispatch.Context) bool {
	if !e.downloader.Cancel() {
		dispatch.SendError(ctx.Sender, "no update in progress")
		return false
	}

	// The device is not rebooting after a cancellation, so both transports
	// come back up.
	if e.broker != nil {
		if err := e.broker.Resume(); err != nil {
			e.logger.WithError(err).Warn("failed to resume broker session after cancel")
		}
	}
	if e.ble != nil {
		if err := e.ble.StartAdvertising(); err != nil {
			e.logger.WithError(err).Warn("failed to restart advertising after cancel")
		}
	}

	err := dispatch.SendJSON(ctx.Sender, map[string]interface{}{
		"type": "ota_cancelled",
	})
	return err == nil
}

// startUpdate claims the download slot, sends the single acknowledgment,
// degrades both transports to free memory, and starts the transfer. Claiming
// before acknowledging matters twice over: a rejected URL or a busy
// downloader answers with an error while both transports are still up, and
// two updates arriving in the same tick cannot both be acknowledged.
func (e *Extension) startUpdate(ctx *dispatch.Context, url, version string) bool {
	if err := e.downloader.Begin(url); err != nil {
		dispatch.SendError(ctx.Sender, err.Error())
		return false
	}

	e.pendingVersion = version
	_ = dispatch.SendJSON(ctx.Sender, map[string]interface{}{
		"type":    "ota_started",
		"version": version,
	})

	e.logger.WithFields(logrus.Fields{
		"version":   version,
		"transport": ctx.Sender.Name(),
	}).Info("starting OTA update")

	if e.broker != nil {
		e.broker.Pause()
	}
	if e.ble != nil {
		e.ble.StopAdvertising()
	}

	go e.downloader.Transfer(url)
	return true
}

func (e *Extension) commitVersion() {
	if e.versions == nil || e.pendingVersion == "" {
		return
	}
	if err := e.versions.SetVersion(e.pendingVersion); err != nil {
		e.logger.WithError(err).Warn("failed to persist firmware version")
	}
}

func intField(ctx *dispatch.Context, field string) (int, bool) {
	switch v := ctx.Request[field].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
