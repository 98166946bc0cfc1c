package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fieldcam/agent/pkg/ble"
	"github.com/fieldcam/agent/pkg/broker"
	"github.com/fieldcam/agent/pkg/config"
	"github.com/fieldcam/agent/pkg/dispatch"
	"github.com/fieldcam/agent/pkg/flagstore"
	"github.com/fieldcam/agent/pkg/hal"
	"github.com/fieldcam/agent/pkg/logging"
	"github.com/fieldcam/agent/pkg/media"
	"github.com/fieldcam/agent/pkg/ota"
	"github.com/fieldcam/agent/pkg/state"
)

// tickInterval is the cooperative main loop period.
const tickInterval = 100 * time.Millisecond

func main() {
	cfg := config.NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, hook, err := logging.New(cfg.LogPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer hook.Close()

	platform := hal.NewLinuxPlatform(logger)

	flags, err := flagstore.Open(cfg.Storage.FlagDB)
	if err != nil {
		logger.WithError(err).Fatal("failed to open flag store")
	}
	defer flags.Close()

	versions := state.NewFileVersionProvider(cfg.Device.VersionFile)
	st := state.NewSystemState(versions.GetVersion())

	logger.WithFields(logrus.Fields{
		"device":  cfg.Device.DeviceName,
		"version": st.FirmwareVersion,
	}).Info("fieldcam agent starting")

	dispatcher := dispatch.NewDispatcher(st, logger)
	dispatcher.RegisterBuiltins(dispatch.Builtins{
		Capture: makeCapture(cfg.MediaPath()),
		Reboot:  platform.Reboot,
	})

	mediaStore := media.NewDirStore(cfg.MediaPath())
	media.RegisterHandlers(dispatcher, mediaStore, hook.Recent)

	brokerAdapter := broker.NewAdapter(cfg, dispatcher, st, logger)
	if err := brokerAdapter.Connect(); err != nil {
		// Handle retries on the main loop at a fixed interval.
		logger.WithError(err).Warn("initial broker connection failed")
	}

	var bleAdapter *ble.Adapter
	if cfg.BLE.Enabled {
		bleAdapter = ble.NewAdapter(cfg.BLE.LocalName, dispatcher, st, logger)
		if err := bleAdapter.Start(); err != nil {
			logger.WithError(err).Error("short-range adapter unavailable")
			bleAdapter = nil
		}
	}

	downloader := ota.NewDownloader(cfg.Storage.MountPoint, cfg.FirmwarePath(), flags, hook, platform, logger)
	if bleAdapter != nil {
		downloader.SetProgressCallback(makeProgressNotifier(bleAdapter.NotifyStatus))
	}

	var advertiser ota.Advertiser
	if bleAdapter != nil {
		advertiser = bleAdapter
	}
	extension := ota.NewExtension(downloader, brokerAdapter, advertiser, versions, logger)
	extension.Register(dispatcher)

	run(cfg, st, brokerAdapter, bleAdapter, logger)
}

// run is the cooperative main loop: one tick services the short-range
// adapter's deferred queue, the broker adapter, and periodic status
// reporting.
func run(cfg *config.Config, st *state.SystemState, brokerAdapter *broker.Adapter, bleAdapter *ble.Adapter, logger *logrus.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	statusTicker := time.NewTicker(cfg.MQTT.StatusPeriod)
	defer statusTicker.Stop()

	for {
		select {
		case <-ticker.C:
			if bleAdapter != nil {
				bleAdapter.Handle()
			}
			brokerAdapter.Handle()
		case <-statusTicker.C:
			if err := brokerAdapter.PublishStatus(st.Snapshot()); err != nil {
				logger.WithError(err).Debug("status publish skipped")
			}
		case sig := <-stop:
			logger.WithField("signal", sig.String()).Info("shutting down")
			brokerAdapter.Pause()
			if bleAdapter != nil {
				bleAdapter.StopAdvertising()
			}
			return
		}
	}
}

// makeProgressNotifier reports download progress at 10% granularity. It
// tracks the last reported decile rather than testing divisibility, so a
// chunk that jumps past a multiple of ten still produces a report.
func makeProgressNotifier(notify func([]byte)) ota.ProgressCallback {
	lastDecile := -1
	return func(p ota.Progress) {
		decile := p.Percent / 10
		if decile == lastDecile {
			return
		}
		lastDecile = decile
		if payload, err := json.Marshal(p); err == nil {
			notify(payload)
		}
	}
}

// makeCapture bridges to the external capture pipeline. The pipeline owns
// exposure and encoding; the agent only names the output file.
func makeCapture(mediaDir string) func() (string, error) {
	return func() (string, error) {
		filename := fmt.Sprintf("%s_%s.jpg", time.Now().Format("20060102T150405"), uuid.NewString()[:8])
		out := filepath.Join(mediaDir, filename)

		cmd := exec.Command("fieldcam-capture", "--output", out)
		if output, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("capture pipeline failed: %v (%s)", err, output)
		}
		return filename, nil
	}
}
