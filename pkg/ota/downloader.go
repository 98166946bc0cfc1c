package ota

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldcam/agent/pkg/flagstore"
	"github.com/fieldcam/agent/pkg/hal"
)

// readChunkSize keeps individual storage writes small so progress stays
// current and a failing card surfaces quickly.
const readChunkSize = 512

// Progress is the externally visible download state. Status handlers and the
// short-range adapter read it while a transfer is in flight.
type Progress struct {
	Downloaded int64  `json:"downloaded"`
	Total      int64  `json:"total"`
	Percent    int    `json:"percent"`
	Status     string `json:"status"`
}

// ProgressCallback receives progress snapshots during a transfer.
type ProgressCallback func(Progress)

// LogGate suspends storage-backed logging while the download owns the card.
type LogGate interface {
	Suspend() error
	Resume() error
}

// Downloader streams a firmware image from a remote URL onto removable
// storage and records the update flag for the recovery program. It never
// flashes anything itself; its responsibility ends at "bytes are durably on
// storage and the flag says so".
type Downloader struct {
	mountPoint   string
	firmwarePath string
	flags        *flagstore.Store
	logGate      LogGate
	platform     hal.Platform
	logger       *logrus.Logger

	progressCb ProgressCallback
	onSuccess  func()

	mu        sync.Mutex
	active    bool
	cancelled bool
	body      io.Closer
	progress  Progress
}

// NewDownloader creates a downloader writing to firmwarePath on the storage
// mounted at mountPoint.
func NewDownloader(mountPoint, firmwarePath string, flags *flagstore.Store, logGate LogGate, platform hal.Platform, logger *logrus.Logger) *Downloader {
	return &Downloader{
		mountPoint:   mountPoint,
		firmwarePath: firmwarePath,
		flags:        flags,
		logGate:      logGate,
		platform:     platform,
		logger:       logger,
		progress:     Progress{Status: "idle"},
	}
}

// SetProgressCallback installs the per-chunk progress notification used by
// the short-range adapter.
func (d *Downloader) SetProgressCallback(cb ProgressCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progressCb = cb
}

// SetSuccessCallback installs a hook that runs after the update flag is
// persisted and immediately before the reboot.
func (d *Downloader) SetSuccessCallback(cb func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSuccess = cb
}

// Active reports whether a download is in flight.
func (d *Downloader) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Progress returns the latest progress snapshot.
func (d *Downloader) Progress() Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress
}

// Cancel interrupts an in-flight download between chunk reads. It closes the
// connection and resets in-memory state; the partial file on storage is left
// for the next attempt to overwrite.
func (d *Downloader) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		return false
	}
	d.cancelled = true
	if d.body != nil {
		d.body.Close()
	}
	return true
}

// ErrBusy is returned by Begin while a download is already in flight.
var ErrBusy = errors.New("update already in progress")

// Begin validates rawURL and claims the single download slot. It performs no
// I/O, so rejections here are locally recoverable; only after Begin succeeds
// may the caller degrade transports and hand the slot to Transfer, which then
// ends in a reboot on every outcome except a cancellation.
func (d *Downloader) Begin(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("unsupported firmware URL: %s", rawURL)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		return ErrBusy
	}
	d.active = true
	d.cancelled = false
	d.body = nil
	d.progress = Progress{Status: "starting"}

	d.logger.WithFields(logrus.Fields{
		"host": parsed.Host,
		"path": parsed.Path,
	}).Info("starting firmware download")
	return nil
}

// DownloadToStorage fetches the firmware image at rawURL onto removable
// storage. It returns false only if Begin rejects the attempt; otherwise the
// device reboots on completion or failure and only a cancellation returns
// control to the caller.
func (d *Downloader) DownloadToStorage(rawURL string) bool {
	if err := d.Begin(rawURL); err != nil {
		d.logger.WithError(err).Error("firmware download rejected")
		return false
	}
	d.Transfer(rawURL)
	return true
}

// Transfer performs the download whose slot was claimed by Begin.
func (d *Downloader) Transfer(rawURL string) {
	// Storage is about to be remounted; queued log writes must not race the
	// HTTP stream for the card.
	if d.logGate != nil {
		if err := d.logGate.Suspend(); err != nil {
			d.logger.WithError(err).Warn("failed to suspend storage logging")
		}
	}

	if err := d.platform.RemountStorage(d.mountPoint); err != nil {
		d.abort(fmt.Errorf("storage remount failed: %w", err), false)
		return
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   30 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	resp, err := client.Get(rawURL)
	if err != nil {
		d.abort(fmt.Errorf("connection failed: %w", err), false)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.abort(fmt.Errorf("unexpected status code: %d", resp.StatusCode), false)
		return
	}

	total := resp.ContentLength
	if total <= 0 {
		d.abort(fmt.Errorf("unknown content length"), false)
		return
	}

	d.mu.Lock()
	d.body = resp.Body
	d.progress = Progress{Total: total, Status: "downloading"}
	d.mu.Unlock()

	file, err := os.OpenFile(d.firmwarePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		d.abort(fmt.Errorf("failed to create firmware file: %w", err), false)
		return
	}

	written, err := d.stream(resp.Body, file, total)
	closeErr := file.Close()

	if d.wasCancelled() {
		d.logger.Info("firmware download cancelled")
		d.finish(Progress{Downloaded: written, Total: total, Status: "cancelled"})
		if d.logGate != nil {
			_ = d.logGate.Resume()
		}
		return
	}

	if err == nil && closeErr != nil {
		err = fmt.Errorf("failed to finalize firmware file: %w", closeErr)
	}
	if err == nil && written != total {
		err = fmt.Errorf("size mismatch: wrote %d of %d bytes", written, total)
	}
	if err != nil {
		d.abort(err, true)
		return
	}

	// The flag write is the commit point: from here the recovery program owns
	// the rest of the update.
	if err := d.flags.Set(uint32(total)); err != nil {
		d.abort(fmt.Errorf("failed to persist update flag: %w", err), true)
		return
	}

	d.logger.WithField("size", total).Info("firmware staged, rebooting into recovery")
	d.finish(Progress{Downloaded: written, Total: total, Percent: 100, Status: "rebooting"})

	d.mu.Lock()
	onSuccess := d.onSuccess
	d.mu.Unlock()
	if onSuccess != nil {
		onSuccess()
	}

	d.platform.Reboot()
}

// stream copies the body to the firmware file in bounded chunks, updating
// progress after every chunk.
func (d *Downloader) stream(body io.Reader, file *os.File, total int64) (int64, error) {
	buf := make([]byte, readChunkSize)
	var written int64

	for {
		if d.wasCancelled() {
			return written, nil
		}

		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("storage write failed: %w", werr)
			}
			written += int64(n)
			d.updateProgress(written, total)
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			if d.wasCancelled() {
				return written, nil
			}
			return written, fmt.Errorf("stream read failed: %w", err)
		}
	}
}

func (d *Downloader) updateProgress(written, total int64) {
	percent := int(written * 100 / total)
	if percent > 100 {
		percent = 100
	}

	d.mu.Lock()
	changed := percent != d.progress.Percent
	d.progress = Progress{
		Downloaded: written,
		Total:      total,
		Percent:    percent,
		Status:     "downloading",
	}
	snapshot := d.progress
	cb := d.progressCb
	d.mu.Unlock()

	if changed && cb != nil {
		cb(snapshot)
	}
}

func (d *Downloader) wasCancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}

// abort handles every failure path after the download started: clean up the
// partial file if one exists, re-enable logging, reboot into the current
// application. The update flag is never set on this path.
func (d *Downloader) abort(cause error, removeFile bool) {
	d.logger.WithError(cause).Error("firmware download failed")

	if removeFile {
		if err := os.Remove(d.firmwarePath); err != nil && !os.IsNotExist(err) {
			d.logger.WithError(err).Warn("failed to remove partial firmware file")
		}
	}
	if d.logGate != nil {
		if err := d.logGate.Resume(); err != nil {
			d.logger.WithError(err).Warn("failed to resume storage logging")
		}
	}

	d.finish(Progress{Status: "failed"})
	d.platform.Reboot()
}

func (d *Downloader) finish(p Progress) {
	d.mu.Lock()
	d.active = false
	d.body = nil
	d.progress = p
	d.mu.Unlock()
}
