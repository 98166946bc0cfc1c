package recovery

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/fieldcam/agent/pkg/flagstore"
)

// flashChunkSize keeps the recovery program's working set small; it runs
// before anything else and owns the whole heap, but has no reason to use it.
const flashChunkSize = 4096

// StorageMounter is the slice of platform behavior the recovery program
// needs. It deliberately carries no wireless stack.
type StorageMounter interface {
	RemountStorage(mountPoint string) error
}

// Program is the first-stage recovery logic run on every boot. It either
// hands off to the main application directly or flashes a staged firmware
// image into the inactive partition first.
type Program struct {
	flags        *flagstore.Store
	table        PartitionTable
	storage      StorageMounter
	mountPoint   string
	firmwarePath string
	logger       *logrus.Logger
}

func NewProgram(flags *flagstore.Store, table PartitionTable, storage StorageMounter, mountPoint, firmwarePath string, logger *logrus.Logger) *Program {
	return &Program{
		flags:        flags,
		table:        table,
		storage:      storage,
		mountPoint:   mountPoint,
		firmwarePath: firmwarePath,
		logger:       logger,
	}
}

// Run executes one recovery pass. It returns true when the device should
// reboot into the selected application, false when no application partition
// can be located at all and the only option is a distress halt.
func (p *Program) Run() bool {
	flag, err := p.flags.Read()
	if err != nil {
		// An unreadable flag store is treated as "no update pending"; the
		// known-good application is always the safer target.
		p.logger.WithError(err).Error("failed to read update flag")
		return p.directBoot()
	}

	if !flag.Pending {
		return p.directBoot()
	}

	// Boot-loop prevention: the flag is cleared before the flash is
	// attempted, never after. A crash anywhere past this point boots the
	// old application on the next cycle instead of repeating the flash.
	if err := p.flags.Clear(); err != nil {
		p.logger.WithError(err).Error("failed to clear update flag")
		return p.directBoot()
	}

	p.logger.WithField("expected_size", flag.ExpectedSize).Info("update pending, flashing from storage")

	if err := p.flashFromStorage(flag); err != nil {
		p.logger.WithError(err).Error("flash aborted, booting existing application")
		p.removeFirmwareFile()
		return p.directBoot()
	}

	p.removeFirmwareFile()
	p.logger.Info("flash complete")
	return true
}

// EnsureBootTarget makes the main application the boot target. The persisted
// selection is only written on mismatch, so repeated calls are idempotent.
func (p *Program) EnsureBootTarget() error {
	active, err := p.table.ActiveSlot()
	if err != nil {
		return err
	}
	if active != "" {
		return nil
	}
	return p.table.SetBootTarget(SlotA)
}

// HasApplication reports whether any application partition can be located.
// When this is false there is no safe boot target and the caller must halt
// with a distress signal rather than reboot-loop.
func (p *Program) HasApplication() bool {
	if _, _, err := p.table.InactiveSlot(); err != nil {
		// Even the inactive slot lookup failing means the table cannot see
		// the partitions; check the active one directly.
		if active, aerr := p.table.ActiveSlot(); aerr != nil || active == "" {
			return false
		}
	}
	return true
}

func (p *Program) directBoot() bool {
	if err := p.EnsureBootTarget(); err != nil {
		p.logger.WithError(err).Error("failed to select application boot target")
		return p.HasApplication()
	}
	return true
}

func (p *Program) flashFromStorage(flag flagstore.UpdateFlag) error {
	if err := p.storage.RemountStorage(p.mountPoint); err != nil {
		return fmt.Errorf("storage mount failed: %w", err)
	}

	info, err := os.Stat(p.firmwarePath)
	if err != nil {
		return fmt.Errorf("firmware file absent: %w", err)
	}
	size := info.Size()

	if flag.ExpectedSize != 0 && size != int64(flag.ExpectedSize) {
		return fmt.Errorf("firmware size %d does not match expected %d", size, flag.ExpectedSize)
	}

	slot, capacity, err := p.table.InactiveSlot()
	if err != nil {
		return fmt.Errorf("target partition absent: %w", err)
	}
	if size > capacity {
		return fmt.Errorf("firmware size %d exceeds partition capacity %d", size, capacity)
	}

	file, err := os.Open(p.firmwarePath)
	if err != nil {
		return fmt.Errorf("failed to open firmware file: %w", err)
	}
	defer file.Close()

	flasher, err := p.table.Flasher(slot)
	if err != nil {
		return err
	}
	if err := flasher.Begin(size); err != nil {
		return fmt.Errorf("flash begin failed: %w", err)
	}

	if err := p.copyImage(file, flasher, size); err != nil {
		flasher.Abort()
		return err
	}

	if err := flasher.Finalize(); err != nil {
		return fmt.Errorf("flash finalize failed: %w", err)
	}

	if err := p.table.SetBootTarget(slot); err != nil {
		return fmt.Errorf("boot target set failed: %w", err)
	}

	p.logger.WithField("slot", slot).Info("new application partition selected")
	return nil
}

func (p *Program) copyImage(file io.Reader, flasher Flasher, size int64) error {
	buf := make([]byte, flashChunkSize)
	var written int64
	lastDecile := -1

	for {
		n, err := file.Read(buf)
		if n > 0 {
			if werr := flasher.Write(buf[:n]); werr != nil {
				return werr
			}
			written += int64(n)

			// Progress at 10% granularity, observability only.
			decile := int(written * 10 / size)
			if decile != lastDecile {
				lastDecile = decile
				p.logger.WithField("percent", decile*10).Info("flashing")
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("firmware read failed: %w", err)
		}
	}
}

func (p *Program) removeFirmwareFile() {
	if err := os.Remove(p.firmwarePath); err != nil && !os.IsNotExist(err) {
		p.logger.WithError(err).Warn("failed to remove firmware file")
	}
}
