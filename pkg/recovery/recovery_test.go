package recovery

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/fieldcam/agent/pkg/flagstore"
)

type fakeFlasher struct {
	slot      string
	begun     bool
	data      []byte
	finalized bool
	aborted   bool
	writeErr  error
}

func (f *fakeFlasher) Begin(size int64) error { f.begun = true; return nil }

func (f *fakeFlasher) Write(p []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.data = append(f.data, p...)
	return nil
}

func (f *fakeFlasher) Finalize() error { f.finalized = true; return nil }
func (f *fakeFlasher) Abort()          { f.aborted = true }

type fakeTable struct {
	active      string
	activeErr   error
	capacity    int64
	inactiveErr error
	flasher     *fakeFlasher
	bootTargets []string
}

func (t *fakeTable) ActiveSlot() (string, error) { return t.active, t.activeErr }

func (t *fakeTable) InactiveSlot() (string, int64, error) {
	if t.inactiveErr != nil {
		return "", 0, t.inactiveErr
	}
	slot := SlotA
	if t.active == SlotA {
		slot = SlotB
	}
	return slot, t.capacity, nil
}

func (t *fakeTable) SetBootTarget(slot string) error {
	t.bootTargets = append(t.bootTargets, slot)
	t.active = slot
	return nil
}

func (t *fakeTable) Flasher(slot string) (Flasher, error) {
	t.flasher.slot = slot
	return t.flasher, nil
}

type fakeMounter struct {
	err error
}

func (m *fakeMounter) RemountStorage(mountPoint string) error { return m.err }

type fixture struct {
	program      *Program
	flags        *flagstore.Store
	table        *fakeTable
	firmwarePath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tmpDir := t.TempDir()

	flags, err := flagstore.Open(filepath.Join(tmpDir, "flags.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { flags.Close() })

	table := &fakeTable{
		active:   SlotA,
		capacity: 1 << 20,
		flasher:  &fakeFlasher{},
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	firmwarePath := filepath.Join(tmpDir, "firmware.bin")
	program := NewProgram(flags, table, &fakeMounter{}, tmpDir, firmwarePath, logger)
	return &fixture{program: program, flags: flags, table: table, firmwarePath: firmwarePath}
}

func (f *fixture) stageFirmware(t *testing.T, image []byte) {
	t.Helper()
	if err := os.WriteFile(f.firmwarePath, image, 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.flags.Set(uint32(len(image))); err != nil {
		t.Fatal(err)
	}
}

func TestRunDirectBootWithoutPendingUpdate(t *testing.T) {
	f := newFixture(t)
	f.table.active = ""

	if !f.program.Run() {
		t.Fatal("expected direct boot")
	}
	if got := f.table.bootTargets; len(got) != 1 || got[0] != SlotA {
		t.Errorf("expected a single boot target write to slot A, got %v", got)
	}
	if f.table.flasher.begun {
		t.Error("no flash must happen without a pending update")
	}

	// With a selection already persisted, Run must not rewrite it.
	if !f.program.Run() {
		t.Fatal("expected direct boot on second run")
	}
	if got := f.table.bootTargets; len(got) != 1 {
		t.Errorf("boot target rewritten on an unchanged selection: %v", got)
	}
}

func TestRunFlashesStagedImage(t *testing.T) {
	f := newFixture(t)
	image := bytes.Repeat([]byte{0x5A}, 10000)
	f.stageFirmware(t, image)

	if !f.program.Run() {
		t.Fatal("expected successful flash")
	}

	if !bytes.Equal(f.table.flasher.data, image) {
		t.Error("flashed bytes differ from the staged image")
	}
	if !f.table.flasher.finalized {
		t.Error("flash was not finalized")
	}
	if f.table.flasher.slot != SlotB {
		t.Errorf("image must go to the inactive slot, went to %q", f.table.flasher.slot)
	}
	if f.table.active != SlotB {
		t.Errorf("boot target must switch to the new slot, is %q", f.table.active)
	}

	flag, err := f.flags.Read()
	if err != nil {
		t.Fatal(err)
	}
	if flag.Pending {
		t.Error("flag must be clear after the flash")
	}
	if _, err := os.Stat(f.firmwarePath); !os.IsNotExist(err) {
		t.Error("staged firmware file must be removed")
	}
}

func TestRunClearsFlagBeforeFlashing(t *testing.T) {
	f := newFixture(t)
	f.stageFirmware(t, bytes.Repeat([]byte{0x01}, 5000))
	f.table.flasher.writeErr = errors.New("nand write failure")

	if !f.program.Run() {
		t.Fatal("a failed flash must still boot the existing application")
	}

	// The flag was cleared before the flash attempt: a crash in the middle
	// of flashing cannot repeat the same flash on every boot.
	flag, err := f.flags.Read()
	if err != nil {
		t.Fatal(err)
	}
	if flag.Pending {
		t.Error("flag must be clear even though the flash failed")
	}
	if !f.table.flasher.aborted {
		t.Error("failed flash must be aborted")
	}
	if f.table.active != SlotA {
		t.Errorf("boot target must stay on the old slot, is %q", f.table.active)
	}
	if _, err := os.Stat(f.firmwarePath); !os.IsNotExist(err) {
		t.Error("staged firmware file must be removed after a failed flash")
	}
}

func TestRunRejectsSizeMismatch(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.firmwarePath, bytes.Repeat([]byte{0x01}, 50), 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.flags.Set(100); err != nil {
		t.Fatal(err)
	}

	if !f.program.Run() {
		t.Fatal("a rejected image must still boot the existing application")
	}
	if f.table.flasher.begun {
		t.Error("a size-mismatched image must never reach the flasher")
	}
	flag, _ := f.flags.Read()
	if flag.Pending {
		t.Error("flag must be clear after rejection")
	}
}

func TestRunRejectsOversizeImage(t *testing.T) {
	f := newFixture(t)
	f.table.capacity = 100
	f.stageFirmware(t, bytes.Repeat([]byte{0x01}, 5000))

	if !f.program.Run() {
		t.Fatal("an oversize image must still boot the existing application")
	}
	if f.table.flasher.begun {
		t.Error("an oversize image must never reach the flasher")
	}
}

func TestRunDistressWithoutApplicationPartition(t *testing.T) {
	f := newFixture(t)
	f.table.active = ""
	f.table.activeErr = errors.New("partition table unreadable")
	f.table.inactiveErr = errors.New("partition table unreadable")

	if f.program.Run() {
		t.Error("with no locatable application partition Run must report failure")
	}
}

func TestFilePartitionTable(t *testing.T) {
	tmpDir := t.TempDir()
	pathA := filepath.Join(tmpDir, "appA")
	pathB := filepath.Join(tmpDir, "appB")
	if err := os.WriteFile(pathA, make([]byte, 2048), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pathB, make([]byte, 2048), 0644); err != nil {
		t.Fatal(err)
	}
	table := NewFilePartitionTable(pathA, pathB, filepath.Join(tmpDir, "bootselect"))

	t.Run("NoSelectionReadsEmpty", func(t *testing.T) {
		active, err := table.ActiveSlot()
		if err != nil {
			t.Fatal(err)
		}
		if active != "" {
			t.Errorf("expected no selection, got %q", active)
		}
	})

	t.Run("SelectionRoundTrip", func(t *testing.T) {
		if err := table.SetBootTarget(SlotB); err != nil {
			t.Fatal(err)
		}
		active, err := table.ActiveSlot()
		if err != nil {
			t.Fatal(err)
		}
		if active != SlotB {
			t.Errorf("expected slot B, got %q", active)
		}

		slot, capacity, err := table.InactiveSlot()
		if err != nil {
			t.Fatal(err)
		}
		if slot != SlotA || capacity != 2048 {
			t.Errorf("expected slot A with capacity 2048, got %q/%d", slot, capacity)
		}
	})

	t.Run("UnknownSlotRejected", func(t *testing.T) {
		if err := table.SetBootTarget("C"); err == nil {
			t.Error("unknown slot must be rejected")
		}
		if _, err := table.Flasher("C"); err == nil {
			t.Error("unknown slot must be rejected")
		}
	})
}
