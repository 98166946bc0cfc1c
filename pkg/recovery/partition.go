package recovery

import (
	"fmt"
	"os"
	"strings"
)

// Flasher streams a firmware image into an application partition.
type Flasher interface {
	// Begin prepares the partition for an image of the given size.
	Begin(size int64) error
	// Write appends the next image bytes.
	Write(p []byte) error
	// Finalize commits the image. After a successful Finalize the partition
	// is bootable.
	Finalize() error
	// Abort discards an in-flight write. Safe to call at any point.
	Abort()
}

// PartitionTable selects which application slot boots next.
type PartitionTable interface {
	// ActiveSlot returns the currently selected boot slot, or "" when no
	// selection has been persisted yet.
	ActiveSlot() (string, error)
	// InactiveSlot returns the slot a new image should flash into and its
	// capacity in bytes.
	InactiveSlot() (slot string, capacity int64, err error)
	// SetBootTarget durably selects the slot for the next boot.
	SetBootTarget(slot string) error
	// Flasher returns a flasher for the named slot.
	Flasher(slot string) (Flasher, error)
}

const (
	SlotA = "A"
	SlotB = "B"
)

// FilePartitionTable is the on-device partition table: two application
// partitions addressed as device paths and a boot-select file read by the
// first-stage loader.
type FilePartitionTable struct {
	paths          map[string]string
	bootSelectFile string
}

func NewFilePartitionTable(pathA, pathB, bootSelectFile string) *FilePartitionTable {
	return &FilePartitionTable{
		paths: map[string]string{
			SlotA: pathA,
			SlotB: pathB,
		},
		bootSelectFile: bootSelectFile,
	}
}

func (t *FilePartitionTable) ActiveSlot() (string, error) {
	data, err := os.ReadFile(t.bootSelectFile)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read boot select: %w", err)
	}
	slot := strings.TrimSpace(string(data))
	if _, ok := t.paths[slot]; !ok {
		return "", nil
	}
	return slot, nil
}

func (t *FilePartitionTable) InactiveSlot() (string, int64, error) {
	active, err := t.ActiveSlot()
	if err != nil {
		return "", 0, err
	}

	slot := SlotA
	if active == SlotA {
		slot = SlotB
	}

	info, err := os.Stat(t.paths[slot])
	if err != nil {
		return "", 0, fmt.Errorf("application partition %s not found: %w", slot, err)
	}
	return slot, info.Size(), nil
}

func (t *FilePartitionTable) SetBootTarget(slot string) error {
	if _, ok := t.paths[slot]; !ok {
		return fmt.Errorf("unknown slot: %s", slot)
	}
	if err := os.WriteFile(t.bootSelectFile, []byte(slot+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write boot select: %w", err)
	}
	return nil
}

func (t *FilePartitionTable) Flasher(slot string) (Flasher, error) {
	path, ok := t.paths[slot]
	if !ok {
		return nil, fmt.Errorf("unknown slot: %s", slot)
	}
	return &fileFlasher{path: path}, nil
}

// fileFlasher writes the image directly to the partition device.
type fileFlasher struct {
	path string
	file *os.File
}

func (f *fileFlasher) Begin(size int64) error {
	file, err := os.OpenFile(f.path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open partition: %w", err)
	}
	f.file = file
	return nil
}

func (f *fileFlasher) Write(p []byte) error {
	if f.file == nil {
		return fmt.Errorf("flash write before begin")
	}
	if _, err := f.file.Write(p); err != nil {
		return fmt.Errorf("flash write failed: %w", err)
	}
	return nil
}

func (f *fileFlasher) Finalize() error {
	if f.file == nil {
		return fmt.Errorf("flash finalize before begin")
	}
	if err := f.file.Sync(); err != nil {
		f.file.Close()
		f.file = nil
		return fmt.Errorf("flash sync failed: %w", err)
	}
	err := f.file.Close()
	f.file = nil
	if err != nil {
		return fmt.Errorf("flash close failed: %w", err)
	}
	return nil
}

func (f *fileFlasher) Abort() {
	if f.file != nil {
		f.file.Close()
		f.file = nil
	}
}
