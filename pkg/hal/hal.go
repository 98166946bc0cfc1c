package hal

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Platform abstracts the privileged operations the update path needs from the
// host. Tests substitute a fake; the real device uses LinuxPlatform.
type Platform interface {
	// Reboot restarts the device. It does not return.
	Reboot()
	// RemountStorage cycles the removable storage mount so the caller starts
	// from a clean state.
	RemountStorage(mountPoint string) error
	// Distress signals an unrecoverable condition forever. It never returns.
	Distress(reason string)
}

// LinuxPlatform implements Platform on an embedded Linux appliance.
type LinuxPlatform struct {
	logger *logrus.Logger
}

func NewLinuxPlatform(logger *logrus.Logger) *LinuxPlatform {
	return &LinuxPlatform{logger: logger}
}

func (p *LinuxPlatform) Reboot() {
	p.logger.Info("rebooting")
	syscall.Sync()
	if err := syscall.Reboot(syscall.LINUX_REBOOT_CMD_RESTART); err != nil {
		// Fall back to the init-managed path.
		_ = exec.Command("reboot").Run()
	}
	// Give the kernel time to act before the caller proceeds anywhere.
	select {}
}

func (p *LinuxPlatform) RemountStorage(mountPoint string) error {
	// Unmount may fail if nothing is mounted; only the mount result matters.
	_ = exec.Command("umount", mountPoint).Run()
	if out, err := exec.Command("mount", mountPoint).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to mount %s: %v (%s)", mountPoint, err, out)
	}
	return nil
}

func (p *LinuxPlatform) Distress(reason string) {
	for {
		p.logger.WithField("reason", reason).Error("unrecoverable hardware condition")
		time.Sleep(2 * time.Second)
	}
}
