package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/fieldcam/agent/pkg/config"
	"github.com/fieldcam/agent/pkg/flagstore"
	"github.com/fieldcam/agent/pkg/hal"
	"github.com/fieldcam/agent/pkg/recovery"
)

// The recovery program runs first on every boot. It carries no wireless
// stack and touches nothing beyond the flag store, the storage card and the
// application partitions, so it can flash safely on a clean heap.
func main() {
	cfg := config.NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	platform := hal.NewLinuxPlatform(logger)

	flags, err := flagstore.Open(cfg.Storage.FlagDB)
	if err != nil {
		// Without the flag store there is no update to consider; boot the
		// application as-is.
		logger.WithError(err).Error("failed to open flag store, booting application")
		platform.Reboot()
	}
	defer flags.Close()

	table := recovery.NewFilePartitionTable(
		cfg.Recovery.PartitionA,
		cfg.Recovery.PartitionB,
		cfg.Recovery.BootSelectFile,
	)

	program := recovery.NewProgram(flags, table, platform, cfg.Storage.MountPoint, cfg.FirmwarePath(), logger)

	if !program.Run() {
		platform.Distress("no application partition found")
	}
	platform.Reboot()
}
