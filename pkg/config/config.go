package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type DeviceConfig struct {
	ProductKey   string
	DeviceName   string
	DeviceSecret string
	VersionFile  string
}

type MQTTConfig struct {
	Host         string
	Port         int
	UseTLS       bool
	KeepAlive    time.Duration
	CleanSession bool
	StatusPeriod time.Duration
}

type TLSConfig struct {
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

type BLEConfig struct {
	Enabled   bool
	LocalName string
}

type StorageConfig struct {
	MountPoint   string
	FirmwareFile string
	LogFile      string
	MediaDir     string
	FlagDB       string
}

type RecoveryConfig struct {
	PartitionA     string
	PartitionB     string
	BootSelectFile string
}

type Config struct {
	Device   DeviceConfig
	MQTT     MQTTConfig
	TLS      TLSConfig
	BLE      BLEConfig
	Storage  StorageConfig
	Recovery RecoveryConfig
}

func NewConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			VersionFile: "/data/version.json",
		},
		MQTT: MQTTConfig{
			Host:         "localhost",
			Port:         8883,
			UseTLS:       true,
			KeepAlive:    60 * time.Second,
			CleanSession: true,
			StatusPeriod: 60 * time.Second,
		},
		BLE: BLEConfig{
			Enabled:   true,
			LocalName: "fieldcam",
		},
		Storage: StorageConfig{
			MountPoint:   "/mnt/sdcard",
			FirmwareFile: "firmware.bin",
			LogFile:      "fieldcam.log",
			MediaDir:     "media",
			FlagDB:       "/data/otaflags.db",
		},
		Recovery: RecoveryConfig{
			PartitionA:     "/dev/mmcblk0p2",
			PartitionB:     "/dev/mmcblk0p3",
			BootSelectFile: "/data/bootselect",
		},
	}
}

func (c *Config) LoadFromEnv() error {
	if val := os.Getenv("FIELDCAM_PRODUCT_KEY"); val != "" {
		c.Device.ProductKey = val
	}
	if val := os.Getenv("FIELDCAM_DEVICE_NAME"); val != "" {
		c.Device.DeviceName = val
	}
	if val := os.Getenv("FIELDCAM_DEVICE_SECRET"); val != "" {
		c.Device.DeviceSecret = val
	}
	if val := os.Getenv("FIELDCAM_VERSION_FILE"); val != "" {
		c.Device.VersionFile = val
	}

	if val := os.Getenv("FIELDCAM_MQTT_HOST"); val != "" {
		c.MQTT.Host = val
	}
	if val := os.Getenv("FIELDCAM_MQTT_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.MQTT.Port = port
		}
	}
	if val := os.Getenv("FIELDCAM_MQTT_USE_TLS"); val != "" {
		if useTLS, err := strconv.ParseBool(val); err == nil {
			c.MQTT.UseTLS = useTLS
		}
	}
	if val := os.Getenv("FIELDCAM_MQTT_KEEPALIVE"); val != "" {
		if keepAlive, err := strconv.Atoi(val); err == nil {
			c.MQTT.KeepAlive = time.Duration(keepAlive) * time.Second
		}
	}
	if val := os.Getenv("FIELDCAM_MQTT_STATUS_PERIOD"); val != "" {
		if period, err := strconv.Atoi(val); err == nil {
			c.MQTT.StatusPeriod = time.Duration(period) * time.Second
		}
	}

	if val := os.Getenv("FIELDCAM_TLS_CA_CERT"); val != "" {
		c.TLS.CACert = val
	}
	if val := os.Getenv("FIELDCAM_TLS_CLIENT_CERT"); val != "" {
		c.TLS.ClientCert = val
	}
	if val := os.Getenv("FIELDCAM_TLS_CLIENT_KEY"); val != "" {
		c.TLS.ClientKey = val
	}
	if val := os.Getenv("FIELDCAM_TLS_SERVER_NAME"); val != "" {
		c.TLS.ServerName = val
	}
	if val := os.Getenv("FIELDCAM_TLS_SKIP_VERIFY"); val != "" {
		if skipVerify, err := strconv.ParseBool(val); err == nil {
			c.TLS.SkipVerify = skipVerify
		}
	}

	if val := os.Getenv("FIELDCAM_BLE_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.BLE.Enabled = enabled
		}
	}
	if val := os.Getenv("FIELDCAM_BLE_NAME"); val != "" {
		c.BLE.LocalName = val
	}

	if val := os.Getenv("FIELDCAM_STORAGE_MOUNT"); val != "" {
		c.Storage.MountPoint = val
	}
	if val := os.Getenv("FIELDCAM_FLAG_DB"); val != "" {
		c.Storage.FlagDB = val
	}

	if val := os.Getenv("FIELDCAM_PARTITION_A"); val != "" {
		c.Recovery.PartitionA = val
	}
	if val := os.Getenv("FIELDCAM_PARTITION_B"); val != "" {
		c.Recovery.PartitionB = val
	}
	if val := os.Getenv("FIELDCAM_BOOT_SELECT"); val != "" {
		c.Recovery.BootSelectFile = val
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Device.ProductKey == "" {
		return fmt.Errorf("product key is required")
	}
	if c.Device.DeviceName == "" {
		return fmt.Errorf("device name is required")
	}
	if c.Device.DeviceSecret == "" {
		return fmt.Errorf("device secret is required")
	}
	if c.MQTT.Host == "" {
		return fmt.Errorf("MQTT host is required")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("MQTT port must be between 1 and 65535")
	}
	if c.Storage.MountPoint == "" {
		return fmt.Errorf("storage mount point is required")
	}
	return nil
}

// FirmwarePath returns the well-known location the downloader writes to and
// the recovery program reads from.
func (c *Config) FirmwarePath() string {
	return filepath.Join(c.Storage.MountPoint, c.Storage.FirmwareFile)
}

// LogPath returns the on-storage log file location.
func (c *Config) LogPath() string {
	return filepath.Join(c.Storage.MountPoint, c.Storage.LogFile)
}

// MediaPath returns the directory holding captured images and clips.
func (c *Config) MediaPath() string {
	return filepath.Join(c.Storage.MountPoint, c.Storage.MediaDir)
}
