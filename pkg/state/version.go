package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// VersionInfo stores the installed firmware version on durable storage so it
// survives both reboots and updates.
type VersionInfo struct {
	Version string `json:"version"`
}

// FileVersionProvider persists the firmware version in a small JSON file.
type FileVersionProvider struct {
	versionFile string
	cache       *VersionInfo
	mu          sync.RWMutex
}

// NewFileVersionProvider creates a file-backed version provider.
func NewFileVersionProvider(versionFile string) *FileVersionProvider {
	p := &FileVersionProvider{versionFile: versionFile}
	p.load()
	return p
}

func (p *FileVersionProvider) load() {
	data, err := os.ReadFile(p.versionFile)
	if err != nil {
		p.cache = &VersionInfo{Version: "0.0.0"}
		return
	}

	var info VersionInfo
	if err := json.Unmarshal(data, &info); err == nil && info.Version != "" {
		p.cache = &info
		return
	}

	// Plain-text fallback for files written before the JSON format.
	p.cache = &VersionInfo{Version: strings.TrimSpace(string(data))}
}

func (p *FileVersionProvider) save() error {
	data, err := json.MarshalIndent(p.cache, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.versionFile), 0755); err != nil {
		return err
	}
	return os.WriteFile(p.versionFile, data, 0644)
}

// GetVersion returns the installed firmware version.
func (p *FileVersionProvider) GetVersion() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cache.Version
}

// SetVersion records a new firmware version.
func (p *FileVersionProvider) SetVersion(version string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Version = version
	return p.save()
}
