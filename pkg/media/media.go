package media

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fieldcam/agent/pkg/dispatch"
)

// Store is the narrow view of the capture pipeline's output this package
// needs. The pipeline itself lives elsewhere.
type Store interface {
	ListImages() ([]string, error)
	ReadImage(name string) ([]byte, error)
}

// DirStore serves images from a directory on removable storage.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

func (s *DirStore) ListImages() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read media directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *DirStore) ReadImage(name string) ([]byte, error) {
	if name != filepath.Base(name) {
		return nil, fmt.Errorf("invalid image name: %s", name)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}

// RegisterHandlers installs the large-payload commands. These are tagged as
// chunked-only in the dispatcher, so they only ever run on a transport whose
// sink can split the response.
func RegisterHandlers(d *dispatch.Dispatcher, store Store, recentLogs func() []string) {
	d.Register("list_images", makeListHandler(store))
	d.Register("get_image", makeGetImageHandler(store))

	logsHandler := makeLogsHandler(recentLogs)
	d.Register("get_logs", logsHandler)
	d.Register("request_logs", logsHandler)
}

func makeListHandler(store Store) dispatch.HandlerFunc {
	return func(ctx *dispatch.Context) bool {
		names, err := store.ListImages()
		if err != nil {
			dispatch.SendError(ctx.Sender, err.Error())
			return false
		}
		err = dispatch.SendJSON(ctx.Sender, map[string]interface{}{
			"type":   "image_list",
			"count":  len(names),
			"images": names,
		})
		return err == nil
	}
}

func makeGetImageHandler(store Store) dispatch.HandlerFunc {
	return func(ctx *dispatch.Context) bool {
		name := ctx.String("filename")
		if name == "" {
			dispatch.SendError(ctx.Sender, "missing filename")
			return false
		}

		data, err := store.ReadImage(name)
		if err != nil {
			dispatch.SendError(ctx.Sender, err.Error())
			return false
		}

		// The transport channel is text oriented, so image bytes travel
		// base64 encoded.
		err = dispatch.SendJSON(ctx.Sender, map[string]interface{}{
			"type":     "image",
			"filename": name,
			"size":     len(data),
			"data":     base64.StdEncoding.EncodeToString(data),
		})
		return err == nil
	}
}

func makeLogsHandler(recentLogs func() []string) dispatch.HandlerFunc {
	return func(ctx *dispatch.Context) bool {
		var lines []string
		if recentLogs != nil {
			lines = recentLogs()
		}
		err := dispatch.SendJSON(ctx.Sender, map[string]interface{}{
			"type":  "logs",
			"count": len(lines),
			"lines": lines,
		})
		return err == nil
	}
}
