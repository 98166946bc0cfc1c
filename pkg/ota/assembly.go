package ota

import (
	"fmt"
	"strings"
)

// MaxURLChunks bounds the assembly buffer. Signed URLs observed in the field
// fit comfortably in ten fragments.
const MaxURLChunks = 10

// URLAssembly reassembles a long signed URL delivered as indexed fragments.
// Only one logical transfer is in flight at a time; a fragment with index 0
// or a different total discards any incomplete assembly and starts over.
type URLAssembly struct {
	totalChunks int
	received    int
	version     string
	chunks      [MaxURLChunks]string
	present     [MaxURLChunks]bool
}

// Add records one fragment. It returns the reassembled URL and true exactly
// once, when the final missing fragment arrives. Out-of-range indices and
// totals are rejected before any assembly state changes.
func (a *URLAssembly) Add(index, total int, data, version string) (string, bool, error) {
	if total < 1 || total > MaxURLChunks {
		return "", false, fmt.Errorf("total_chunks out of range: %d", total)
	}
	if index < 0 || index >= MaxURLChunks {
		return "", false, fmt.Errorf("chunk_index out of range: %d", index)
	}
	if index >= total {
		return "", false, fmt.Errorf("chunk_index %d exceeds total_chunks %d", index, total)
	}

	if index == 0 || total != a.totalChunks {
		a.reset()
		a.totalChunks = total
		a.version = version
	}

	if !a.present[index] {
		a.present[index] = true
		a.received++
	}
	a.chunks[index] = data

	if a.received < a.totalChunks {
		return "", false, nil
	}

	url := strings.Join(a.chunks[:a.totalChunks], "")
	a.reset()
	return url, true, nil
}

// Received reports the current fragment count for acknowledgments.
func (a *URLAssembly) Received() (received, total int) {
	return a.received, a.totalChunks
}

// Version returns the version string carried by the in-flight transfer.
func (a *URLAssembly) Version() string {
	return a.version
}

func (a *URLAssembly) reset() {
	a.totalChunks = 0
	a.received = 0
	a.version = ""
	a.chunks = [MaxURLChunks]string{}
	a.present = [MaxURLChunks]bool{}
}
