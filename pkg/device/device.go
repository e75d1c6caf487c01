// Package device describes the GPUs an agent exposes to the master.
package device

import "fmt"

// Device represents a single GPU on an agent host. Index is the physical index
// reported by the driver; jobs see their allocation renumbered from zero.
type Device struct {
	Index    int    `json:"index"`
	Brand    string `json:"brand"`
	UUID     string `json:"uuid"`
	MemoryMB int64  `json:"memory_mb"`
}

func (d Device) String() string {
	return fmt.Sprintf("gpu%d (%s, %d MiB)", d.Index, d.Brand, d.MemoryMB)
}
