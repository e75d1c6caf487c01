// Package detect interrogates the NVIDIA management tool for the GPUs present
// on this host.
package detect

import (
	"encoding/csv"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Uuuuuuho/mgpu-server/pkg/device"
)

var detectCudaGPUsArgs = []string{
	"nvidia-smi", "--query-gpu=index,name,uuid,memory.total", "--format=csv,noheader,nounits",
}

const detectCudaGPUsIDFlagTpl = "--id=%v"

// CudaGPUs returns the list of available Nvidia GPUs. A missing nvidia-smi is
// not an error: the agent is still usable for CPU-only testing and reports
// zero GPUs.
func CudaGPUs(visibleGPUs string) ([]device.Device, error) {
	flags := detectCudaGPUsArgs[1:]
	if visibleGPUs != "" {
		flags = append(flags, fmt.Sprintf(detectCudaGPUsIDFlagTpl, visibleGPUs))
	}

	// #nosec G204
	cmd := exec.Command(detectCudaGPUsArgs[0], flags...)
	out, err := cmd.Output()

	if execError, ok := err.(*exec.Error); ok && execError.Err == exec.ErrNotFound {
		return nil, nil
	} else if err != nil {
		log.WithError(err).WithField("output", string(out)).Warnf(
			"error while executing nvidia-smi to detect GPUs")
		return nil, nil
	}

	return parseCudaGPUs(strings.NewReader(string(out)))
}

func parseCudaGPUs(in io.Reader) ([]device.Device, error) {
	devices := make([]device.Device, 0)

	r := csv.NewReader(in)
	for {
		record, err := r.Read()
		switch {
		case err == io.EOF:
			return devices, nil
		case err != nil:
			return nil, errors.Wrap(err, "error parsing output of nvidia-smi as CSV")
		case len(record) != 4:
			return nil, errors.New(
				"error parsing output of nvidia-smi; GPU record should have exactly 4 fields")
		}

		index, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			return nil, errors.Wrap(
				err, "error parsing output of nvidia-smi; GPU index cannot be converted to int")
		}
		memory, err := strconv.ParseInt(strings.TrimSpace(record[3]), 10, 64)
		if err != nil {
			return nil, errors.Wrap(
				err, "error parsing output of nvidia-smi; GPU memory cannot be converted to int")
		}

		devices = append(devices, device.Device{
			Index:    index,
			Brand:    strings.TrimSpace(record[1]),
			UUID:     strings.TrimSpace(record[2]),
			MemoryMB: memory,
		})
	}
}

// Artificial fabricates n GPU entries so the scheduler can be exercised on
// hosts without hardware.
func Artificial(n int) []device.Device {
	devices := make([]device.Device, 0, n)
	for i := 0; i < n; i++ {
		devices = append(devices, device.Device{
			Index:    i,
			Brand:    "artificial",
			UUID:     fmt.Sprintf("ARTIFICIAL-%d", i),
			MemoryMB: 0,
		})
	}
	return devices
}
