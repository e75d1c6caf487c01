package client

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// ParsePins parses the --node-gpu-ids syntax "n1:0,1;n2:2" into an ordered
// pin list.
func ParsePins(s string) ([]proto.Pin, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.New("empty pin list")
	}

	var pins []proto.Pin
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		nodeAndGPUs := strings.SplitN(part, ":", 2)
		if len(nodeAndGPUs) != 2 || nodeAndGPUs[0] == "" {
			return nil, errors.Errorf("malformed pin %q, expected node:id[,id...]", part)
		}
		pin := proto.Pin{NodeID: strings.TrimSpace(nodeAndGPUs[0])}
		for _, idStr := range strings.Split(nodeAndGPUs[1], ",") {
			id, err := strconv.Atoi(strings.TrimSpace(idStr))
			if err != nil || id < 0 {
				return nil, errors.Errorf("malformed GPU id %q in pin %q", idStr, part)
			}
			pin.GPUs = append(pin.GPUs, id)
		}
		if len(pin.GPUs) == 0 {
			return nil, errors.Errorf("pin %q lists no GPUs", part)
		}
		pins = append(pins, pin)
	}
	if len(pins) == 0 {
		return nil, errors.New("empty pin list")
	}
	return pins, nil
}
