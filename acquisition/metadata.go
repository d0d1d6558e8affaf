package acquisition

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pithecene-io/dwiflow/types"
)

// readoutKeys are the sidecar keys holding total readout time, in priority
// order. Philips exports only the estimated value.
var readoutKeys = []string{"TotalReadoutTime", "EstimatedTotalReadoutTime"}

// Metadata is the acquisition metadata read from a BIDS JSON sidecar.
type Metadata struct {
	PhaseEncodingDirection string
	TotalReadoutTime       float64
}

// ReadSidecar reads phase-encoding direction and total readout time.
// A field absent under every known key is ErrMetadataFieldMissing.
func ReadSidecar(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, types.MissingPrerequisite("read_sidecar", path)
		}
		return Metadata{}, fmt.Errorf("read sidecar %s: %w", path, err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Metadata{}, fmt.Errorf("invalid sidecar %s: %w", path, err)
	}

	var md Metadata
	found := false
	for _, key := range readoutKeys {
		if v, ok := fields[key].(float64); ok {
			md.TotalReadoutTime = v
			found = true
			break
		}
	}
	if !found {
		return Metadata{}, types.NewStageError(types.ErrMetadataFieldMissing, "read_sidecar", path,
			fmt.Errorf("none of %v present", readoutKeys))
	}

	pe, ok := fields["PhaseEncodingDirection"].(string)
	if !ok || pe == "" {
		return Metadata{}, types.NewStageError(types.ErrMetadataFieldMissing, "read_sidecar", path,
			fmt.Errorf("PhaseEncodingDirection not present"))
	}
	md.PhaseEncodingDirection = pe
	return md, nil
}
