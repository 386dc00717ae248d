package shared

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

const (
	// StatusIdle indicates no build work is in flight.
	StatusIdle = "idle"
	// StatusProcessing indicates a build phase is in flight.
	StatusProcessing = "processing"

	// RebuildAllProcess identifies a whole history rebuild.
	RebuildAllProcess = "rebuildAllCandles"
	// RebuildResourceProcess identifies a resource scoped rebuild.
	RebuildResourceProcess = "rebuildResourceCandles"
)

// BuilderStatus represents the live status published by a candle builder.
type BuilderStatus struct {
	Status      string `json:"status"`
	Description string `json:"description"`
	Timestamp   int64  `json:"timestamp"`
}

// ProcessStatus represents the persisted status of the rebuild process,
// owned by the process manager with the nested builder status owned by the
// active builder.
type ProcessStatus struct {
	Active        bool          `json:"isActive"`
	ProcessType   string        `json:"processType,omitempty"`
	ResourceSlug  string        `json:"resourceSlug,omitempty"`
	RunID         string        `json:"runId,omitempty"`
	StartTime     int64         `json:"startTime,omitempty"`
	BuilderStatus BuilderStatus `json:"builderStatus"`
}

// Encode marshals the process status into its persisted JSON form.
func (s *ProcessStatus) Encode() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding process status: %w", err)
	}

	return string(b), nil
}

// ParseProcessStatus decodes a persisted process status blob. Malformed
// blobs return an error so callers can fall back to inactive defaults and
// overwrite the corrupt record.
func ParseProcessStatus(blob string) (*ProcessStatus, error) {
	if blob == "" {
		return &ProcessStatus{Active: false, BuilderStatus: BuilderStatus{Status: StatusIdle}}, nil
	}

	if !gjson.Valid(blob) {
		return nil, fmt.Errorf("malformed process status: %q", blob)
	}

	result := gjson.Parse(blob)
	if !result.IsObject() {
		return nil, fmt.Errorf("process status is not an object: %q", blob)
	}

	status := &ProcessStatus{
		Active:       result.Get("isActive").Bool(),
		ProcessType:  result.Get("processType").String(),
		ResourceSlug: result.Get("resourceSlug").String(),
		RunID:        result.Get("runId").String(),
		StartTime:    result.Get("startTime").Int(),
		BuilderStatus: BuilderStatus{
			Status:      result.Get("builderStatus.status").String(),
			Description: result.Get("builderStatus.description").String(),
			Timestamp:   result.Get("builderStatus.timestamp").Int(),
		},
	}

	if status.BuilderStatus.Status == "" {
		status.BuilderStatus.Status = StatusIdle
	}

	return status, nil
}
