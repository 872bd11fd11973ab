package domain

import "time"

// TimeLayout is the fixed-width UTC timestamp used for created_at fields so
// that lexical order is chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Timestamp formats t with TimeLayout.
func Timestamp(t time.Time) string { return t.UTC().Format(TimeLayout) }

const (
	StatusActive     = "active"
	StatusSuperseded = "superseded"

	ModeLatest = "latest"
	ModeFrozen = "frozen"

	RunStatusCreated   = "created"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

type Artifact struct {
	ArtifactID         string   `json:"artifact_id"`
	ArtifactType       string   `json:"artifact_type"`
	SchemaVersion      int      `json:"schema_version"`
	LogicalKey         string   `json:"logical_key"`
	ContentHash        string   `json:"content_hash"`
	FileHash           string   `json:"file_hash"`
	PathData           string   `json:"path_data"`
	PathSidecar        string   `json:"path_sidecar"`
	Status             string   `json:"status" enum:"active,superseded"`
	Supersedes         string   `json:"supersedes,omitempty"`
	SupersededBy       string   `json:"superseded_by,omitempty"`
	SupersessionReason string   `json:"supersession_reason,omitempty"`
	SupersededAt       string   `json:"superseded_at,omitempty" format:"date-time"`
	InputArtifactIDs   []string `json:"input_artifact_ids"`
	Tags               []string `json:"tags"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
}

// Sidecar is the metadata file written next to every payload.
type Sidecar struct {
	ArtifactID       string   `json:"artifact_id"`
	ArtifactType     string   `json:"artifact_type"`
	SchemaVersion    int      `json:"schema_version"`
	LogicalKey       string   `json:"logical_key"`
	ContentHash      string   `json:"content_hash"`
	FileHash         string   `json:"file_hash"`
	Format           string   `json:"format"`
	InputArtifactIDs []string `json:"input_artifact_ids"`
	Tags             []string `json:"tags"`
	CreatedAt        string   `json:"created_at"`
}

type Run struct {
	RunID         string   `json:"run_id"`
	DatasetIDs    []string `json:"dataset_ids"`
	StrategyHash  string   `json:"strategy_hash"`
	EngineVersion string   `json:"engine_version"`
	Seed          int64    `json:"seed"`
	Caller        string   `json:"caller,omitempty"`
	DateFrom      string   `json:"date_from,omitempty"`
	DateTo        string   `json:"date_to,omitempty"`
	ArtifactIDs   []string `json:"artifact_ids"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

// RunStatus is derived by the event indexer from run.* events.
type RunStatus struct {
	RunID         string `json:"run_id"`
	Status        string `json:"status" enum:"created,completed,failed"`
	CreatedMs     int64  `json:"created_ms,omitempty"`
	CompletedMs   int64  `json:"completed_ms,omitempty"`
	FailedMs      int64  `json:"failed_ms,omitempty"`
	Error         string `json:"error,omitempty"`
	ArtifactCount int    `json:"artifact_count"`
}

type RunSetSpec struct {
	Name           string   `json:"name,omitempty"`
	DatasetIDs     []string `json:"dataset_ids"`
	Callers        []string `json:"callers"`
	Tags           []string `json:"tags"`
	DateFrom       string   `json:"date_from,omitempty"`
	DateTo         string   `json:"date_to,omitempty"`
	StrategyHashes []string `json:"strategy_hashes"`
	Statuses       []string `json:"statuses"`
	Mode           string   `json:"mode" enum:"latest,frozen"`
}

type RunSet struct {
	RunSetID  string     `json:"runset_id"`
	Spec      RunSetSpec `json:"spec"`
	CreatedAt string     `json:"created_at" format:"date-time"`
}

type Resolution struct {
	ResolutionID   string   `json:"resolution_id"`
	RunSetID       string   `json:"runset_id"`
	RunIDs         []string `json:"run_ids"`
	ArtifactIDs    []string `json:"artifact_ids"`
	ResolutionHash string   `json:"resolution_hash"`
	TimestampMs    int64    `json:"timestamp_ms"`
	Frozen         bool     `json:"frozen"`
}

// EventRecord is an indexed event row as served to readers.
type EventRecord struct {
	Seq         int64  `json:"seq"`
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	TimestampMs int64  `json:"timestamp_ms"`
	Day         string `json:"day"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	Payload     string `json:"payload_json"`
}
