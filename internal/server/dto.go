package server

import (
	"lakereg/internal/domain"
	"lakereg/internal/manifest"
	"lakereg/internal/registry"
)

// Request payloads

type PublishArtifactRequest struct {
	Payload          string   `json:"payload,omitempty" doc:"Payload text; raw payloads may use payload_base64 instead"`
	PayloadBase64    []byte   `json:"payload_base64,omitempty"`
	Format           string   `json:"format,omitempty" enum:"json,jsonl,raw"`
	ArtifactType     string   `json:"artifact_type"`
	SchemaVersion    int      `json:"schema_version" minimum:"1"`
	LogicalKey       string   `json:"logical_key"`
	InputArtifactIDs []string `json:"input_artifact_ids,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	Supersedes       string   `json:"supersedes,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

func (r PublishArtifactRequest) toManifest() manifest.PublishRequest {
	payload := []byte(r.Payload)
	if len(r.PayloadBase64) > 0 {
		payload = r.PayloadBase64
	}
	return manifest.PublishRequest{
		Payload:          payload,
		Format:           r.Format,
		ArtifactType:     r.ArtifactType,
		SchemaVersion:    r.SchemaVersion,
		LogicalKey:       r.LogicalKey,
		InputArtifactIDs: r.InputArtifactIDs,
		Tags:             r.Tags,
		Supersedes:       r.Supersedes,
		Reason:           r.Reason,
	}
}

type SupersedeRequest struct {
	Reason string `json:"reason"`
}

type RegisterRunRequest struct {
	DatasetIDs    []string `json:"dataset_ids"`
	StrategyHash  string   `json:"strategy_hash"`
	EngineVersion string   `json:"engine_version"`
	Seed          int64    `json:"seed,omitempty"`
	Caller        string   `json:"caller,omitempty"`
	DateFrom      string   `json:"date_from,omitempty"`
	DateTo        string   `json:"date_to,omitempty"`
	ArtifactIDs   []string `json:"artifact_ids,omitempty"`
}

func (r RegisterRunRequest) toRun() domain.Run {
	return domain.Run{
		DatasetIDs:    r.DatasetIDs,
		StrategyHash:  r.StrategyHash,
		EngineVersion: r.EngineVersion,
		Seed:          r.Seed,
		Caller:        r.Caller,
		DateFrom:      r.DateFrom,
		DateTo:        r.DateTo,
		ArtifactIDs:   r.ArtifactIDs,
	}
}

type CreateRunSetRequest struct {
	Name           string   `json:"name,omitempty"`
	DatasetIDs     []string `json:"dataset_ids,omitempty"`
	Callers        []string `json:"callers,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	DateFrom       string   `json:"date_from,omitempty"`
	DateTo         string   `json:"date_to,omitempty"`
	StrategyHashes []string `json:"strategy_hashes,omitempty"`
	Statuses       []string `json:"statuses,omitempty"`
	Mode           string   `json:"mode,omitempty" enum:"latest,frozen"`
}

func (r CreateRunSetRequest) toSpec() domain.RunSetSpec {
	return domain.RunSetSpec{
		Name:           r.Name,
		DatasetIDs:     r.DatasetIDs,
		Callers:        r.Callers,
		Tags:           r.Tags,
		DateFrom:       r.DateFrom,
		DateTo:         r.DateTo,
		StrategyHashes: r.StrategyHashes,
		Statuses:       r.Statuses,
		Mode:           r.Mode,
	}
}

type ResolveRequest struct {
	Force bool `json:"force,omitempty"`
}

// Responses

type PublishResponse struct {
	ArtifactID string `json:"artifact_id"`
	Created    bool   `json:"created"`
}

type ArtifactList struct {
	Items []domain.Artifact `json:"items"`
}

// LineageList is the upstream or downstream neighbourhood of one artifact.
type LineageList struct {
	ID    string            `json:"id"`
	Items []domain.Artifact `json:"items"`
}

type IDList struct {
	ID    string   `json:"id"`
	Items []string `json:"items"`
}

type EventList struct {
	Items   []domain.EventRecord `json:"items"`
	LastSeq int64                `json:"last_seq"`
}

type RunResponse struct {
	Run    domain.Run        `json:"run"`
	Status *domain.RunStatus `json:"status,omitempty"`
}

type RunList struct {
	Items []domain.Run `json:"items"`
}

type RegisterRunResponse struct {
	RunID string `json:"run_id"`
}

type RunSetResponse struct {
	RunSet    domain.RunSet      `json:"runset"`
	Effective *domain.Resolution `json:"effective,omitempty"`
}

type RunSetList struct {
	Items []domain.RunSet `json:"items"`
}

type ResolutionList struct {
	Items []domain.Resolution `json:"items"`
}

type DigestResponse struct {
	Tables []registry.TableDigest `json:"tables"`
}

type RebuildResponse struct {
	Generations map[string]string `json:"generations"`
	DurationMs  int64             `json:"duration_ms"`
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
