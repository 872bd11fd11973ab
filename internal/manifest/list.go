package manifest

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"lakereg/internal/domain"
	"lakereg/internal/repo"
)

// Filter keys accepted by ListArtifacts.
const (
	FilterType             = "type"
	FilterStatus           = "status"
	FilterLogicalKeyPrefix = "logical_key_prefix"
	FilterCreatedFrom      = "created_from"
	FilterCreatedTo        = "created_to"
	FilterTag              = "tag"
	FilterSchemaVersion    = "schema_version"
)

var allowedFilters = map[string]bool{
	FilterType:             true,
	FilterStatus:           true,
	FilterLogicalKeyPrefix: true,
	FilterCreatedFrom:      true,
	FilterCreatedTo:        true,
	FilterTag:              true,
	FilterSchemaVersion:    true,
}

// FilterKeys lists the accepted filter keys.
func FilterKeys() []string {
	keys := make([]string, 0, len(allowedFilters))
	for k := range allowedFilters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ListArtifacts lists artifacts ordered by (created_at, artifact_id). Any
// key outside the allow-list is rejected before a query is built.
func (s Store) ListArtifacts(ctx context.Context, filter map[string]string) ([]domain.Artifact, error) {
	f, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	r, err := s.repo()
	if err != nil {
		return nil, err
	}
	out, err := r.ListArtifacts(ctx, f)
	if err != nil {
		return nil, domain.IO("manifest.list", "", err)
	}
	return out, nil
}

func parseFilter(filter map[string]string) (repo.ArtifactFilter, error) {
	const op = "manifest.list"
	var f repo.ArtifactFilter
	for _, key := range sortedKeys(filter) {
		if !allowedFilters[key] {
			return f, domain.Validation(op, "filter key %q is not allowed (allowed: %s)", key, strings.Join(FilterKeys(), ", "))
		}
	}
	for key, raw := range filter {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		switch key {
		case FilterType:
			f.Type = value
		case FilterStatus:
			if value != domain.StatusActive && value != domain.StatusSuperseded {
				return f, domain.Validation(op, "status must be active or superseded, got %q", value)
			}
			f.Status = value
		case FilterLogicalKeyPrefix:
			f.LogicalKeyPrefix = value
		case FilterCreatedFrom:
			t, _, err := parseBound(value)
			if err != nil {
				return f, domain.Validation(op, "created_from: %v", err)
			}
			f.CreatedFrom = domain.Timestamp(t)
		case FilterCreatedTo:
			t, dateOnly, err := parseBound(value)
			if err != nil {
				return f, domain.Validation(op, "created_to: %v", err)
			}
			// A bare date includes that whole day.
			if dateOnly {
				t = t.AddDate(0, 0, 1)
			}
			f.CreatedTo = domain.Timestamp(t)
		case FilterTag:
			f.Tag = value
		case FilterSchemaVersion:
			v, err := strconv.Atoi(value)
			if err != nil || v <= 0 {
				return f, domain.Validation(op, "schema_version must be a positive integer, got %q", value)
			}
			f.SchemaVersion = v
		}
	}
	if f.CreatedFrom != "" && f.CreatedTo != "" && f.CreatedFrom >= f.CreatedTo {
		return f, domain.Validation(op, "created_from must be before created_to")
	}
	return f, nil
}

func parseBound(v string) (time.Time, bool, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, false, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
