package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"lakereg/internal/domain"
	"lakereg/internal/fsutil"
)

type IntegrityReport struct {
	ArtifactID string `json:"artifact_id"`
	Path       string `json:"path"`
	Expected   string `json:"expected_file_hash"`
	Actual     string `json:"actual_file_hash,omitempty"`
	OK         bool   `json:"ok"`
}

// VerifyIntegrity re-hashes the payload file of id. It only reports; a
// mismatch is returned as corruption alongside the report and nothing is
// repaired.
func (s Store) VerifyIntegrity(ctx context.Context, id string) (IntegrityReport, error) {
	const op = "manifest.verify"
	a, err := s.GetArtifact(ctx, id)
	if err != nil {
		return IntegrityReport{}, err
	}
	path := filepath.Join(s.Root, filepath.FromSlash(a.PathData))
	report := IntegrityReport{ArtifactID: id, Path: path, Expected: a.FileHash}
	actual, err := fsutil.FileSHA256(path)
	if errors.Is(err, os.ErrNotExist) {
		return report, domain.Corruption(op, path, 0, fmt.Errorf("payload file of %s is missing", id))
	}
	if err != nil {
		return report, domain.IO(op, path, err)
	}
	report.Actual = actual
	if actual != a.FileHash {
		return report, domain.Corruption(op, path, 0, fmt.Errorf("file hash of %s is %s, manifest says %s", id, actual, a.FileHash))
	}
	report.OK = true
	return report, nil
}
