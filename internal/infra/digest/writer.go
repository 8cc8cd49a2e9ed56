package digest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/usecase"
)

const fileTimeLayout = "20060102150405"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Writer stores one JSON digest per verification run. The local directory is
// a working copy and may be overwritten; the archive directory, when set, is
// write-once.
type Writer struct {
	Dir        string
	ArchiveDir string
}

func NewWriter(dir, archiveDir string) *Writer {
	return &Writer{Dir: dir, ArchiveDir: archiveDir}
}

// Digest is the file body: the run result plus the time it was written.
type Digest struct {
	domain.AuditVerificationResult
	WrittenAt time.Time `json:"written_at"`
}

// Write names the file after the end of the verified window, so reruns of the
// same window land on the same name.
func (w *Writer) Write(result domain.AuditVerificationResult, writtenAt time.Time) (string, error) {
	if w == nil || w.Dir == "" {
		return "", errors.New("digest directory is not configured")
	}
	body, err := json.MarshalIndent(Digest{AuditVerificationResult: result, WrittenAt: writtenAt.UTC()}, "", "  ")
	if err != nil {
		return "", err
	}
	body = append(body, '\n')
	name := FileName(result.Tenant, result.WindowEnd)

	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create digest dir: %w", err)
	}
	path := filepath.Join(w.Dir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write digest: %w", err)
	}
	if w.ArchiveDir != "" {
		if err := archive(w.ArchiveDir, name, body); err != nil {
			return path, err
		}
	}
	return path, nil
}

// FileName is {tenant}-{yyyyMMddHHmmss}.json in UTC.
func FileName(tenant string, at time.Time) string {
	return unsafeName.ReplaceAllString(tenant, "_") + "-" + at.UTC().Format(fileTimeLayout) + ".json"
}

// archive never replaces an existing file. A second digest for the same
// tenant and window end is dropped.
func archive(dir, name string, body []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open archive digest: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return fmt.Errorf("write archive digest: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(path, 0o444)
}

var _ usecase.DigestWriter = (*Writer)(nil)
