package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSignedUrlUnsupported is returned by backends that cannot mint
	// presigned URLs. Callers should fall back to streaming the artifact.
	ErrSignedUrlUnsupported = errors.New("signed urls are not supported by this storage backend")

	// ErrUsageUnavailable is returned by backends that cannot report
	// capacity, e.g. object stores.
	ErrUsageUnavailable = errors.New("usage stats are not available for this storage backend")
)

type UsageStats struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// ArtifactStore holds uploaded design archives. Artifacts are written once at
// version creation and never modified afterwards.
type ArtifactStore interface {
	Read(path string) (io.ReadCloser, error)

	Write(path string, data io.Reader, size int64) error

	Delete(path string) error

	// DeletePrefix removes every artifact under the given prefix. Used when a
	// project is deleted to reclaim all of its version archives.
	DeletePrefix(prefix string) error

	Exists(path string) (bool, error)

	Size(path string) (int64, error)

	// SignedDownloadUrl returns a time-limited URL for downloading the
	// artifact, with the given filename set as the download name.
	SignedDownloadUrl(ctx context.Context, path, filename string, expiry time.Duration) (string, error)

	Usage() (UsageStats, error)

	Location() string
}

// Artifact paths are always rooted at the owning organization so that a
// tenant's files live under a single prefix.

func ProjectPrefix(orgId, projectId uuid.UUID) string {
	return fmt.Sprintf("org_%v/projects/%v", orgId, projectId)
}

func VersionArtifactPath(orgId, projectId, versionId uuid.UUID, filename string) string {
	return fmt.Sprintf("%v/versions/%v/%v", ProjectPrefix(orgId, projectId), versionId, filename)
}
