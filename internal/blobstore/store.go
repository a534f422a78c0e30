package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Download when the key does not exist
var ErrNotFound = errors.New("blob not found")

const (
	// OutputPrefix is where the execution engine writes run outputs
	OutputPrefix = "output/"
	// SamplesheetFilename is the name of the run-root sample sheet
	SamplesheetFilename = "samplesheet.csv"
)

// ObjectInfo describes a stored blob
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is the blob storage port used by preparation, completion and cleanup
type Store interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Copy(ctx context.Context, srcKey, dstKey string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Delete removes a key. Deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error
	// URL renders the reference handed to the execution engine
	URL(key string) string
}

// NewRunDirectory returns a fresh random token for a run namespace
func NewRunDirectory() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsRunKey reports whether key lies inside a run directory, i.e. its first
// segment has the shape NewRunDirectory produces
func IsRunKey(key string) bool {
	dir, _, found := strings.Cut(strings.TrimPrefix(key, "/"), "/")
	if !found || len(dir) != 32 {
		return false
	}
	for _, r := range dir {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// SamplePrefix is the per-sample input prefix inside a run directory
func SamplePrefix(sampleID string) string {
	return fmt.Sprintf("input/Sample_%s/", sampleID)
}

// Key builds {runDir}/{prefix}{filename}
func Key(runDir, prefix, filename string) string {
	return runDir + "/" + prefix + filename
}

// RunPrefix is the listing prefix covering everything a run owns. The
// trailing slash keeps "abc" from matching "abcd/...".
func RunPrefix(runDir string) string {
	return runDir + "/"
}

// DurableOutputKey is where completion keeps an output outside the run
// directory: outputs/{executionID}/{rel}
func DurableOutputKey(executionID, rel string) string {
	return "outputs/" + executionID + "/" + strings.TrimPrefix(rel, "/")
}

// BaseName returns the last path element of a key
func BaseName(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// DeletePrefix removes every blob under prefix and returns how many keys
// were deleted. An empty prefix is refused.
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	if prefix == "" || prefix == "/" {
		return 0, fmt.Errorf("refusing to delete with empty prefix")
	}

	objects, err := s.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	deleted := 0
	for _, obj := range objects {
		if err := s.Delete(ctx, obj.Key); err != nil {
			return deleted, fmt.Errorf("failed to delete %s: %w", obj.Key, err)
		}
		deleted++
	}
	return deleted, nil
}
