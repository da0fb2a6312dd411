package downloader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"mangafetch/internal"
	"mangafetch/utils"
)

const (
	// StateFileExt is appended to the partial-file path to name the sidecar
	StateFileExt = ".json"

	// maxStateAge bounds how long an abandoned partial file stays resumable
	maxStateAge = 7 * 24 * time.Hour
)

// ResumeState is the sidecar persisted next to a partial download. It lets
// a later run validate the partial bytes against the remote resource.
type ResumeState struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	ExpectedSize int64     `json:"expected_size"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdate   time.Time `json:"last_update"`
}

// validator returns the If-Range value for a resume, preferring a strong ETag
func (s *ResumeState) validator() string {
	if s.ETag != "" && !isWeakETag(s.ETag) {
		return s.ETag
	}
	return s.LastModified
}

func isWeakETag(etag string) bool {
	return len(etag) >= 2 && etag[:2] == "W/"
}

// StateStore reads and writes transfer sidecars
type StateStore struct {
	fileOps *utils.FileOperations
	now     func() time.Time
}

// NewStateStore creates a sidecar store
func NewStateStore() *StateStore {
	return &StateStore{
		fileOps: utils.NewFileOperations(),
		now:     time.Now,
	}
}

func (s *StateStore) path(dest string) string {
	return s.fileOps.TempPath(dest) + StateFileExt
}

// Save records the current transfer state
func (s *StateStore) Save(state *internal.TransferState) error {
	now := s.now()
	rs := ResumeState{
		ID:           state.ID,
		URL:          state.URL,
		ExpectedSize: state.ExpectedSize,
		ETag:         state.ETag,
		LastModified: state.LastModified,
		CreatedAt:    state.StartedAt,
		LastUpdate:   now,
	}
	if prev, err := s.Load(state.DestinationPath); err == nil && prev != nil && prev.URL == state.URL {
		rs.CreatedAt = prev.CreatedAt
	}

	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal transfer state: %w", err)
	}

	path := s.path(state.DestinationPath)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write transfer state: %w", err)
	}
	return s.fileOps.ReplaceFile(tmp, path)
}

// Load returns the sidecar for dest, or nil when there is none
func (s *StateStore) Load(dest string) (*ResumeState, error) {
	data, err := os.ReadFile(s.path(dest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer state: %w", err)
	}

	var rs ResumeState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transfer state: %w", err)
	}
	return &rs, nil
}

// Remove deletes the sidecar for dest
func (s *StateStore) Remove(dest string) error {
	return s.fileOps.RemoveIfExists(s.path(dest))
}

// Compatible reports whether a partial file of partialSize bytes, described
// by rs, may be resumed for url.
func (s *StateStore) Compatible(rs *ResumeState, url string, partialSize int64) error {
	if rs == nil {
		return nil
	}
	if rs.URL != url {
		return fmt.Errorf("partial file belongs to %s", rs.URL)
	}
	if rs.ExpectedSize >= 0 && partialSize > rs.ExpectedSize {
		return fmt.Errorf("partial file is larger than the expected %d bytes", rs.ExpectedSize)
	}
	if age := s.now().Sub(rs.LastUpdate); age > maxStateAge {
		return fmt.Errorf("partial file is too old (last update: %s)", rs.LastUpdate.Format(time.RFC3339))
	}
	return nil
}
