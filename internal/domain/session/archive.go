package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// Archive persists terminal session states as gzip-compressed JSON, one
// file per completed session.
type Archive struct {
	dir string
}

// NewArchive creates the archive directory if needed.
func NewArchive(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session archive directory: %w", err)
	}
	return &Archive{dir: dir}, nil
}

// Save writes one terminal state.
func (a *Archive) Save(state *State) error {
	name := fmt.Sprintf("%s_%s.json.gz", state.OwnerID, state.EndedAt.Format("20060102-150405"))
	path := filepath.Join(a.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}
	defer f.Close()

	w := gzip.NewWriter(f)
	if err := json.NewEncoder(w).Encode(state); err != nil {
		w.Close()
		return fmt.Errorf("encoding session state: %w", err)
	}
	return w.Close()
}

// Load reads one archived state back, mainly for tooling and tests.
func (a *Archive) Load(filename string) (*State, error) {
	f, err := os.Open(filepath.Join(a.dir, filename))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer r.Close()

	var state State
	if err := json.NewDecoder(r).Decode(&state); err != nil {
		return nil, fmt.Errorf("decoding session state: %w", err)
	}
	return &state, nil
}
