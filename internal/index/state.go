package index

import (
	"errors"
	"path/filepath"

	"github.com/gofrs/flock"
)

// State is the lifecycle state of an index directory.
type State string

const (
	StateAbsent   State = "absent"
	StateBuilding State = "building"
	StateBuilt    State = "built"
	StateStale    State = "stale"
)

// Status describes what Inspect found.
type Status struct {
	State    State
	Manifest *Manifest // nil when absent or unreadable
	Err      error     // why the published build could not be read
}

// Inspect reports the state of the index in dir for the configured embedding
// model. A build in progress wins over the published state.
func Inspect(dir, model string) Status {
	var st Status

	lock := flock.New(filepath.Join(dir, lockFile))
	if locked, err := lock.TryLock(); err == nil {
		if !locked {
			st.State = StateBuilding
		} else {
			lock.Unlock()
		}
	}

	id, err := CurrentBuildID(dir)
	if err != nil {
		if st.State == "" {
			st.State = StateAbsent
		}
		if !errors.Is(err, ErrAbsent) {
			st.Err = err
		}
		return st
	}

	m, err := readManifest(filepath.Join(dir, buildsDir, id, ManifestFile))
	if err != nil {
		st.Err = &IndexLoadError{Path: filepath.Join(dir, buildsDir, id), Err: err}
		if st.State == "" {
			st.State = StateAbsent
		}
		return st
	}
	st.Manifest = &m
	if st.State != "" {
		return st
	}
	if model != "" && m.EmbeddingModel != model {
		st.State = StateStale
	} else {
		st.State = StateBuilt
	}
	return st
}
