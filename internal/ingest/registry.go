package ingest

import (
	"os"
	"sync"
	"time"

	"omniconvert/internal/apperr"
	"omniconvert/internal/models"
)

// Registry maps ingested file IDs to their sandbox records. Clients only
// ever reference files by ID.
type Registry struct {
	mu    sync.RWMutex
	files map[string]models.IngestedFile
}

func NewRegistry() *Registry {
	return &Registry{files: make(map[string]models.IngestedFile)}
}

func (r *Registry) Put(f models.IngestedFile) {
	r.mu.Lock()
	r.files[f.ID] = f
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (models.IngestedFile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.files[id]
	return f, ok
}

// Resolve looks up every id in order. An unknown id fails the whole call.
func (r *Registry) Resolve(ids []string) ([]models.IngestedFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.IngestedFile, 0, len(ids))
	for _, id := range ids {
		f, ok := r.files[id]
		if !ok {
			return nil, apperr.New(apperr.KindInput, "Unknown file reference %q. Upload the file again.", id)
		}
		out = append(out, f)
	}
	return out, nil
}

// Remove forgets id and deletes its sandbox copy.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	f, ok := r.files[id]
	delete(r.files, id)
	r.mu.Unlock()
	if ok {
		_ = os.Remove(f.SafePath)
	}
}

// Purge forgets every record. Sandbox files are left to the caller.
func (r *Registry) Purge() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.files)
	r.files = make(map[string]models.IngestedFile)
	return n
}

// PurgeOlderThan removes records ingested before cutoff together with
// their sandbox copies.
func (r *Registry) PurgeOlderThan(cutoff time.Time) int {
	r.mu.Lock()
	var stale []models.IngestedFile
	for id, f := range r.files {
		if f.IngestedAt.Before(cutoff) {
			stale = append(stale, f)
			delete(r.files, id)
		}
	}
	r.mu.Unlock()

	for _, f := range stale {
		_ = os.Remove(f.SafePath)
	}
	return len(stale)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.files)
}
