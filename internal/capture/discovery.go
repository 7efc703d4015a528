package capture

import (
	"sort"
	"sync"

	"github.com/pastebarcode/pastebarcode/internal/logger"
)

// Backend identifies the driver path used to open a camera
type Backend string

const (
	BackendV4L2      Backend = "v4l2"
	BackendGStreamer Backend = "gstreamer"
	BackendAny       Backend = "any"
)

// Candidate is one backend entry for a physical camera. Several candidates can
// report the same device name through different driver paths.
type Candidate struct {
	Name    string  `json:"name"`
	Index   int     `json:"index"`
	Path    string  `json:"path"`
	Backend Backend `json:"backend"`
	// Rank orders candidates of one device, lowest is tried first
	Rank int `json:"rank"`
}

// Enumerator lists the camera candidates attached to the machine
type Enumerator interface {
	Enumerate() ([]Candidate, error)
}

// EnumeratorFunc adapts a function to the Enumerator interface
type EnumeratorFunc func() ([]Candidate, error)

// Enumerate calls f
func (f EnumeratorFunc) Enumerate() ([]Candidate, error) {
	return f()
}

// DeviceCatalog caches camera discovery results grouped by device name.
// Discovery runs once per catalog; concurrent callers wait for it to finish.
// A failed discovery is not cached so the next query retries.
type DeviceCatalog struct {
	enum Enumerator

	mu     sync.Mutex
	loaded bool
	names  []string
	byName map[string][]Candidate
}

// NewDeviceCatalog creates a catalog backed by the given enumerator
func NewDeviceCatalog(enum Enumerator) *DeviceCatalog {
	return &DeviceCatalog{enum: enum}
}

// Options returns the distinct device names in discovery order
func (c *DeviceCatalog) Options() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loadLocked()
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Candidates returns the entries for a device name, preferred backend first
func (c *DeviceCatalog) Candidates(name string) ([]Candidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loadLocked()
	cands, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	out := make([]Candidate, len(cands))
	copy(out, cands)
	return out, true
}

func (c *DeviceCatalog) loadLocked() {
	if c.loaded {
		return
	}

	log := logger.WithComponent("camera-discovery")

	found, err := c.enum.Enumerate()
	if err != nil {
		log.Warn().Err(err).Msg("Camera discovery failed")
		return
	}

	names, byName := groupCandidates(found)
	c.names = names
	c.byName = byName
	c.loaded = true

	log.Info().
		Int("devices", len(names)).
		Int("candidates", len(found)).
		Msg("Camera discovery complete")
}

// groupCandidates groups entries by device name, keeping first-seen order of
// names and sorting each group by rank then index.
func groupCandidates(found []Candidate) ([]string, map[string][]Candidate) {
	names := make([]string, 0)
	byName := make(map[string][]Candidate)

	for _, cand := range found {
		if cand.Name == "" {
			continue
		}
		if _, exists := byName[cand.Name]; !exists {
			names = append(names, cand.Name)
		}
		byName[cand.Name] = append(byName[cand.Name], cand)
	}

	for _, cands := range byName {
		sort.SliceStable(cands, func(i, j int) bool {
			if cands[i].Rank != cands[j].Rank {
				return cands[i].Rank < cands[j].Rank
			}
			return cands[i].Index < cands[j].Index
		})
	}

	return names, byName
}
