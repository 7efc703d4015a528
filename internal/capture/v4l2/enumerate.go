// Package v4l2 discovers Video4Linux cameras from sysfs.
package v4l2

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/pastebarcode/pastebarcode/internal/capture"
	"github.com/pastebarcode/pastebarcode/internal/logger"
)

// SysfsRoot lists one directory per video node
const SysfsRoot = "/sys/class/video4linux"

// Candidate ranks within one node. Capture-capable nodes get the native path
// first and the GStreamer pipeline second. Nodes that failed the probe (often
// metadata nodes) are still offered last through the generic backend.
const (
	rankNative   = 0
	rankPipeline = 1
	rankUnprobed = 2
)

// Prober reports whether a device node supports video capture
type Prober interface {
	CanCapture(path string) (bool, error)
}

// ProbeFunc adapts a function to the Prober interface
type ProbeFunc func(path string) (bool, error)

// CanCapture calls f
func (f ProbeFunc) CanCapture(path string) (bool, error) {
	return f(path)
}

// Enumerator walks sysfs and produces capture candidates
type Enumerator struct {
	fs        afero.Fs
	probe     Prober
	devDir    string
	gstreamer bool
}

// Option configures an Enumerator
type Option func(*Enumerator)

// WithProber replaces the device capability probe
func WithProber(p Prober) Option {
	return func(e *Enumerator) { e.probe = p }
}

// WithGStreamer controls whether pipeline candidates are emitted
func WithGStreamer(enabled bool) Option {
	return func(e *Enumerator) { e.gstreamer = enabled }
}

// NewEnumerator creates an enumerator over fs. Pass afero.NewOsFs() for the
// real machine.
func NewEnumerator(fs afero.Fs, opts ...Option) *Enumerator {
	e := &Enumerator{
		fs:        fs,
		probe:     ProbeFunc(probeDevice),
		devDir:    "/dev",
		gstreamer: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type node struct {
	index int
	name  string
}

// Enumerate lists every video node in index order. A machine without the
// video4linux class has no cameras, which is not an error.
func (e *Enumerator) Enumerate() ([]capture.Candidate, error) {
	log := logger.WithComponent("v4l2")

	entries, err := afero.ReadDir(e.fs, SysfsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", SysfsRoot).Msg("No video4linux class present")
			return nil, nil
		}
		return nil, errors.Wrap(err, "Can not list video devices")
	}

	nodes := make([]node, 0, len(entries))
	for _, entry := range entries {
		idx, ok := parseNodeIndex(entry.Name())
		if !ok {
			continue
		}
		name, err := e.readName(entry.Name())
		if err != nil {
			log.Debug().Err(err).Str("node", entry.Name()).Msg("Skipping video node")
			continue
		}
		nodes = append(nodes, node{index: idx, name: name})
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].index < nodes[j].index })

	var out []capture.Candidate
	for _, n := range nodes {
		path := filepath.Join(e.devDir, "video"+strconv.Itoa(n.index))

		capable, err := e.probe.CanCapture(path)
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Capability probe failed")
		}

		if !capable {
			out = append(out, capture.Candidate{
				Name: n.name, Index: n.index, Path: path,
				Backend: capture.BackendAny, Rank: rankUnprobed,
			})
			continue
		}

		out = append(out, capture.Candidate{
			Name: n.name, Index: n.index, Path: path,
			Backend: capture.BackendV4L2, Rank: rankNative,
		})
		if e.gstreamer {
			out = append(out, capture.Candidate{
				Name: n.name, Index: n.index, Path: path,
				Backend: capture.BackendGStreamer, Rank: rankPipeline,
			})
		}
	}

	return out, nil
}

func (e *Enumerator) readName(entry string) (string, error) {
	raw, err := afero.ReadFile(e.fs, filepath.Join(SysfsRoot, entry, "name"))
	if err != nil {
		return "", errors.Wrap(err, "Can not read device name")
	}
	name := strings.TrimSpace(string(raw))
	if name == "" {
		return "", errors.Errorf("empty device name for %s", entry)
	}
	return name, nil
}

// parseNodeIndex extracts N from "videoN"
func parseNodeIndex(entry string) (int, bool) {
	rest, ok := strings.CutPrefix(entry, "video")
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
