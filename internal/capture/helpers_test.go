package capture

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// tagged returns a 4x2 frame whose first red byte identifies the source
func tagged(tag uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	img.SetRGBA(0, 0, color.RGBA{R: tag, A: 255})
	return img
}

// eventLog records ordered lifecycle events from fakes
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) index(event string) int {
	for i, e := range l.snapshot() {
		if e == event {
			return i
		}
	}
	return -1
}

// frameCounter is a thread-safe consumer
type frameCounter struct {
	n    atomic.Int64
	mu   sync.Mutex
	tags []uint8
}

func (c *frameCounter) handle(f Frame) {
	c.n.Add(1)
	c.mu.Lock()
	c.tags = append(c.tags, f.Image.Pix[0])
	c.mu.Unlock()
}

func (c *frameCounter) count() int64 {
	return c.n.Load()
}

func (c *frameCounter) tagsSince(i int) []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.tags) {
		return nil
	}
	out := make([]uint8, len(c.tags)-i)
	copy(out, c.tags[i:])
	return out
}

func (c *frameCounter) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tags)
}

// fakeDevice produces tagged frames until closed or interrupted
type fakeDevice struct {
	tag       uint8
	path      string
	log       *eventLog
	failFirst int
	block     bool

	reads     atomic.Int64
	closed    atomic.Bool
	interrupt chan struct{}
	once      sync.Once
}

func (d *fakeDevice) Read() (*image.RGBA, error) {
	n := d.reads.Add(1)
	if d.block {
		<-d.interrupt
		return nil, errors.New("interrupted")
	}
	time.Sleep(time.Millisecond)
	if int(n) <= d.failFirst {
		return nil, errors.New("read failed")
	}
	return tagged(d.tag), nil
}

func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	d.log.add("close:%s", d.path)
	return nil
}

func (d *fakeDevice) Interrupt() {
	d.once.Do(func() { close(d.interrupt) })
}

// fakeCameras is an enumerator plus opener over a fixed set of nodes
type fakeCameras struct {
	log        *eventLog
	candidates []Candidate
	broken     map[string]bool
	tags       map[string]uint8
	failFirst  int
	block      bool

	enumerations atomic.Int64
	mu           sync.Mutex
	opened       []*fakeDevice
}

func (f *fakeCameras) Enumerate() ([]Candidate, error) {
	f.enumerations.Add(1)
	return f.candidates, nil
}

func (f *fakeCameras) Open(c Candidate) (Device, error) {
	key := fmt.Sprintf("%s/%s", c.Path, c.Backend)
	if f.broken[key] {
		f.log.add("fail:%s", key)
		return nil, errors.New("cannot open")
	}
	f.log.add("open:%s", c.Path)
	d := &fakeDevice{
		tag:       f.tags[c.Path],
		path:      c.Path,
		log:       f.log,
		failFirst: f.failFirst,
		block:     f.block,
		interrupt: make(chan struct{}),
	}
	f.mu.Lock()
	f.opened = append(f.opened, d)
	f.mu.Unlock()
	return d, nil
}

func newFakeCameras() *fakeCameras {
	return &fakeCameras{
		log: &eventLog{},
		candidates: []Candidate{
			{Name: "Webcam A", Index: 0, Path: "/dev/video0", Backend: BackendV4L2, Rank: 0},
			{Name: "Webcam A", Index: 1, Path: "/dev/video1", Backend: BackendV4L2, Rank: 2},
			{Name: "Webcam B", Index: 2, Path: "/dev/video2", Backend: BackendV4L2, Rank: 0},
		},
		broken: map[string]bool{},
		tags: map[string]uint8{
			"/dev/video0": 10,
			"/dev/video1": 11,
			"/dev/video2": 20,
		},
	}
}

// fakeCapturer records lifecycle calls for orchestrator tests
type fakeCapturer struct {
	name    string
	reg     *fakeRegistry
	id      int
	sink    sink
	options []string

	mu      sync.Mutex
	running bool
	option  string
	starts  int
	stops   int
}

func (c *fakeCapturer) Name() string { return c.name }

func (c *fakeCapturer) SetFrameCallback(fn FrameFunc) { c.sink.set(fn) }

func (c *fakeCapturer) SetOption(option string) error {
	for _, o := range c.options {
		if o == option {
			c.mu.Lock()
			c.option = option
			c.mu.Unlock()
			c.reg.log.add("option:%d:%s", c.id, option)
			return nil
		}
	}
	return &OptionError{Label: option, Kind: c.name}
}

func (c *fakeCapturer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	c.starts++
	c.reg.running.Add(1)
	c.reg.log.add("start:%d", c.id)
	return nil
}

func (c *fakeCapturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	if !c.running {
		return nil
	}
	c.running = false
	c.reg.running.Add(-1)
	c.reg.log.add("stop:%d", c.id)
	return nil
}

// emit simulates the capture goroutine producing a frame
func (c *fakeCapturer) emit(tag uint8) {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		c.sink.deliver(Frame{Image: tagged(tag), CapturedAt: time.Now()})
	}
}

func (c *fakeCapturer) state() (running bool, option string, starts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running, c.option, c.starts
}

// fakeRegistry builds kinds whose instances are tracked
type fakeRegistry struct {
	log        *eventLog
	running    atomic.Int64
	violations atomic.Int64

	mu        sync.Mutex
	instances []*fakeCapturer
}

func (r *fakeRegistry) kind(name string, options []string) Kind {
	k := Kind{
		Name: name,
		New: func() Capturer {
			if r.running.Load() != 0 {
				r.violations.Add(1)
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			c := &fakeCapturer{name: name, reg: r, id: len(r.instances), options: options}
			r.instances = append(r.instances, c)
			r.log.add("new:%d:%s", c.id, name)
			return c
		},
	}
	if options != nil {
		k.Options = func() []string { return options }
	}
	return k
}

func (r *fakeRegistry) instance(i int) *fakeCapturer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances[i]
}

func (r *fakeRegistry) created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}
