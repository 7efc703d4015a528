package capture

import (
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func newTestAPI() (*API, *fakeRegistry) {
	reg := &fakeRegistry{log: &eventLog{}}
	api := NewAPI([]Kind{
		reg.kind(LocalCameraName, []string{"Webcam A", "Webcam B"}),
		reg.kind(NetworkName, nil),
	})
	return api, reg
}

func TestAPI_OptionsLabels(t *testing.T) {
	reg := &fakeRegistry{log: &eventLog{}}
	api := NewAPI([]Kind{
		reg.kind(LocalCameraName, []string{"Webcam A"}),
		reg.kind(NetworkName, nil),
	})

	want := []string{"Local Camera: Webcam A", "Local Network Web"}
	got := api.Options()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Options() = %q, want %q", got, want)
	}

	again := api.Options()
	if !reflect.DeepEqual(again, got) {
		t.Fatalf("Options() not idempotent: %q then %q", got, again)
	}
}

func TestAPI_KindWithNoDevicesListedByName(t *testing.T) {
	reg := &fakeRegistry{log: &eventLog{}}
	api := NewAPI([]Kind{
		reg.kind(LocalCameraName, []string{}),
		reg.kind(NetworkName, nil),
	})

	want := []string{"Local Camera", "Local Network Web"}
	if got := api.Options(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Options() = %q, want %q", got, want)
	}
}

func TestAPI_NoCamerasAttached(t *testing.T) {
	var opens atomic.Int64
	catalog := NewDeviceCatalog(EnumeratorFunc(func() ([]Candidate, error) {
		return nil, nil
	}))
	opener := OpenerFunc(func(c Candidate) (Device, error) {
		opens.Add(1)
		return nil, errors.New("unexpected open")
	})
	api := NewAPI([]Kind{
		NewLocalKind(catalog, opener),
		NewNetworkKind(newFakeFrameServerFunc(), time.Second),
	})
	defer api.Close()

	want := []string{"Local Camera", "Local Network Web"}
	if got := api.Options(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Options() = %q, want %q", got, want)
	}

	var frames frameCounter
	api.SetFrameCallback(frames.handle)
	if err := api.SetOption("Local Camera"); err != nil {
		t.Fatalf("SetOption: %v", err)
	}
	if err := api.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := api.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if opens.Load() != 0 || frames.count() != 0 {
		t.Errorf("opens = %d, frames = %d, want none", opens.Load(), frames.count())
	}
}

func TestAPI_KindSwitchWithRejectedOptionKeepsCapturing(t *testing.T) {
	reg := &fakeRegistry{log: &eventLog{}}
	local := reg.kind(LocalCameraName, []string{"Webcam A"})
	// The menu offers an option the capturer no longer accepts
	local.Options = func() []string { return []string{"Webcam A", "Webcam Gone"} }
	api := NewAPI([]Kind{local, reg.kind(NetworkName, nil)})
	api.Options()

	if err := api.SetOption("Local Network Web"); err != nil {
		t.Fatal(err)
	}
	if err := api.Start(); err != nil {
		t.Fatal(err)
	}

	if err := api.SetOption("Local Camera: Webcam Gone"); err == nil {
		t.Fatal("expected error from rejected option")
	}
	if !api.IsCapturing() {
		t.Fatal("API stopped capturing after a rejected option")
	}
	if running, _, _ := reg.instance(1).state(); !running {
		t.Error("new capturer was not started")
	}
	if running, _, _ := reg.instance(0).state(); running {
		t.Error("previous capturer still running")
	}
}

func TestAPI_StartWithoutSelection(t *testing.T) {
	api, _ := newTestAPI()
	var frames frameCounter
	api.SetFrameCallback(frames.handle)

	err := api.Start()
	if !errors.Is(err, ErrNoCapturerSelected) {
		t.Fatalf("Start() error = %v, want ErrNoCapturerSelected", err)
	}
	if api.IsCapturing() {
		t.Error("API reports capturing after failed start")
	}
	if frames.count() != 0 {
		t.Errorf("got %d frames, want 0", frames.count())
	}
}

func TestAPI_StopWithoutSelectionIsNoop(t *testing.T) {
	api, _ := newTestAPI()
	if err := api.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
}

func TestAPI_UnknownOptionLeavesSelection(t *testing.T) {
	api, reg := newTestAPI()
	api.Options()

	if err := api.SetOption("Local Camera: Webcam A"); err != nil {
		t.Fatalf("SetOption: %v", err)
	}

	err := api.SetOption("Local Camera: Webcam Z")
	if !errors.Is(err, ErrUnknownOption) {
		t.Fatalf("SetOption(unknown) error = %v, want ErrUnknownOption", err)
	}
	var optErr *OptionError
	if !errors.As(err, &optErr) || optErr.Label != "Local Camera: Webcam Z" {
		t.Fatalf("error does not carry the label: %v", err)
	}

	if got := api.Selected(); got != "Local Camera: Webcam A" {
		t.Errorf("Selected() = %q after unknown option", got)
	}
	if reg.created() != 1 {
		t.Errorf("created %d capturers, want 1", reg.created())
	}
	if _, opt, _ := reg.instance(0).state(); opt != "Webcam A" {
		t.Errorf("instance option = %q, want Webcam A", opt)
	}
}

func TestAPI_SetOptionWithoutPriorOptionsQuery(t *testing.T) {
	api, _ := newTestAPI()

	if err := api.SetOption("Local Network Web"); err != nil {
		t.Fatalf("SetOption: %v", err)
	}
	if got := api.Status().Kind; got != NetworkName {
		t.Errorf("Status().Kind = %q", got)
	}
}

func TestAPI_StartAndForwardFrames(t *testing.T) {
	api, reg := newTestAPI()
	var frames frameCounter
	api.SetFrameCallback(frames.handle)

	if err := api.SetOption("Local Network Web"); err != nil {
		t.Fatal(err)
	}
	if err := api.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c := reg.instance(0)
	for i := 0; i < 3; i++ {
		c.emit(uint8(i))
	}

	if frames.count() != 3 {
		t.Fatalf("got %d frames, want 3", frames.count())
	}
	if got := frames.tagsSince(0); !reflect.DeepEqual(got, []uint8{0, 1, 2}) {
		t.Errorf("frames out of order: %v", got)
	}

	st := api.Status()
	if !st.Capturing || st.FramesDelivered != 3 || st.LastFrameAt.IsZero() {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestAPI_ReplaceFrameCallback(t *testing.T) {
	api, reg := newTestAPI()
	var first, second frameCounter
	api.SetFrameCallback(first.handle)

	_ = api.SetOption("Local Network Web")
	_ = api.Start()
	c := reg.instance(0)

	c.emit(1)
	api.SetFrameCallback(second.handle)
	c.emit(2)

	if first.count() != 1 || second.count() != 1 {
		t.Fatalf("first=%d second=%d, want 1 and 1", first.count(), second.count())
	}
}

func TestAPI_SwitchKindStopsOldBeforeNew(t *testing.T) {
	api, reg := newTestAPI()
	var frames frameCounter
	api.SetFrameCallback(frames.handle)

	_ = api.SetOption("Local Camera: Webcam A")
	if err := api.Start(); err != nil {
		t.Fatal(err)
	}
	old := reg.instance(0)

	if err := api.SetOption("Local Network Web"); err != nil {
		t.Fatalf("SetOption: %v", err)
	}

	if reg.violations.Load() != 0 {
		t.Fatal("new capturer created while the old one was running")
	}
	if reg.created() != 2 {
		t.Fatalf("created %d capturers, want 2", reg.created())
	}
	if reg.log.index("stop:0") > reg.log.index("new:1:"+NetworkName) {
		t.Errorf("old capturer stopped after the new one was created: %v", reg.log.snapshot())
	}

	// The new kind starts immediately since the API is capturing
	if running, _, _ := reg.instance(1).state(); !running {
		t.Error("new capturer not started while capturing")
	}
	if reg.running.Load() != 1 {
		t.Errorf("%d capturers running, want 1", reg.running.Load())
	}

	before := frames.count()
	old.emit(99)
	if frames.count() != before {
		t.Error("frame from replaced capturer was delivered")
	}
}

func TestAPI_SameKindForwardsOption(t *testing.T) {
	api, reg := newTestAPI()

	_ = api.SetOption("Local Camera: Webcam A")
	_ = api.Start()

	if err := api.SetOption("Local Camera: Webcam B"); err != nil {
		t.Fatalf("SetOption: %v", err)
	}

	if reg.created() != 1 {
		t.Fatalf("created %d capturers, want 1", reg.created())
	}
	running, option, starts := reg.instance(0).state()
	if !running || option != "Webcam B" || starts != 1 {
		t.Errorf("running=%v option=%q starts=%d", running, option, starts)
	}
	if api.Selected() != "Local Camera: Webcam B" {
		t.Errorf("Selected() = %q", api.Selected())
	}
}

func TestAPI_SelectWhileIdleDoesNotStart(t *testing.T) {
	api, reg := newTestAPI()

	_ = api.SetOption("Local Camera: Webcam A")
	_ = api.SetOption("Local Network Web")

	if reg.running.Load() != 0 {
		t.Fatal("capturer started without Start()")
	}
	if api.Status().Capturing {
		t.Fatal("API capturing without Start()")
	}
}

func TestAPI_StopStartCycles(t *testing.T) {
	api, reg := newTestAPI()
	var frames frameCounter
	api.SetFrameCallback(frames.handle)
	_ = api.SetOption("Local Network Web")

	for i := 0; i < 5; i++ {
		if err := api.Start(); err != nil {
			t.Fatal(err)
		}
		reg.instance(0).emit(1)
		if err := api.Stop(); err != nil {
			t.Fatal(err)
		}
		n := frames.count()
		reg.instance(0).emit(2)
		if frames.count() != n {
			t.Fatalf("cycle %d: frame delivered after Stop", i)
		}
	}
	if frames.count() != 5 {
		t.Errorf("got %d frames, want 5", frames.count())
	}
}

func TestAPI_Close(t *testing.T) {
	api, reg := newTestAPI()
	_ = api.SetOption("Local Network Web")
	_ = api.Start()

	if err := api.Close(); err != nil {
		t.Fatal(err)
	}
	if reg.running.Load() != 0 {
		t.Error("capturer still running after Close")
	}
	if !errors.Is(api.Start(), ErrNoCapturerSelected) {
		t.Error("Start after Close should report no capturer selected")
	}
}

func TestQualifiedLabel(t *testing.T) {
	if got := QualifiedLabel("Local Camera", "Webcam A"); got != "Local Camera: Webcam A" {
		t.Errorf("got %q", got)
	}
	if got := QualifiedLabel("Local Network Web", ""); got != "Local Network Web" {
		t.Errorf("got %q", got)
	}
}
