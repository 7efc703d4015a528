// Package sound plays the detection beep through an external audio player.
package sound

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pastebarcode/pastebarcode/internal/logger"
)

// Tone parameters of the beep
const (
	SampleRate = 44100
	Duration   = 300 * time.Millisecond
	Frequency  = 5000.0
	Decay      = 30.0
)

// players are tried in order; the WAV path is appended to args
var players = []struct {
	name string
	args []string
}{
	{"paplay", nil},
	{"pw-play", nil},
	{"aplay", []string{"-q"}},
	{"afplay", nil},
}

// Samples generates the beep: a sine tone with exponential decay
func Samples() []int16 {
	n := SampleRate * int(Duration/time.Millisecond) / 1000
	out := make([]int16, n)
	for i := range out {
		t := float64(i) / SampleRate
		v := math.Sin(2*math.Pi*Frequency*t) * math.Exp(-t*Decay) * 32767
		out[i] = int16(v)
	}
	return out
}

// EncodeWAV wraps mono 16-bit PCM samples in a RIFF/WAVE container
func EncodeWAV(samples []int16, sampleRate int) []byte {
	dataSize := uint32(len(samples) * 2)
	buf := new(bytes.Buffer)
	buf.Grow(44 + int(dataSize))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))           // chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))            // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1))            // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))   // sample rate
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(buf, binary.LittleEndian, uint16(16))           // bits per sample

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
	binary.Write(buf, binary.LittleEndian, samples)
	return buf.Bytes()
}

// Beeper plays the beep without blocking the caller. A beep requested while
// the previous one is still playing is skipped.
type Beeper struct {
	path    string
	command []string
	playing atomic.Bool
	run     func(ctx context.Context, name string, args ...string) error
}

// NewBeeper writes the beep into dir and picks the first installed player
func NewBeeper(dir string) (*Beeper, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sound directory: %w", err)
	}
	path := filepath.Join(dir, "beep.wav")
	if err := os.WriteFile(path, EncodeWAV(Samples(), SampleRate), 0644); err != nil {
		return nil, fmt.Errorf("failed to write beep: %w", err)
	}

	for _, p := range players {
		if _, err := exec.LookPath(p.name); err == nil {
			logger.WithComponent("sound").Info().Str("player", p.name).Msg("Beep enabled")
			return newBeeper(path, append(append([]string{p.name}, p.args...), path), runCommand), nil
		}
	}
	return nil, fmt.Errorf("no audio player found (tried paplay, pw-play, aplay, afplay)")
}

func newBeeper(path string, command []string, run func(ctx context.Context, name string, args ...string) error) *Beeper {
	return &Beeper{path: path, command: command, run: run}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Path returns the generated WAV file
func (b *Beeper) Path() string {
	return b.path
}

// Beep starts playback in the background
func (b *Beeper) Beep() {
	if !b.playing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer b.playing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.run(ctx, b.command[0], b.command[1:]...); err != nil {
			logger.WithComponent("sound").Debug().Err(err).Msg("Beep playback failed")
		}
	}()
}
