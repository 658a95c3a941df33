// Package cue plays short local sounds around a conversation: an
// acknowledgement after the wake word, a goodbye when it ends and a failure
// tone when the remote service cannot be reached.
//
// Cues come from WAV files when configured and fall back to generated tones
// otherwise, so a fresh install is never silent.
package cue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/wakeline/pkg/audio"
)

// Kind selects a cue.
type Kind int

const (
	// Wake acknowledges the wake word before the session opens.
	Wake Kind = iota

	// Goodbye marks the end of a conversation.
	Goodbye

	// Failure reports that the conversation could not start.
	Failure
)

// String returns the cue name used in logs.
func (k Kind) String() string {
	switch k {
	case Wake:
		return "wake"
	case Goodbye:
		return "goodbye"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// chunkDuration is how much audio each Sink.Write carries, bounding how long
// a cancelled cue keeps sounding.
const chunkDuration = 20 * time.Millisecond

// Player holds decoded cue clips at one sample rate.
type Player struct {
	dev   audio.Device
	rate  int
	clips map[Kind][]byte
}

// New returns a Player for dev at rate Hz. files maps a cue to a WAV path;
// missing or empty entries and files that fail to decode use a generated
// tone instead.
func New(dev audio.Device, rate int, files map[Kind]string) *Player {
	p := &Player{dev: dev, rate: rate, clips: make(map[Kind][]byte, 3)}
	for _, k := range []Kind{Wake, Goodbye, Failure} {
		path := files[k]
		if path == "" {
			p.clips[k] = Tone(k, rate)
			continue
		}
		pcm, err := LoadWAV(path, rate)
		if err != nil {
			slog.Warn("cue file unusable, using tone", "cue", k, "path", path, "err", err)
			p.clips[k] = Tone(k, rate)
			continue
		}
		p.clips[k] = pcm
	}
	return p
}

// Clip returns the PCM16 mono audio for k.
func (p *Player) Clip(k Kind) []byte { return p.clips[k] }

// Play opens a playback stream, writes the cue and closes the stream again.
// Cancelling ctx interrupts the cue.
func (p *Player) Play(ctx context.Context, k Kind) error {
	pcm, ok := p.clips[k]
	if !ok {
		return fmt.Errorf("cue: unknown cue %d", k)
	}
	chunk := p.rate * int(chunkDuration/time.Millisecond) / 1000 * 2
	sink, err := p.dev.OpenPlayback(ctx, audio.Format{SampleRate: p.rate, FrameSamples: chunk / 2})
	if err != nil {
		return fmt.Errorf("cue: open playback: %w", err)
	}
	defer sink.Close()

	stop := context.AfterFunc(ctx, sink.Interrupt)
	defer stop()

	for off := 0; off < len(pcm); off += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+chunk, len(pcm))
		if err := sink.Write(ctx, pcm[off:end]); err != nil {
			return fmt.Errorf("cue: play %s: %w", k, err)
		}
	}
	return nil
}

// LoadWAV decodes a PCM WAV file to PCM16 mono at rate Hz. Multi-channel
// files are downmixed.
func LoadWAV(path string, rate int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, errors.New("not a PCM WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, errors.New("empty WAV file")
	}
	depth := int(dec.BitDepth)
	if depth == 0 {
		depth = 16
	}
	channels, srcRate := 1, rate
	if buf.Format != nil {
		channels = max(buf.Format.NumChannels, 1)
		srcRate = buf.Format.SampleRate
	}
	mono := audio.Downmix(audio.FromInt16s(toInt16(buf, depth)), channels)
	return audio.ResampleMono16(mono, srcRate, rate), nil
}

// toInt16 rescales interleaved samples of any bit depth to int16.
func toInt16(buf *goaudio.IntBuffer, depth int) []int16 {
	shift := depth - 16
	out := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case depth == 8:
			// 8-bit WAV is unsigned.
			v = (v - 128) << 8
		case shift > 0:
			v >>= shift
		case shift < 0:
			v <<= -shift
		}
		out[i] = int16(min(max(v, math.MinInt16), math.MaxInt16))
	}
	return out
}

// notes are the tone frequencies (Hz) of each generated cue.
var notes = map[Kind][]float64{
	Wake:    {660, 880},
	Goodbye: {880, 660},
	Failure: {330, 0, 330},
}

// Tone synthesises the fallback sound for k: short sine notes with a linear
// fade in and out so they do not click. A zero frequency is a rest.
func Tone(k Kind, rate int) []byte {
	const (
		note = 120 * time.Millisecond
		fade = 10 * time.Millisecond
		amp  = 0.3 * math.MaxInt16
	)
	n := rate * int(note/time.Millisecond) / 1000
	f := rate * int(fade/time.Millisecond) / 1000
	var samples []int16
	for _, hz := range notes[k] {
		for i := range n {
			if hz == 0 {
				samples = append(samples, 0)
				continue
			}
			env := 1.0
			if i < f {
				env = float64(i) / float64(f)
			} else if i >= n-f {
				env = float64(n-i) / float64(f)
			}
			v := amp * env * math.Sin(2*math.Pi*hz*float64(i)/float64(rate))
			samples = append(samples, int16(v))
		}
	}
	return audio.FromInt16s(samples)
}
