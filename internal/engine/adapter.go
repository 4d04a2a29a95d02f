// Package engine adapts the model inference service into a function from
// (prompt, duration) to an audio segment at the model's native rate.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/book-expert/logger"

	"github.com/makeasinger/musicgen/internal/audio"
	"github.com/makeasinger/musicgen/internal/client"
)

var (
	ErrGeneration     = errors.New("generation failed")
	ErrUnexpectedRate = errors.New("unexpected sample rate from engine")
)

const toneFrequency = 440.0

// Options configures the adapter.
type Options struct {
	SampleRate      int
	TokensPerSecond int
	MaxConcurrency  int
	MelodySeconds   int
}

// Adapter serializes access to the inference service and decodes its output.
// With a nil client it synthesizes a 440 Hz tone instead.
type Adapter struct {
	client client.InferenceClient
	opts   Options
	sem    chan struct{}
	log    *logger.Logger
}

func NewAdapter(c client.InferenceClient, opts Options, log *logger.Logger) *Adapter {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 32000
	}
	if opts.TokensPerSecond <= 0 {
		opts.TokensPerSecond = 50
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.MelodySeconds <= 0 {
		opts.MelodySeconds = 30
	}
	return &Adapter{
		client: c,
		opts:   opts,
		sem:    make(chan struct{}, opts.MaxConcurrency),
		log:    log,
	}
}

// SampleRate is the model's native output rate.
func (a *Adapter) SampleRate() int { return a.opts.SampleRate }

// IsMock reports whether the adapter synthesizes audio locally.
func (a *Adapter) IsMock() bool { return a.client == nil }

// TokenBudget is the decoder step budget for a clip of length d.
func (a *Adapter) TokenBudget(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	return a.opts.TokensPerSecond * secs
}

func (a *Adapter) acquire(ctx context.Context) error {
	select {
	case a.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) release() { <-a.sem }

// Generate runs one inference. At most MaxConcurrency calls run at once;
// waiting callers give up when ctx is done.
func (a *Adapter) Generate(ctx context.Context, prompt string, d time.Duration, melody *audio.Segment) (audio.Segment, error) {
	if err := a.acquire(ctx); err != nil {
		return audio.Segment{}, err
	}
	defer a.release()

	if a.client == nil {
		select {
		case <-ctx.Done():
			return audio.Segment{}, ctx.Err()
		default:
		}
		return Tone(a.opts.SampleRate, d, toneFrequency), nil
	}

	req := &client.InferenceRequest{
		Prompt:       prompt,
		Duration:     int(math.Ceil(d.Seconds())),
		MaxNewTokens: a.TokenBudget(d),
		SampleRate:   a.opts.SampleRate,
	}
	if melody != nil {
		req.Melody = encodeFloat32(melody.Samples)
	}

	start := time.Now()
	data, err := a.client.Generate(ctx, req)
	if err != nil {
		return audio.Segment{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	seg, err := audio.DecodeWAVBytes(data)
	if err != nil {
		return audio.Segment{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	if seg.SampleRate != a.opts.SampleRate {
		return audio.Segment{}, fmt.Errorf("%w: %w: got %d, want %d", ErrGeneration, ErrUnexpectedRate, seg.SampleRate, a.opts.SampleRate)
	}

	a.log.Info("[Engine] generated %s in %s (%d tokens)", seg.Duration(), time.Since(start).Round(time.Millisecond), req.MaxNewTokens)
	return seg, nil
}

// PrepareMelody converts an uploaded melody into mono audio at the native
// rate, padded or truncated to the conditioning length. Input may be a WAV
// file or raw little-endian float32 samples at the native rate. Anything
// unusable yields silence of the conditioning length.
func (a *Adapter) PrepareMelody(raw []byte) *audio.Segment {
	frames := a.opts.MelodySeconds * a.opts.SampleRate
	silence := audio.Segment{
		Samples:    make([]float64, frames),
		SampleRate: a.opts.SampleRate,
		Channels:   1,
	}

	seg, err := audio.DecodeWAVBytes(raw)
	if err != nil {
		seg, err = decodeFloat32(raw, a.opts.SampleRate)
	}
	if err != nil {
		a.log.Warn("[Engine] melody preprocessing failed, using silence: %v", err)
		return &silence
	}

	seg, err = audio.Resample(audio.Mono(seg), a.opts.SampleRate)
	if err != nil {
		a.log.Warn("[Engine] melody resample failed, using silence: %v", err)
		return &silence
	}
	out := audio.PadOrTruncate(seg, frames)
	return &out
}

// Tone returns a mono sine wave at half scale.
func Tone(rate int, d time.Duration, freq float64) audio.Segment {
	seg := audio.NewSilence(rate, 1, d)
	for i := range seg.Samples {
		seg.Samples[i] = 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return seg
}

func encodeFloat32(samples []float64) []byte {
	out := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(float32(v)))
	}
	return out
}

func decodeFloat32(raw []byte, rate int) (audio.Segment, error) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return audio.Segment{}, fmt.Errorf("melody is neither WAV nor float32 PCM (%d bytes)", len(raw))
	}
	seg := audio.Segment{Samples: make([]float64, len(raw)/4), SampleRate: rate, Channels: 1}
	for i := range seg.Samples {
		v := float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return audio.Segment{}, fmt.Errorf("melody contains non-finite samples")
		}
		seg.Samples[i] = v
	}
	return seg, nil
}
