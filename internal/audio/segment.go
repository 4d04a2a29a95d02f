// Package audio holds the sample-buffer transforms used to assemble a
// generated track: concatenation, repetition, duration fitting, peak
// normalization and linear fades. All transforms are pure; they never mutate
// their input.
package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrSampleRateMismatch = errors.New("sample rate mismatch")
	ErrChannelMismatch    = errors.New("channel count mismatch")
	ErrInvalidCount       = errors.New("repeat count must be at least 1")
	ErrInvalidFormat      = errors.New("invalid audio format")
)

// Segment is a block of interleaved samples in the range [-1, 1].
type Segment struct {
	Samples    []float64
	SampleRate int
	Channels   int
}

// NewSilence returns a zero-filled segment of the given length.
func NewSilence(sampleRate, channels int, d time.Duration) Segment {
	frames := framesFor(sampleRate, d)
	return Segment{
		Samples:    make([]float64, frames*channels),
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

func framesFor(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * d.Milliseconds() / 1000)
}

// Frames returns the number of sample frames (samples per channel).
func (s Segment) Frames() int {
	if s.Channels <= 0 {
		return 0
	}
	return len(s.Samples) / s.Channels
}

// Duration returns the playback length of the segment.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(s.Frames()) * time.Second / time.Duration(s.SampleRate)
}

// Clone returns a deep copy.
func (s Segment) Clone() Segment {
	out := s
	out.Samples = append([]float64(nil), s.Samples...)
	return out
}

func (s Segment) validate() error {
	if s.SampleRate <= 0 || s.Channels <= 0 {
		return fmt.Errorf("%w: rate=%d channels=%d", ErrInvalidFormat, s.SampleRate, s.Channels)
	}
	return nil
}

func compatible(a, b Segment) error {
	if a.SampleRate != b.SampleRate {
		return fmt.Errorf("%w: %d != %d", ErrSampleRateMismatch, a.SampleRate, b.SampleRate)
	}
	if a.Channels != b.Channels {
		return fmt.Errorf("%w: %d != %d", ErrChannelMismatch, a.Channels, b.Channels)
	}
	return nil
}

// Concat appends b to a. Both segments must share rate and channel count.
func Concat(a, b Segment) (Segment, error) {
	if err := compatible(a, b); err != nil {
		return Segment{}, err
	}
	out := Segment{
		Samples:    make([]float64, 0, len(a.Samples)+len(b.Samples)),
		SampleRate: a.SampleRate,
		Channels:   a.Channels,
	}
	out.Samples = append(out.Samples, a.Samples...)
	out.Samples = append(out.Samples, b.Samples...)
	return out, nil
}

// Repeat concatenates n copies of a. Repeat(a, 1) is a copy of a.
func Repeat(a Segment, n int) (Segment, error) {
	if n < 1 {
		return Segment{}, fmt.Errorf("%w: got %d", ErrInvalidCount, n)
	}
	out := Segment{
		Samples:    make([]float64, 0, len(a.Samples)*n),
		SampleRate: a.SampleRate,
		Channels:   a.Channels,
	}
	for i := 0; i < n; i++ {
		out.Samples = append(out.Samples, a.Samples...)
	}
	return out, nil
}

// FitToDuration tiles a until it covers target and then truncates it to
// exactly target. A longer segment is only truncated. An empty segment
// yields silence of the target length.
func FitToDuration(a Segment, target time.Duration) Segment {
	want := framesFor(a.SampleRate, target) * a.Channels
	out := Segment{
		Samples:    make([]float64, want),
		SampleRate: a.SampleRate,
		Channels:   a.Channels,
	}
	if len(a.Samples) == 0 {
		return out
	}
	for off := 0; off < want; off += len(a.Samples) {
		copy(out.Samples[off:], a.Samples)
	}
	return out
}

// PadOrTruncate zero-pads or cuts a to exactly frames sample frames.
func PadOrTruncate(a Segment, frames int) Segment {
	out := Segment{
		Samples:    make([]float64, frames*a.Channels),
		SampleRate: a.SampleRate,
		Channels:   a.Channels,
	}
	copy(out.Samples, a.Samples)
	return out
}

// Peak returns the largest absolute sample value.
func Peak(a Segment) float64 {
	var peak float64
	for _, v := range a.Samples {
		if abs := math.Abs(v); abs > peak {
			peak = abs
		}
	}
	return peak
}

// NormalizePeak scales a so its loudest sample reaches full scale.
// Silence is returned unchanged.
func NormalizePeak(a Segment) Segment {
	out := a.Clone()
	peak := Peak(a)
	if peak == 0 {
		return out
	}
	gain := 1 / peak
	for i := range out.Samples {
		out.Samples[i] *= gain
	}
	return out
}

// Fade applies a linear fade-in and fade-out of length d. When the segment
// is shorter than twice the fade it is returned unchanged.
func Fade(a Segment, d time.Duration) Segment {
	out := a.Clone()
	fadeFrames := framesFor(a.SampleRate, d)
	frames := a.Frames()
	if fadeFrames <= 0 || frames < 2*fadeFrames {
		return out
	}
	ch := a.Channels
	for i := 0; i < fadeFrames; i++ {
		gain := float64(i) / float64(fadeFrames)
		head := i * ch
		tail := (frames - 1 - i) * ch
		for c := 0; c < ch; c++ {
			out.Samples[head+c] *= gain
			out.Samples[tail+c] *= gain
		}
	}
	return out
}

// Mono averages all channels into one.
func Mono(a Segment) Segment {
	if a.Channels <= 1 {
		return a.Clone()
	}
	frames := a.Frames()
	out := Segment{Samples: make([]float64, frames), SampleRate: a.SampleRate, Channels: 1}
	for f := 0; f < frames; f++ {
		var sum float64
		for c := 0; c < a.Channels; c++ {
			sum += a.Samples[f*a.Channels+c]
		}
		out.Samples[f] = sum / float64(a.Channels)
	}
	return out
}

// Resample converts a to rate using linear interpolation.
func Resample(a Segment, rate int) (Segment, error) {
	if err := a.validate(); err != nil {
		return Segment{}, err
	}
	if rate <= 0 {
		return Segment{}, fmt.Errorf("%w: target rate %d", ErrInvalidFormat, rate)
	}
	if rate == a.SampleRate {
		return a.Clone(), nil
	}
	inFrames := a.Frames()
	outFrames := int(int64(inFrames) * int64(rate) / int64(a.SampleRate))
	out := Segment{Samples: make([]float64, outFrames*a.Channels), SampleRate: rate, Channels: a.Channels}
	if inFrames == 0 {
		return out, nil
	}
	step := float64(a.SampleRate) / float64(rate)
	for f := 0; f < outFrames; f++ {
		pos := float64(f) * step
		i := int(pos)
		frac := pos - float64(i)
		j := i + 1
		if j >= inFrames {
			j = inFrames - 1
		}
		for c := 0; c < a.Channels; c++ {
			x0 := a.Samples[i*a.Channels+c]
			x1 := a.Samples[j*a.Channels+c]
			out.Samples[f*a.Channels+c] = x0 + (x1-x0)*frac
		}
	}
	return out, nil
}

// ToPCM converts samples to signed integers of the given bit depth,
// rounding to nearest and clamping to the representable range.
func ToPCM(a Segment, bitDepth int) []int {
	maxVal := float64(int64(1)<<(bitDepth-1) - 1)
	minVal := -maxVal - 1
	out := make([]int, len(a.Samples))
	for i, v := range a.Samples {
		x := math.Round(v * maxVal)
		if x > maxVal {
			x = maxVal
		} else if x < minVal {
			x = minVal
		}
		out[i] = int(x)
	}
	return out
}

// FromPCM converts signed integer samples of the given bit depth back to
// floating point.
func FromPCM(data []int, bitDepth, sampleRate, channels int) Segment {
	scale := float64(int64(1)<<(bitDepth-1) - 1)
	out := Segment{Samples: make([]float64, len(data)), SampleRate: sampleRate, Channels: channels}
	for i, v := range data {
		out.Samples[i] = float64(v) / scale
	}
	return out
}
