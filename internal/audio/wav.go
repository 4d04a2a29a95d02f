package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

var ErrInvalidWAV = errors.New("invalid wav data")

// EncodeWAV writes seg as a PCM WAV stream with the given bit depth.
func EncodeWAV(w io.WriteSeeker, seg Segment, bitDepth int) error {
	if err := seg.validate(); err != nil {
		return err
	}
	switch bitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidFormat, bitDepth)
	}

	enc := wav.NewEncoder(w, seg.SampleRate, bitDepth, seg.Channels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: seg.Channels,
			SampleRate:  seg.SampleRate,
		},
		Data:           ToPCM(seg, bitDepth),
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("failed to write wav samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize wav: %w", err)
	}
	return nil
}

// DecodeWAV reads a PCM WAV stream into a segment.
func DecodeWAV(r io.ReadSeeker) (Segment, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Segment{}, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Segment{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return Segment{}, ErrInvalidWAV
	}
	bitDepth := int(dec.BitDepth)
	if buf.SourceBitDepth > 0 {
		bitDepth = buf.SourceBitDepth
	}
	if bitDepth < 16 {
		return Segment{}, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, bitDepth)
	}
	return FromPCM(buf.Data, bitDepth, buf.Format.SampleRate, buf.Format.NumChannels), nil
}

// DecodeWAVBytes is DecodeWAV over an in-memory payload.
func DecodeWAVBytes(data []byte) (Segment, error) {
	return DecodeWAV(bytes.NewReader(data))
}
