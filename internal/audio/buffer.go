package audio

// Buffer accumulates segments across generation rounds. The first appended
// segment fixes the sample rate and channel count. A Buffer is owned by a
// single task and is not safe for concurrent use.
type Buffer struct {
	seg    Segment
	rounds int
}

// Append adds seg to the end of the buffer.
func (b *Buffer) Append(seg Segment) error {
	if err := seg.validate(); err != nil {
		return err
	}
	if b.rounds == 0 {
		b.seg = seg.Clone()
		b.rounds = 1
		return nil
	}
	if err := compatible(b.seg, seg); err != nil {
		return err
	}
	b.seg.Samples = append(b.seg.Samples, seg.Samples...)
	b.rounds++
	return nil
}

// Rounds returns how many segments have been appended.
func (b *Buffer) Rounds() int { return b.rounds }

// Segment returns the accumulated audio.
func (b *Buffer) Segment() Segment { return b.seg }

// Reset drops the accumulated samples.
func (b *Buffer) Reset() {
	b.seg = Segment{}
	b.rounds = 0
}
