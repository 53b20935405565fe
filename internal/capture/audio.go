package capture

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
)

// Audio is 16-bit mono PCM.
type Audio struct {
	SampleRate int
	Samples    []int16
}

// Duration is the playback length.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(a.Samples)) * time.Second / time.Duration(a.SampleRate)
}

// Empty reports whether there is no audio at all.
func (a Audio) Empty() bool { return len(a.Samples) == 0 }

// WAV encodes the audio as a RIFF/WAVE file.
func (a Audio) WAV() []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataLen := len(a.Samples) * 2
	var buf bytes.Buffer
	buf.Grow(44 + dataLen)

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(a.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(a.SampleRate*channels*bitsPerSample/8))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels*bitsPerSample/8))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	_ = binary.Write(&buf, binary.LittleEndian, a.Samples)
	return buf.Bytes()
}

// RMS is the root-mean-square amplitude of a frame.
func RMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// silenceDetector decides when an utterance has ended: after speech has
// been heard, a run of quiet frames lasting at least hold ends it.
type silenceDetector struct {
	threshold float64
	hold      time.Duration

	heard bool
	quiet time.Duration
}

// feed reports whether the utterance is over after this frame.
func (d *silenceDetector) feed(frame []int16, length time.Duration) bool {
	if RMS(frame) >= d.threshold {
		d.heard = true
		d.quiet = 0
		return false
	}
	if !d.heard {
		return false
	}
	d.quiet += length
	return d.quiet >= d.hold
}
