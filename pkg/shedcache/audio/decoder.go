package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrorKind classifies decode failures.
type ErrorKind int

const (
	Unreadable ErrorKind = iota
	UnsupportedFormat
	CorruptHeader
)

func (k ErrorKind) String() string {
	switch k {
	case Unreadable:
		return "unreadable"
	case UnsupportedFormat:
		return "unsupported format"
	case CorruptHeader:
		return "corrupt header"
	default:
		return "unknown"
	}
}

// DecodeError is the typed failure returned by Decode.
type DecodeError struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Path, e.Kind)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(kind ErrorKind, path string, err error) *DecodeError {
	return &DecodeError{Kind: kind, Path: path, Err: err}
}

// SampleBuffer holds decoded 16-bit PCM, interleaved when stereo.
type SampleBuffer struct {
	Channels   int
	SampleRate int
	Data       []int16
}

// Frames returns the number of sample frames (samples per channel).
func (b *SampleBuffer) Frames() int {
	if b == nil || b.Channels == 0 {
		return 0
	}
	return len(b.Data) / b.Channels
}

// DurationMs returns the buffer duration in milliseconds.
func (b *SampleBuffer) DurationMs() uint32 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return uint32(int64(b.Frames()) * 1000 / int64(b.SampleRate))
}

// MonoFloat64 reduces the buffer to mono float64 samples in [-1, 1],
// averaging channels for stereo input.
func (b *SampleBuffer) MonoFloat64() []float64 {
	const scale = 1.0 / 32768.0

	frames := b.Frames()
	out := make([]float64, frames)
	switch b.Channels {
	case 1:
		for i, s := range b.Data {
			out[i] = float64(s) * scale
		}
	default:
		for i := 0; i < frames; i++ {
			var sum float64
			for c := 0; c < b.Channels; c++ {
				sum += float64(b.Data[i*b.Channels+c])
			}
			out[i] = sum / float64(b.Channels) * scale
		}
	}
	return out
}

// DecodeBackend decodes compressed formats the native reader cannot handle.
// Implementations return raw PCM plus sample rate, or a typed error.
type DecodeBackend interface {
	DecodeCompressed(ctx context.Context, path string) (*SampleBuffer, error)
}

// Decoder reads audio files into sample buffers. WAV is handled natively;
// everything else is routed to the configured backend.
type Decoder struct {
	backend DecodeBackend
}

// NewDecoder creates a decoder. backend may be nil, in which case non-WAV
// input fails with UnsupportedFormat.
func NewDecoder(backend DecodeBackend) *Decoder {
	return &Decoder{backend: backend}
}

// chunkFrames bounds how many frames a single PCM read pulls in, so large
// files do not force a proportionally large transient read buffer.
const chunkFrames = 1 << 16

// Decode reads the file at path into a sample buffer. It validates that the
// result has a positive sample rate and at least one frame; a header
// reporting rate zero is a CorruptHeader error, never a zero-duration
// success that callers could divide by.
func (d *Decoder) Decode(ctx context.Context, path string) (*SampleBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".wav" || ext == ".wave" {
		return DecodeWAV(path)
	}

	if d.backend == nil {
		return nil, decodeErr(UnsupportedFormat, path, fmt.Errorf("no decode backend for %q", ext))
	}
	buf, err := d.backend.DecodeCompressed(ctx, path)
	if err != nil {
		return nil, err
	}
	return validated(path, buf)
}

// DecodeWAV reads a PCM WAV file natively. The data chunk is consumed in
// bounded chunks rather than one wholesale read.
func DecodeWAV(path string) (*SampleBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, decodeErr(Unreadable, path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, decodeErr(CorruptHeader, path, fmt.Errorf("not a RIFF/WAVE file"))
	}
	dec.ReadInfo()

	if dec.WavAudioFormat != 1 {
		return nil, decodeErr(UnsupportedFormat, path, fmt.Errorf("wav audio format %d, only PCM supported", dec.WavAudioFormat))
	}
	if dec.SampleRate == 0 {
		return nil, decodeErr(CorruptHeader, path, fmt.Errorf("header reports sample rate 0"))
	}
	channels := int(dec.NumChans)
	if channels < 1 || channels > 2 {
		return nil, decodeErr(UnsupportedFormat, path, fmt.Errorf("%d channels, only mono/stereo supported", channels))
	}
	bitDepth := int(dec.BitDepth)
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, decodeErr(UnsupportedFormat, path, fmt.Errorf("unsupported bit depth %d", bitDepth))
	}

	out := &SampleBuffer{
		Channels:   channels,
		SampleRate: int(dec.SampleRate),
	}

	chunk := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: channels,
			SampleRate:  int(dec.SampleRate),
		},
		Data:           make([]int, chunkFrames*channels),
		SourceBitDepth: bitDepth,
	}
	shift := 0
	if bitDepth > 16 {
		shift = bitDepth - 16
	}

	for {
		n, err := dec.PCMBuffer(chunk)
		if err != nil {
			return nil, decodeErr(CorruptHeader, path, err)
		}
		if n == 0 {
			break
		}
		for _, v := range chunk.Data[:n] {
			var s int16
			switch {
			case bitDepth == 8:
				// 8-bit WAV is unsigned
				s = int16((v - 128) << 8)
			case shift > 0:
				s = int16(v >> shift)
			default:
				s = int16(v)
			}
			out.Data = append(out.Data, s)
		}
	}

	return validated(path, out)
}

// validated enforces the decoder contract on a finished buffer.
func validated(path string, buf *SampleBuffer) (*SampleBuffer, error) {
	if buf == nil {
		return nil, decodeErr(Unreadable, path, fmt.Errorf("backend returned no data"))
	}
	if buf.SampleRate <= 0 {
		return nil, decodeErr(CorruptHeader, path, fmt.Errorf("sample rate %d", buf.SampleRate))
	}
	if buf.Frames() == 0 {
		return nil, decodeErr(CorruptHeader, path, fmt.Errorf("no sample frames"))
	}
	return buf, nil
}
