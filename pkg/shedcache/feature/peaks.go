package feature

import (
	"github.com/woodshedhq/shedcache/pkg/shedcache/audio"
	"github.com/woodshedhq/shedcache/pkg/shedcache/model"
)

// DefaultPeakColumns is the fixed render resolution of the stored envelope.
// Zoomed views are resampled from it by the renderer.
const DefaultPeakColumns = 1024

// ComputePeaks builds a min/max amplitude envelope with targetColumns
// equal-width windows; the last window absorbs the remainder. Stereo input
// is reduced to mono by averaging channels.
//
// Degenerate input (zero columns, empty buffer) yields an empty but valid
// result; there is no window-width division that can hit zero.
func ComputePeaks(buf *audio.SampleBuffer, targetColumns int) *model.WaveformPeaks {
	peaks := &model.WaveformPeaks{}
	frames := buf.Frames()
	if frames == 0 || targetColumns <= 0 {
		return peaks
	}

	peaks.SampleCount = uint32(frames)
	peaks.DurationMs = buf.DurationMs()

	cols := targetColumns
	if cols > frames {
		cols = frames
	}
	peaks.Columns = monoColumns(buf, cols)
	return peaks
}

// ComputePeaksPerChannel is the per-channel variant: ChannelColumns holds
// one independent envelope per source channel and Columns keeps the mono
// reduction so mono-only consumers need no special case.
func ComputePeaksPerChannel(buf *audio.SampleBuffer, targetColumns int) *model.WaveformPeaks {
	peaks := ComputePeaks(buf, targetColumns)
	if len(peaks.Columns) == 0 {
		return peaks
	}

	cols := len(peaks.Columns)
	peaks.ChannelColumns = make([][]model.PeakColumn, buf.Channels)
	for c := 0; c < buf.Channels; c++ {
		peaks.ChannelColumns[c] = channelColumns(buf, c, cols)
	}
	return peaks
}

func monoColumns(buf *audio.SampleBuffer, cols int) []model.PeakColumn {
	frames := buf.Frames()
	width := frames / cols
	out := make([]model.PeakColumn, cols)

	for i := 0; i < cols; i++ {
		start := i * width
		end := start + width
		if i == cols-1 {
			end = frames
		}

		lo, hi := int16(32767), int16(-32768)
		for f := start; f < end; f++ {
			v := frameValue(buf, f)
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		out[i] = model.PeakColumn{Min: lo, Max: hi}
	}
	return out
}

func channelColumns(buf *audio.SampleBuffer, channel, cols int) []model.PeakColumn {
	frames := buf.Frames()
	width := frames / cols
	out := make([]model.PeakColumn, cols)

	for i := 0; i < cols; i++ {
		start := i * width
		end := start + width
		if i == cols-1 {
			end = frames
		}

		lo, hi := int16(32767), int16(-32768)
		for f := start; f < end; f++ {
			v := buf.Data[f*buf.Channels+channel]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		out[i] = model.PeakColumn{Min: lo, Max: hi}
	}
	return out
}

// frameValue returns the mono amplitude of one frame, averaging channels.
func frameValue(buf *audio.SampleBuffer, frame int) int16 {
	if buf.Channels == 1 {
		return buf.Data[frame]
	}
	var sum int
	for c := 0; c < buf.Channels; c++ {
		sum += int(buf.Data[frame*buf.Channels+c])
	}
	return int16(sum / buf.Channels)
}
