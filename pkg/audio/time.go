package audio

import (
	"math"
)

const (
	// TimeEndOfSource is reported as a start time by a source that will
	// never produce any data.
	TimeEndOfSource = int64(math.MinInt64)

	// TimeUnset means the value is not known (yet).
	TimeUnset = int64(math.MinInt64 + 1)

	MicrosPerSecond = int64(1_000_000)
)

// DurationUsToFrames converts a duration to a frame count, rounding
// towards zero.
func DurationUsToFrames(durationUs int64, sampleRate SampleRate) int64 {
	return durationUs * int64(sampleRate) / MicrosPerSecond
}

func FramesToDurationUs(frames int64, sampleRate SampleRate) int64 {
	return frames * MicrosPerSecond / int64(sampleRate)
}
