// Package sampler turns a video file into a bounded, lazily produced sequence
// of frames at a fixed time interval. Frames are decoded one at a time so a
// long video never needs to fit in memory.
package sampler

import (
	"context"

	"github.com/google/uuid"

	"github.com/vidscope/vidscope/internal/models"
)

// Probe is the metadata read from a video before sampling.
type Probe struct {
	DurationSeconds float64
	Width           int
	Height          int
}

// FrameSeq is a lazy frame sequence. Next returns frames in timestamp order
// and io.EOF when the sequence is exhausted. Individual undecodable frames
// are skipped up to the sampler's failure tolerance; past it, Next returns
// a SamplingError instead of further frames.
type FrameSeq interface {
	Next() (*models.Frame, error)

	// Sampled and Failed report progress so far: timestamps attempted and
	// timestamps that could not be decoded.
	Sampled() int
	Failed() int

	// Close releases decoder resources. Safe to call at any point.
	Close() error
}

// Sampler probes videos and produces frame sequences.
type Sampler interface {
	Probe(ctx context.Context, path string) (*Probe, error)
	Sample(ctx context.Context, videoID uuid.UUID, path string) (FrameSeq, error)
}

// Options tunes sampling.
type Options struct {
	// IntervalSeconds is the target spacing between sampled frames
	// (default: 1.0).
	IntervalSeconds float64
	// MinFrames and MaxFrames bound how many timestamps are sampled
	// regardless of duration. MaxFrames widens the effective interval for
	// long videos (defaults: 1 and 2000).
	MinFrames int
	MaxFrames int
	// FrameWidth scales decoded frames to this width, preserving aspect
	// ratio (default: 224).
	FrameWidth int
	// FailureFrac is the tolerated fraction of undecodable timestamps
	// before the whole sampling run fails (default: 0.2).
	FailureFrac float64
}

func (o Options) withDefaults() Options {
	if o.IntervalSeconds <= 0 {
		o.IntervalSeconds = 1.0
	}
	if o.MinFrames <= 0 {
		o.MinFrames = 1
	}
	if o.MaxFrames <= 0 {
		o.MaxFrames = 2000
	}
	if o.FrameWidth <= 0 {
		o.FrameWidth = 224
	}
	if o.FailureFrac <= 0 {
		o.FailureFrac = 0.2
	}
	return o
}

// timestamps derives the sampling schedule for a video of the given duration:
// every IntervalSeconds from zero, widened if needed so the count stays within
// MaxFrames, and never fewer than MinFrames for a playable video.
func (o Options) timestamps(duration float64) []float64 {
	if duration <= 0 {
		return []float64{0}
	}

	interval := o.IntervalSeconds
	if n := int(duration/interval) + 1; n > o.MaxFrames {
		interval = duration / float64(o.MaxFrames-1)
	}

	var ts []float64
	for t := 0.0; t < duration; t += interval {
		ts = append(ts, t)
	}

	if len(ts) < o.MinFrames {
		// Short video: spread the minimum count evenly instead.
		ts = ts[:0]
		for i := 0; i < o.MinFrames; i++ {
			ts = append(ts, duration*float64(i)/float64(o.MinFrames))
		}
	}
	if len(ts) > o.MaxFrames {
		ts = ts[:o.MaxFrames]
	}

	return ts
}
