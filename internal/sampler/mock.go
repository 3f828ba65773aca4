package sampler

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/vidscope/vidscope/internal/models"
)

// MockSampler returns canned frames without touching ffmpeg. Used by worker
// and pipeline tests.
type MockSampler struct {
	ProbeFunc  func(ctx context.Context, path string) (*Probe, error)
	SampleFunc func(ctx context.Context, videoID uuid.UUID, path string) (FrameSeq, error)
}

var _ Sampler = (*MockSampler)(nil)

func (m *MockSampler) Probe(ctx context.Context, path string) (*Probe, error) {
	if m.ProbeFunc != nil {
		return m.ProbeFunc(ctx, path)
	}
	return &Probe{DurationSeconds: 10, Width: 640, Height: 480}, nil
}

func (m *MockSampler) Sample(ctx context.Context, videoID uuid.UUID, path string) (FrameSeq, error) {
	if m.SampleFunc != nil {
		return m.SampleFunc(ctx, videoID, path)
	}
	return NewStaticSeq(videoID, 10, 1.0), nil
}

// StaticSeq is a FrameSeq over pre-built frames.
type StaticSeq struct {
	frames []*models.Frame
	next   int
}

var _ FrameSeq = (*StaticSeq)(nil)

// NewStaticSeq builds a sequence of n synthetic frames spaced interval
// seconds apart.
func NewStaticSeq(videoID uuid.UUID, n int, interval float64) *StaticSeq {
	frames := make([]*models.Frame, 0, n)
	for i := 0; i < n; i++ {
		frames = append(frames, &models.Frame{
			VideoID:   videoID,
			Timestamp: float64(i) * interval,
			Data:      []byte{0xff, 0xd8, byte(i)},
		})
	}
	return &StaticSeq{frames: frames}
}

func (s *StaticSeq) Next() (*models.Frame, error) {
	if s.next >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

func (s *StaticSeq) Sampled() int { return s.next }
func (s *StaticSeq) Failed() int  { return 0 }
func (s *StaticSeq) Close() error { return nil }
