package sampler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/google/uuid"

	"github.com/vidscope/vidscope/internal/apperrors"
	"github.com/vidscope/vidscope/internal/models"
)

// runner abstracts subprocess execution so tests can fake the ffmpeg tools.
type runner interface {
	run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// FFmpeg samples frames by shelling out to ffprobe and ffmpeg. Each frame is
// an independent seek-and-decode, which keeps memory flat and makes a corrupt
// region of the file cost only its own timestamps.
type FFmpeg struct {
	opts   Options
	run    runner
	logger *slog.Logger
}

var _ Sampler = (*FFmpeg)(nil)

// NewFFmpeg creates an ffmpeg-backed sampler.
func NewFFmpeg(opts Options, logger *slog.Logger) *FFmpeg {
	if logger == nil {
		logger = slog.Default()
	}

	return &FFmpeg{opts: opts.withDefaults(), run: execRunner{}, logger: logger}
}

// Probe reads the video's duration and dimensions with ffprobe.
func (f *FFmpeg) Probe(ctx context.Context, path string) (*Probe, error) {
	out, err := f.run.run(ctx, "ffprobe",
		"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path)
	if err != nil {
		return nil, apperrors.NewSamplingError(0, 0, fmt.Sprintf("ffprobe failed: %v", err))
	}

	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			CodecType string `json:"codec_type"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, apperrors.NewSamplingError(0, 0, fmt.Sprintf("parse ffprobe output: %v", err))
	}

	info := &Probe{}
	if probe.Format.Duration != "" {
		if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
			info.DurationSeconds = d
		}
	}

	hasVideo := false
	for _, stream := range probe.Streams {
		if stream.CodecType == "video" {
			hasVideo = true
			info.Width = stream.Width
			info.Height = stream.Height
			break
		}
	}
	if !hasVideo {
		return nil, apperrors.NewSamplingError(0, 0, "no video stream")
	}
	if info.DurationSeconds <= 0 {
		return nil, apperrors.NewSamplingError(0, 0, "video has no duration")
	}

	return info, nil
}

// Sample probes the video and returns a lazy frame sequence over its sampling
// schedule.
func (f *FFmpeg) Sample(ctx context.Context, videoID uuid.UUID, path string) (FrameSeq, error) {
	probe, err := f.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	return &ffmpegSeq{
		ctx:        ctx,
		sampler:    f,
		videoID:    videoID,
		path:       path,
		timestamps: f.opts.timestamps(probe.DurationSeconds),
	}, nil
}

// decodeFrame extracts one scaled JPEG frame at the given timestamp.
func (f *FFmpeg) decodeFrame(ctx context.Context, path string, ts float64) ([]byte, error) {
	out, err := f.run.run(ctx, "ffmpeg",
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
		"-i", path,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-1", f.opts.FrameWidth),
		"-f", "image2", "-vcodec", "mjpeg",
		"-v", "quiet",
		"pipe:1")
	if err != nil {
		return nil, apperrors.NewFrameDecodeError(path, fmt.Sprintf("decode at %.3fs: %v", ts, err))
	}
	if len(out) == 0 {
		return nil, apperrors.NewFrameDecodeError(path, fmt.Sprintf("no frame at %.3fs", ts))
	}

	return out, nil
}

type ffmpegSeq struct {
	ctx        context.Context
	sampler    *FFmpeg
	videoID    uuid.UUID
	path       string
	timestamps []float64

	next   int
	failed int
	closed bool
}

func (s *ffmpegSeq) Next() (*models.Frame, error) {
	for !s.closed && s.next < len(s.timestamps) {
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}

		ts := s.timestamps[s.next]
		s.next++

		data, err := s.sampler.decodeFrame(s.ctx, s.path, ts)
		if err != nil {
			s.failed++
			s.sampler.logger.WarnContext(s.ctx, "frame undecodable, skipping",
				slog.String("video_id", s.videoID.String()),
				slog.Float64("timestamp", ts),
				slog.Any("error", err))
			if s.overBudget() {
				return nil, apperrors.NewSamplingError(s.next, s.failed,
					"too many undecodable frames")
			}
			continue
		}

		return &models.Frame{VideoID: s.videoID, Timestamp: ts, Data: data}, nil
	}

	if s.failed > 0 && s.overBudget() {
		return nil, apperrors.NewSamplingError(s.next, s.failed, "too many undecodable frames")
	}

	return nil, io.EOF
}

// overBudget checks the failure fraction against the full schedule, so a bad
// opening region cannot fail a video whose remainder would have decoded fine.
func (s *ffmpegSeq) overBudget() bool {
	return float64(s.failed) > s.sampler.opts.FailureFrac*float64(len(s.timestamps))
}

func (s *ffmpegSeq) Sampled() int { return s.next }
func (s *ffmpegSeq) Failed() int  { return s.failed }

func (s *ffmpegSeq) Close() error {
	s.closed = true
	return nil
}
