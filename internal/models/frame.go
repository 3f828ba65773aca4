package models

import "github.com/google/uuid"

// Frame is one sampled frame: the decoded image bytes and their offset into the
// video. Frames exist only between sampling and embedding; pixels are never
// persisted, only the resulting vector.
type Frame struct {
	VideoID   uuid.UUID
	Timestamp float64 // seconds from video start
	Data      []byte  // JPEG-encoded image at the sampler's fixed resolution
}
