package media

import (
	"context"

	"github.com/google/uuid"
)

// Constraints are capture hints. Devices may ignore what they cannot honour.
type Constraints struct {
	Width            int
	Height           int
	FrameRate        int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

func DefaultConstraints() Constraints {
	return Constraints{
		Width:            1280,
		Height:           720,
		FrameRate:        30,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Devices is the permission-gated capture surface of the host platform.
type Devices interface {
	// UserMedia opens camera and microphone. Errors wrap ErrMediaAccess when
	// access is denied or no compatible device exists.
	UserMedia(ctx context.Context, constraints Constraints) (*Stream, error)
	// DisplayMedia opens a screen capture stream.
	DisplayMedia(ctx context.Context) (*Stream, error)
}

type Stream struct {
	id          string
	constraints Constraints
	tracks      []*Track
}

func NewStream(constraints Constraints, tracks ...*Track) *Stream {
	return &Stream{
		id:          uuid.NewString(),
		constraints: constraints,
		tracks:      tracks,
	}
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Constraints() Constraints {
	return s.constraints
}

func (s *Stream) Tracks() []*Track {
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) AudioTracks() []*Track {
	return s.byKind(KindAudio)
}

func (s *Stream) VideoTracks() []*Track {
	return s.byKind(KindVideo)
}

func (s *Stream) byKind(kind Kind) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// FirstVideo returns the primary video track, or nil.
func (s *Stream) FirstVideo() *Track {
	if v := s.VideoTracks(); len(v) > 0 {
		return v[0]
	}
	return nil
}

// FirstAudio returns the primary audio track, or nil.
func (s *Stream) FirstAudio() *Track {
	if a := s.AudioTracks(); len(a) > 0 {
		return a[0]
	}
	return nil
}

func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
