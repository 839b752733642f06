// Package media models local capture: tracks that feed encoded samples into
// pion local tracks, streams that group them, and the devices that produce
// them.
package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var ErrMediaAccess = errors.New("media access denied or device unavailable")

var ErrTrackEnded = errors.New("track ended")

type Kind = webrtc.RTPCodecType

const (
	KindAudio = webrtc.RTPCodecTypeAudio
	KindVideo = webrtc.RTPCodecTypeVideo
)

// Sink observes every sample a track sends, after the enabled check.
type Sink func(kind Kind, sample pionmedia.Sample)

// Track is one local capture track. Disabling it keeps it attached to every
// connection but stops samples from going out.
type Track struct {
	local *webrtc.TrackLocalStaticSample
	kind  Kind
	label string

	enabled atomic.Bool
	ended   atomic.Bool

	mu      sync.Mutex
	nextID  int
	sinks   map[int]Sink
	onEnded []func()
	done    chan struct{}
}

func NewTrack(kind Kind, mimeType, id, streamID, label string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{
		local: local,
		kind:  kind,
		label: label,
		sinks: make(map[int]Sink),
		done:  make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) ID() string {
	return t.local.ID()
}

func (t *Track) Kind() Kind {
	return t.kind
}

func (t *Track) Label() string {
	return t.label
}

func (t *Track) MimeType() string {
	return t.local.Codec().MimeType
}

// Local is the pion track bound to RTP senders.
func (t *Track) Local() *webrtc.TrackLocalStaticSample {
	return t.local
}

func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *Track) Ended() bool {
	return t.ended.Load()
}

// Done is closed when the track stops.
func (t *Track) Done() <-chan struct{} {
	return t.done
}

// WriteSample sends a sample to every bound connection and sink. Samples on a
// disabled track are dropped.
func (t *Track) WriteSample(sample pionmedia.Sample) error {
	if t.ended.Load() {
		return ErrTrackEnded
	}
	if !t.enabled.Load() {
		return nil
	}
	t.mu.Lock()
	sinks := make([]Sink, 0, len(t.sinks))
	for _, sink := range t.sinks {
		sinks = append(sinks, sink)
	}
	t.mu.Unlock()
	for _, sink := range sinks {
		sink(t.kind, sample)
	}
	return t.local.WriteSample(sample)
}

// AddSink registers a sample observer and returns its removal func.
func (t *Track) AddSink(sink Sink) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.sinks[id] = sink
	return func() {
		t.mu.Lock()
		delete(t.sinks, id)
		t.mu.Unlock()
	}
}

// OnEnded registers f to run once when the track stops, either through Stop
// or because its source ran dry.
func (t *Track) OnEnded(f func()) {
	t.mu.Lock()
	if !t.ended.Load() {
		t.onEnded = append(t.onEnded, f)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	go f()
}

// Stop ends the track. Safe to call more than once.
func (t *Track) Stop() {
	t.mu.Lock()
	if !t.ended.CompareAndSwap(false, true) {
		t.mu.Unlock()
		return
	}
	callbacks := t.onEnded
	t.onEnded = nil
	close(t.done)
	t.mu.Unlock()
	for _, f := range callbacks {
		go f()
	}
}
