// Package recorder captures a local media stream into a WebM artifact and
// hands it to object storage when the session ends.
package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/google/uuid"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"liveclass/constant"
	"liveclass/pkg/media"
)

const (
	ContentType      = "video/webm"
	DefaultTimeslice = time.Second
)

var (
	ErrUpload           = errors.New("recording upload failed")
	ErrNotRecording     = errors.New("recorder is not recording")
	ErrAlreadyRecording = errors.New("recorder already started")
	ErrNothingToRetry   = errors.New("no recording held for retry")
)

// Uploader stores a finished artifact and returns its reference.
type Uploader interface {
	Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error)
}

// Linker attaches a stored artifact to its session.
type Linker interface {
	LinkRecording(ctx context.Context, id uuid.UUID, ref string) error
}

type Artifact struct {
	SessionID  uuid.UUID
	ObjectName string
	Reference  string
	Size       int64
	Chunks     int
}

type Pipeline struct {
	uploader  Uploader
	linker    Linker
	timeslice time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu        sync.Mutex
	state     constant.RecordingState
	sessionID uuid.UUID
	buf       *chunkBuffer
	stream    *media.Stream
	writers   map[media.Kind]webm.BlockWriteCloser
	elapsed   map[media.Kind]time.Duration
	removers  []func()
	stopTick  chan struct{}
	tickDone  chan struct{}

	data   []byte
	chunks int
	name   string
	ref    string
	linked bool
}

func NewPipeline(uploader Uploader, linker Linker, timeslice time.Duration, log zerolog.Logger) *Pipeline {
	if timeslice <= 0 {
		timeslice = DefaultTimeslice
	}
	return &Pipeline{
		uploader:  uploader,
		linker:    linker,
		timeslice: timeslice,
		log:       log,
		now:       time.Now,
		state:     constant.RecordingStateIdle,
	}
}

func (p *Pipeline) State() constant.RecordingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start taps every track of stream. Nothing is written until the first video
// keyframe so the artifact always opens on a decodable frame.
func (p *Pipeline) Start(sessionID uuid.UUID, stream *media.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == constant.RecordingStateRecording || p.state == constant.RecordingStateFinalizing {
		return ErrAlreadyRecording
	}

	p.state = constant.RecordingStateRecording
	p.sessionID = sessionID
	p.stream = stream
	p.buf = &chunkBuffer{}
	p.writers = nil
	p.elapsed = make(map[media.Kind]time.Duration)
	p.data, p.chunks, p.name, p.ref, p.linked = nil, 0, "", "", false

	if len(stream.VideoTracks()) == 0 {
		if err := p.openWriters(); err != nil {
			p.state = constant.RecordingStateFailed
			return err
		}
	}
	for _, track := range stream.Tracks() {
		p.removers = append(p.removers, track.AddSink(p.write))
	}

	p.stopTick = make(chan struct{})
	p.tickDone = make(chan struct{})
	go p.seal(p.stopTick, p.tickDone)

	p.log.Info().
		Str("session_id", sessionID.String()).
		Dur("timeslice", p.timeslice).
		Msg("recording started")
	return nil
}

func (p *Pipeline) openWriters() error {
	var entries []webm.TrackEntry
	var kinds []media.Kind
	number := uint64(1)
	if audio := p.stream.FirstAudio(); audio != nil {
		entries = append(entries, webm.TrackEntry{
			Name:            "Audio",
			TrackNumber:     number,
			TrackUID:        number,
			CodecID:         "A_OPUS",
			TrackType:       2,
			DefaultDuration: 20000000,
			Audio:           &webm.Audio{SamplingFrequency: 48000.0, Channels: 2},
		})
		kinds = append(kinds, media.KindAudio)
		number++
	}
	if video := p.stream.FirstVideo(); video != nil {
		c := p.stream.Constraints()
		entries = append(entries, webm.TrackEntry{
			Name:            "Video",
			TrackNumber:     number,
			TrackUID:        number,
			CodecID:         "V_VP8",
			TrackType:       1,
			DefaultDuration: 33333333,
			Video:           &webm.Video{PixelWidth: uint64(c.Width), PixelHeight: uint64(c.Height)},
		})
		kinds = append(kinds, media.KindVideo)
	}
	if len(entries) == 0 {
		return errors.New("stream has no tracks to record")
	}

	blockWriters, err := webm.NewSimpleBlockWriter(p.buf, entries)
	if err != nil {
		return err
	}
	p.writers = make(map[media.Kind]webm.BlockWriteCloser, len(blockWriters))
	for i, w := range blockWriters {
		p.writers[kinds[i]] = w
	}
	return nil
}

func (p *Pipeline) write(kind media.Kind, sample pionmedia.Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != constant.RecordingStateRecording {
		return
	}

	keyframe := kind == media.KindVideo && isVP8Keyframe(sample.Data)
	if p.writers == nil {
		if !keyframe {
			return
		}
		if err := p.openWriters(); err != nil {
			p.log.Error().Err(err).Msg("failed to open webm writer")
			return
		}
	}
	w, ok := p.writers[kind]
	if !ok {
		return
	}

	ts := p.elapsed[kind]
	p.elapsed[kind] = ts + sample.Duration
	if _, err := w.Write(keyframe || kind == media.KindAudio, ts.Milliseconds(), sample.Data); err != nil {
		p.log.Warn().Err(err).Str("kind", kind.String()).Msg("failed to write recording block")
	}
}

func (p *Pipeline) seal(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.timeslice)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.buf != nil {
				p.buf.seal()
			}
			p.mu.Unlock()
		}
	}
}

// Stop finalizes the artifact and uploads it once. Upload failures leave the
// pipeline failed with the bytes held for Retry and return an error wrapping
// ErrUpload.
func (p *Pipeline) Stop(ctx context.Context) (Artifact, error) {
	p.mu.Lock()
	if p.state != constant.RecordingStateRecording {
		p.mu.Unlock()
		return Artifact{}, ErrNotRecording
	}
	p.state = constant.RecordingStateFinalizing
	removers := p.removers
	p.removers = nil
	stop, done := p.stopTick, p.tickDone
	p.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	close(stop)
	<-done

	p.mu.Lock()
	// The last Close blocks until the container trailer is written.
	closeWriters(p.writers, p.log)
	p.writers = nil
	p.buf.seal()
	p.data = p.buf.bytes()
	p.chunks = p.buf.count()
	p.buf = nil
	p.name = fmt.Sprintf("recording-%s-%d.webm", p.sessionID, p.now().UnixMilli())
	p.mu.Unlock()

	zerolog.Ctx(ctx).Info().
		Str("session_id", p.sessionID.String()).
		Int("chunks", p.chunks).
		Int("bytes", len(p.data)).
		Msg("recording finalized")
	return p.deliver(ctx)
}

// Retry re-attempts whatever part of the delivery failed last time.
func (p *Pipeline) Retry(ctx context.Context) (Artifact, error) {
	p.mu.Lock()
	if p.state != constant.RecordingStateFailed && !(p.state == constant.RecordingStateUploaded && !p.linked) {
		p.mu.Unlock()
		return Artifact{}, ErrNothingToRetry
	}
	p.state = constant.RecordingStateFinalizing
	p.mu.Unlock()
	return p.deliver(ctx)
}

func (p *Pipeline) deliver(ctx context.Context) (Artifact, error) {
	log := zerolog.Ctx(ctx).With().Str("session_id", p.sessionID.String()).Str("object", p.name).Logger()

	p.mu.Lock()
	artifact := p.artifact()
	data := p.data
	p.mu.Unlock()

	if artifact.Reference == "" {
		ref, err := p.uploader.Put(ctx, artifact.ObjectName, bytes.NewReader(data), int64(len(data)), ContentType)
		if err != nil {
			log.Error().Err(err).Msg("recording upload failed, bytes retained for retry")
			p.setState(constant.RecordingStateFailed)
			return artifact, errors.Join(ErrUpload, err)
		}
		p.mu.Lock()
		p.ref = ref
		p.state = constant.RecordingStateUploaded
		artifact = p.artifact()
		p.mu.Unlock()
		log.Info().Str("reference", ref).Int64("size", artifact.Size).Msg("recording uploaded")
	} else {
		p.setState(constant.RecordingStateUploaded)
	}

	if p.linker != nil {
		if err := p.linker.LinkRecording(ctx, artifact.SessionID, artifact.Reference); err != nil {
			log.Error().Err(err).Msg("failed to link recording to session")
			return artifact, err
		}
	}

	p.mu.Lock()
	p.linked = true
	p.data = nil
	p.mu.Unlock()
	return artifact, nil
}

func (p *Pipeline) artifact() Artifact {
	return Artifact{
		SessionID:  p.sessionID,
		ObjectName: p.name,
		Reference:  p.ref,
		Size:       int64(len(p.data)),
		Chunks:     p.chunks,
	}
}

func (p *Pipeline) setState(state constant.RecordingState) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

func closeWriters(writers map[media.Kind]webm.BlockWriteCloser, log zerolog.Logger) {
	for _, w := range writers {
		if err := w.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close webm track writer")
		}
	}
}

// isVP8Keyframe checks the P bit of the VP8 frame tag.
func isVP8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}

// chunkBuffer collects container bytes and cuts them into timeslice chunks.
// The webm writer fills it from its own goroutine, so every access locks.
type chunkBuffer struct {
	mu      sync.Mutex
	current bytes.Buffer
	chunks  [][]byte
}

func (b *chunkBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.Write(p)
}

func (b *chunkBuffer) Close() error {
	return nil
}

func (b *chunkBuffer) seal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current.Len() == 0 {
		return
	}
	chunk := make([]byte, b.current.Len())
	copy(chunk, b.current.Bytes())
	b.chunks = append(b.chunks, chunk)
	b.current.Reset()
}

func (b *chunkBuffer) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

func (b *chunkBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Join(b.chunks, nil)
}

// Discard stops capturing and drops everything recorded so far.
func (p *Pipeline) Discard() {
	p.mu.Lock()
	if p.state != constant.RecordingStateRecording {
		p.mu.Unlock()
		return
	}
	p.state = constant.RecordingStateIdle
	removers := p.removers
	p.removers = nil
	stop, done := p.stopTick, p.tickDone
	writers := p.writers
	p.buf, p.writers, p.data = nil, nil, nil
	p.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	close(stop)
	<-done
	// Closing releases the writer goroutines; the bytes they flush are dropped
	// with the buffer.
	closeWriters(writers, p.log)
	p.log.Info().Str("session_id", p.sessionID.String()).Msg("recording discarded")
}
