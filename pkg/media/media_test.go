package media

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

// writeTestIVF writes a VP8 IVF file with n tiny frames at 30fps.
func writeTestIVF(t *testing.T, dir string, n int) string {
	t.Helper()
	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:6], 0)
	binary.LittleEndian.PutUint16(header[6:8], 32)
	copy(header[8:12], "VP80")
	binary.LittleEndian.PutUint16(header[12:14], 320)
	binary.LittleEndian.PutUint16(header[14:16], 240)
	binary.LittleEndian.PutUint32(header[16:20], 30)
	binary.LittleEndian.PutUint32(header[20:24], 1)
	binary.LittleEndian.PutUint32(header[24:28], uint32(n))

	data := header
	for i := 0; i < n; i++ {
		frame := []byte{0x10, 0x02, 0x00, byte(i)}
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:4], uint32(len(frame)))
		binary.LittleEndian.PutUint64(fh[4:12], uint64(i))
		data = append(data, fh...)
		data = append(data, frame...)
	}

	path := filepath.Join(dir, "screen.ivf")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write ivf: %v", err)
	}
	return path
}

func newTestTrack(t *testing.T, kind Kind) *Track {
	t.Helper()
	mime := webrtc.MimeTypeVP8
	if kind == KindAudio {
		mime = webrtc.MimeTypeOpus
	}
	track, err := NewTrack(kind, mime, kind.String(), "test", kind.String())
	if err != nil {
		t.Fatalf("NewTrack: %v", err)
	}
	return track
}

func TestTrack_DisabledDropsSamples(t *testing.T) {
	track := newTestTrack(t, KindAudio)
	var seen atomic.Int32
	remove := track.AddSink(func(kind Kind, s pionmedia.Sample) { seen.Add(1) })

	if err := track.WriteSample(pionmedia.Sample{Data: []byte{1}, Duration: time.Millisecond}); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	track.SetEnabled(false)
	if err := track.WriteSample(pionmedia.Sample{Data: []byte{2}, Duration: time.Millisecond}); err != nil {
		t.Fatalf("WriteSample disabled: %v", err)
	}
	if got := seen.Load(); got != 1 {
		t.Errorf("sink saw %d samples, want 1", got)
	}

	remove()
	track.SetEnabled(true)
	_ = track.WriteSample(pionmedia.Sample{Data: []byte{3}, Duration: time.Millisecond})
	if got := seen.Load(); got != 1 {
		t.Errorf("removed sink saw %d samples, want 1", got)
	}
}

func TestTrack_StopIsIdempotentAndFiresOnEnded(t *testing.T) {
	track := newTestTrack(t, KindVideo)
	var ended atomic.Int32
	fired := make(chan struct{}, 2)
	track.OnEnded(func() {
		ended.Add(1)
		fired <- struct{}{}
	})

	track.Stop()
	track.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("OnEnded was not called")
	}
	time.Sleep(20 * time.Millisecond)
	if got := ended.Load(); got != 1 {
		t.Errorf("OnEnded called %d times, want 1", got)
	}
	if err := track.WriteSample(pionmedia.Sample{Data: []byte{1}}); !errors.Is(err, ErrTrackEnded) {
		t.Errorf("WriteSample after Stop = %v, want ErrTrackEnded", err)
	}
}

func TestStream_TracksByKind(t *testing.T) {
	video := newTestTrack(t, KindVideo)
	audio := newTestTrack(t, KindAudio)
	stream := NewStream(DefaultConstraints(), video, audio)

	if stream.FirstVideo() != video {
		t.Error("FirstVideo did not return the video track")
	}
	if stream.FirstAudio() != audio {
		t.Error("FirstAudio did not return the audio track")
	}
	if got := len(stream.Tracks()); got != 2 {
		t.Errorf("len(Tracks) = %d, want 2", got)
	}

	stream.Stop()
	if !video.Ended() || !audio.Ended() {
		t.Error("Stop did not end every track")
	}
}

func TestFileDevices_MissingDeviceIsMediaAccessError(t *testing.T) {
	devices := NewFileDevices(filepath.Join(t.TempDir(), "nope.ivf"), "", "", false, zerolog.Nop())

	_, err := devices.UserMedia(context.Background(), DefaultConstraints())
	if !errors.Is(err, ErrMediaAccess) {
		t.Fatalf("UserMedia error = %v, want ErrMediaAccess", err)
	}
	_, err = devices.DisplayMedia(context.Background())
	if !errors.Is(err, ErrMediaAccess) {
		t.Fatalf("DisplayMedia error = %v, want ErrMediaAccess", err)
	}
}

func TestFileDevices_ScreenEndsWhenFileIsExhausted(t *testing.T) {
	path := writeTestIVF(t, t.TempDir(), 3)
	devices := NewFileDevices("", "", path, false, zerolog.Nop())

	stream, err := devices.DisplayMedia(context.Background())
	if err != nil {
		t.Fatalf("DisplayMedia: %v", err)
	}
	track := stream.FirstVideo()
	if track == nil {
		t.Fatal("screen stream has no video track")
	}

	var frames atomic.Int32
	track.AddSink(func(kind Kind, s pionmedia.Sample) { frames.Add(1) })

	select {
	case <-track.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("screen track did not end")
	}
	if got := frames.Load(); got < 1 || got > 3 {
		t.Errorf("frames = %d, want between 1 and 3", got)
	}
}
