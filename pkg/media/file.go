package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
)

const oggPageDuration = 20 * time.Millisecond

// FileDevices captures from pre-encoded files: IVF (VP8) for camera and
// screen, Ogg (Opus) for the microphone. It is what the headless client uses
// in place of a browser's capture devices.
type FileDevices struct {
	CameraPath     string
	MicrophonePath string
	ScreenPath     string
	Loop           bool

	log zerolog.Logger
}

func NewFileDevices(camera, microphone, screen string, loop bool, log zerolog.Logger) *FileDevices {
	return &FileDevices{
		CameraPath:     camera,
		MicrophonePath: microphone,
		ScreenPath:     screen,
		Loop:           loop,
		log:            log,
	}
}

func (d *FileDevices) UserMedia(ctx context.Context, constraints Constraints) (*Stream, error) {
	if err := checkReadable(d.CameraPath, "camera"); err != nil {
		return nil, err
	}
	if err := checkReadable(d.MicrophonePath, "microphone"); err != nil {
		return nil, err
	}

	streamID := "camera-" + uuid.NewString()
	video, err := NewTrack(KindVideo, webrtc.MimeTypeVP8, "video", streamID, "camera")
	if err != nil {
		return nil, err
	}
	audio, err := NewTrack(KindAudio, webrtc.MimeTypeOpus, "audio", streamID, "microphone")
	if err != nil {
		return nil, err
	}

	go pumpIVF(video, d.CameraPath, d.Loop, d.log)
	go pumpOgg(audio, d.MicrophonePath, d.Loop, d.log)

	zerolog.Ctx(ctx).Debug().
		Str("camera", d.CameraPath).
		Str("microphone", d.MicrophonePath).
		Int("width", constraints.Width).
		Int("height", constraints.Height).
		Int("frame_rate", constraints.FrameRate).
		Msg("opened file capture devices")
	return NewStream(constraints, video, audio), nil
}

func (d *FileDevices) DisplayMedia(ctx context.Context) (*Stream, error) {
	if err := checkReadable(d.ScreenPath, "screen"); err != nil {
		return nil, err
	}
	streamID := "screen-" + uuid.NewString()
	video, err := NewTrack(KindVideo, webrtc.MimeTypeVP8, "screen", streamID, "screen")
	if err != nil {
		return nil, err
	}
	// A screen file plays once; its end behaves like the platform's
	// "stop sharing" control.
	go pumpIVF(video, d.ScreenPath, false, d.log)

	zerolog.Ctx(ctx).Debug().Str("screen", d.ScreenPath).Msg("opened file screen capture")
	return NewStream(Constraints{}, video), nil
}

func checkReadable(path, device string) error {
	if path == "" {
		return fmt.Errorf("%w: no %s configured", ErrMediaAccess, device)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMediaAccess, device, err)
	}
	return f.Close()
}

func pumpIVF(track *Track, path string, loop bool, log zerolog.Logger) {
	defer track.Stop()
	for {
		done, err := playIVF(track, path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Str("track", track.Label()).Msg("ivf capture failed")
			return
		}
		if done || !loop {
			return
		}
	}
}

// playIVF sends one pass of the file. done reports that the track was stopped.
func playIVF(track *Track, path string) (done bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return false, err
	}
	if header.FourCC != "VP80" {
		return false, fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}

	frameDuration := 33 * time.Millisecond
	if header.TimebaseDenominator != 0 {
		if d := time.Duration(float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator)*1000) * time.Millisecond; d > 0 {
			frameDuration = d
		}
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-track.Done():
			return true, nil
		case <-ticker.C:
		}
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			if errors.Is(err, ErrTrackEnded) {
				return true, nil
			}
			return false, err
		}
	}
}

func pumpOgg(track *Track, path string, loop bool, log zerolog.Logger) {
	defer track.Stop()
	for {
		done, err := playOgg(track, path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Str("track", track.Label()).Msg("ogg capture failed")
			return
		}
		if done || !loop {
			return
		}
	}
}

func playOgg(track *Track, path string) (done bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return false, err
	}

	var lastGranule uint64
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		select {
		case <-track.Done():
			return true, nil
		case <-ticker.C:
		}
		pageData, pageHeader, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		sampleCount := float64(pageHeader.GranulePosition - lastGranule)
		lastGranule = pageHeader.GranulePosition
		sampleDuration := time.Duration((sampleCount/48000)*1000) * time.Millisecond

		if err := track.WriteSample(pionmedia.Sample{Data: pageData, Duration: sampleDuration}); err != nil {
			if errors.Is(err, ErrTrackEnded) {
				return true, nil
			}
			return false, err
		}
	}
}
