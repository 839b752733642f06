package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"liveclass/constant"
	"liveclass/pkg/events"
	"liveclass/pkg/media"
	"liveclass/pkg/recorder"
	"liveclass/pkg/rtc"
	"liveclass/pkg/signal"
)

type fakeDevices struct {
	fail   bool
	mu     sync.Mutex
	opened int
}

func (d *fakeDevices) UserMedia(ctx context.Context, constraints media.Constraints) (*media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, fmt.Errorf("%w: permission denied", media.ErrMediaAccess)
	}
	d.opened++
	video, err := media.NewTrack(media.KindVideo, webrtc.MimeTypeVP8, "video", "cam", "camera")
	if err != nil {
		return nil, err
	}
	audio, err := media.NewTrack(media.KindAudio, webrtc.MimeTypeOpus, "audio", "cam", "microphone")
	if err != nil {
		return nil, err
	}
	return media.NewStream(constraints, video, audio), nil
}

func (d *fakeDevices) DisplayMedia(ctx context.Context) (*media.Stream, error) {
	return nil, fmt.Errorf("%w: no screen", media.ErrMediaAccess)
}

// fakeSignal is an in-memory signaling connection; the test plays the hub.
type fakeSignal struct {
	inbound *events.Bus[signal.Message]
	closed  chan struct{}
	once    sync.Once

	mu   sync.Mutex
	sent []signal.Message
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{inbound: events.NewBus[signal.Message](), closed: make(chan struct{})}
}

func (s *fakeSignal) Subscribe(buffer int) *events.Subscription[signal.Message] {
	return s.inbound.Subscribe(buffer)
}

func (s *fakeSignal) Run() error {
	<-s.closed
	s.inbound.Close()
	return nil
}

func (s *fakeSignal) Send(msg signal.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignal) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSignal) sentTypes() []signal.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signal.Type
	for _, msg := range s.sent {
		out = append(out, msg.Type)
	}
	return out
}

type signalDialer struct {
	mu    sync.Mutex
	fail  error
	calls int
	conns []*fakeSignal
}

func (d *signalDialer) dial(ctx context.Context, sessionID string, self signal.Peer) (SignalConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail != nil {
		return nil, d.fail
	}
	conn := newFakeSignal()
	d.conns = append(d.conns, conn)
	return conn, nil
}

type memoryUploader struct {
	mu    sync.Mutex
	fail  int
	calls int
	names []string
}

func (u *memoryUploader) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.fail > 0 {
		u.fail--
		return "", errors.New("storage offline")
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	u.names = append(u.names, name)
	return "http://minio.local/recordings/" + name, nil
}

type liveClassFixture struct {
	sessions SessionService
	devices  *fakeDevices
	dialer   *signalDialer
	uploader *memoryUploader
}

func newFixture(t *testing.T) *liveClassFixture {
	t.Helper()
	return &liveClassFixture{
		sessions: openSessionTestDB(t),
		devices:  &fakeDevices{},
		dialer:   &signalDialer{},
		uploader: &memoryUploader{},
	}
}

func (f *liveClassFixture) liveClass(t *testing.T, userID string, role constant.Role, record bool) *LiveClass {
	t.Helper()
	l := NewLiveClass(f.sessions, LiveClassOptions{
		Self:      rtc.Identity{UserID: userID, Name: userID, Role: role},
		Devices:   f.devices,
		Signaling: f.dialer.dial,
		Record:    record,
		Uploader:  f.uploader,
		Timeslice: 10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = l.Leave(context.Background()) })
	return l
}

func (f *liveClassFixture) status(t *testing.T, id uuid.UUID) constant.SessionStatus {
	t.Helper()
	session, err := f.sessions.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return session.Status
}

func TestLiveClass_StartAndEndWithoutRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := createSession(t, f.sessions, algebraRequest())
	if session.Status != constant.SessionStatusScheduled {
		t.Fatalf("status = %s, want scheduled", session.Status)
	}

	host := f.liveClass(t, "t1", constant.RoleTutor, false)
	started, err := host.StartAsHost(ctx, session.ID)
	if err != nil {
		t.Fatalf("StartAsHost: %v", err)
	}
	if started.Status != constant.SessionStatusLive {
		t.Fatalf("status = %s, want live", started.Status)
	}

	ended, err := host.EndAsHost(ctx, session.ID)
	if err != nil {
		t.Fatalf("EndAsHost: %v", err)
	}
	if ended.Status != constant.SessionStatusEnded {
		t.Fatalf("status = %s, want ended", ended.Status)
	}
	if ended.RecordingUrl != nil {
		t.Error("no recording should be attached")
	}
	if types := f.dialer.conns[0].sentTypes(); len(types) == 0 || types[len(types)-1] != signal.TypeSessionEnded {
		t.Errorf("signaling saw %v, want a final session_ended", types)
	}
	if f.uploader.calls != 0 {
		t.Errorf("upload calls = %d, want 0", f.uploader.calls)
	}
}

func TestLiveClass_StartRequiresScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := createSession(t, f.sessions, algebraRequest())
	moveTo(t, f.sessions, session.ID, constant.SessionStatusEnded)

	host := f.liveClass(t, "t1", constant.RoleTutor, false)
	if _, err := host.StartAsHost(ctx, session.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got := f.status(t, session.ID); got != constant.SessionStatusEnded {
		t.Errorf("status = %s, want ended", got)
	}
	if f.devices.opened != 0 || f.dialer.calls != 0 {
		t.Error("a rejected start must not touch media or signaling")
	}
}

func TestLiveClass_StartRequiresHost(t *testing.T) {
	f := newFixture(t)
	session := createSession(t, f.sessions, algebraRequest())

	impostor := f.liveClass(t, "s1", constant.RoleStudent, false)
	if _, err := impostor.StartAsHost(context.Background(), session.ID); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
	if got := f.status(t, session.ID); got != constant.SessionStatusScheduled {
		t.Errorf("status = %s, want scheduled", got)
	}
}

func TestLiveClass_MediaFailureLeavesStatus(t *testing.T) {
	f := newFixture(t)
	f.devices.fail = true
	session := createSession(t, f.sessions, algebraRequest())

	host := f.liveClass(t, "t1", constant.RoleTutor, false)
	if _, err := host.StartAsHost(context.Background(), session.ID); !errors.Is(err, media.ErrMediaAccess) {
		t.Fatalf("expected ErrMediaAccess, got %v", err)
	}
	if got := f.status(t, session.ID); got != constant.SessionStatusScheduled {
		t.Errorf("status = %s, want scheduled", got)
	}
	if f.dialer.calls != 0 {
		t.Error("signaling dialed after media failed")
	}
}

func TestLiveClass_SignalingFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.dialer.fail = errors.New("connection refused")
	session := createSession(t, f.sessions, algebraRequest())

	host := f.liveClass(t, "t1", constant.RoleTutor, true)
	if _, err := host.StartAsHost(context.Background(), session.ID); err == nil {
		t.Fatal("expected StartAsHost to fail")
	}
	if got := f.status(t, session.ID); got != constant.SessionStatusScheduled {
		t.Errorf("status = %s, want scheduled after rollback", got)
	}
	if f.uploader.calls != 0 {
		t.Errorf("upload calls = %d, want 0", f.uploader.calls)
	}

	f.dialer.fail = nil
	if _, err := host.StartAsHost(context.Background(), session.ID); err != nil {
		t.Fatalf("second StartAsHost: %v", err)
	}
}

func TestLiveClass_JoinRequiresLive(t *testing.T) {
	f := newFixture(t)
	session := createSession(t, f.sessions, algebraRequest())

	student := f.liveClass(t, "s1", constant.RoleStudent, false)
	if _, err := student.JoinAsParticipant(context.Background(), session.ID); !errors.Is(err, ErrNotLive) {
		t.Fatalf("expected ErrNotLive, got %v", err)
	}
	if f.devices.opened != 0 || f.dialer.calls != 0 {
		t.Error("no connection may be created for a session that is not live")
	}
	if _, err := student.Manager(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected no active call, got %v", err)
	}
}

func TestLiveClass_ParticipantFollowsHostEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := createSession(t, f.sessions, algebraRequest())
	moveTo(t, f.sessions, session.ID, constant.SessionStatusLive)

	student := f.liveClass(t, "s1", constant.RoleStudent, false)
	if _, err := student.JoinAsParticipant(ctx, session.ID); err != nil {
		t.Fatalf("JoinAsParticipant: %v", err)
	}
	ended, err := student.Ended()
	if err != nil {
		t.Fatalf("Ended: %v", err)
	}

	f.dialer.conns[0].inbound.Publish(signal.Message{Type: signal.TypeSessionEnded, SessionId: session.ID.String()})
	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("participant did not leave after the host ended the session")
	}
	if got := f.status(t, session.ID); got != constant.SessionStatusLive {
		t.Errorf("participant changed the registry to %s", got)
	}
	if _, err := student.ToggleMute(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState after the call ended, got %v", err)
	}
}

func TestLiveClass_LeaveKeepsRegistry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := createSession(t, f.sessions, algebraRequest())

	host := f.liveClass(t, "t1", constant.RoleTutor, false)
	if _, err := host.StartAsHost(ctx, session.ID); err != nil {
		t.Fatalf("StartAsHost: %v", err)
	}
	if err := host.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if got := f.status(t, session.ID); got != constant.SessionStatusLive {
		t.Errorf("status = %s, want live", got)
	}
	if _, err := host.EndAsHost(ctx, session.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState ending a call that was left, got %v", err)
	}
}

func TestLiveClass_MediaControlsNeedACall(t *testing.T) {
	f := newFixture(t)
	l := f.liveClass(t, "t1", constant.RoleTutor, false)
	if _, err := l.ToggleMute(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ToggleMute: %v", err)
	}
	if err := l.SendChat("hi"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SendChat: %v", err)
	}
	if _, err := l.RetryRecording(context.Background()); !errors.Is(err, recorder.ErrNothingToRetry) {
		t.Errorf("RetryRecording: %v", err)
	}
}

func TestLiveClass_ToggleMuteTwice(t *testing.T) {
	f := newFixture(t)
	session := createSession(t, f.sessions, algebraRequest())
	host := f.liveClass(t, "t1", constant.RoleTutor, false)
	if _, err := host.StartAsHost(context.Background(), session.ID); err != nil {
		t.Fatalf("StartAsHost: %v", err)
	}

	first, err := host.ToggleMute()
	if err != nil || !first {
		t.Fatalf("first ToggleMute = %v, %v", first, err)
	}
	second, err := host.ToggleMute()
	if err != nil || second {
		t.Fatalf("second ToggleMute = %v, %v", second, err)
	}
	if shared, _ := host.StartScreenShare(context.Background()); shared {
		t.Error("screen share should fail when capture is denied")
	}
}

func writeFrames(t *testing.T, l *LiveClass) {
	t.Helper()
	manager, err := l.Manager()
	if err != nil {
		t.Fatalf("Manager: %v", err)
	}
	video := manager.LocalStream().FirstVideo()
	for i := 0; i < 30; i++ {
		tag := byte(0x11)
		if i == 0 {
			tag = 0x10
		}
		if err := video.WriteSample(pionmedia.Sample{Data: []byte{tag, 0x01, byte(i)}, Duration: 33 * time.Millisecond}); err != nil {
			t.Fatalf("WriteSample: %v", err)
		}
	}
}

func TestLiveClass_EndWithRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := createSession(t, f.sessions, algebraRequest())

	host := f.liveClass(t, "t1", constant.RoleTutor, true)
	if _, err := host.StartAsHost(ctx, session.ID); err != nil {
		t.Fatalf("StartAsHost: %v", err)
	}
	writeFrames(t, host)

	ended, err := host.EndAsHost(ctx, session.ID)
	if err != nil {
		t.Fatalf("EndAsHost: %v", err)
	}
	if ended.Status != constant.SessionStatusEnded {
		t.Errorf("status = %s, want ended", ended.Status)
	}
	if f.uploader.calls != 1 {
		t.Fatalf("upload calls = %d, want 1", f.uploader.calls)
	}
	if ended.RecordingUrl == nil || *ended.RecordingUrl != "http://minio.local/recordings/"+f.uploader.names[0] {
		t.Errorf("recording url = %v", ended.RecordingUrl)
	}
}

func TestLiveClass_UploadFailureStillEnds(t *testing.T) {
	f := newFixture(t)
	f.uploader.fail = 1
	ctx := context.Background()
	session := createSession(t, f.sessions, algebraRequest())

	host := f.liveClass(t, "t1", constant.RoleTutor, true)
	if _, err := host.StartAsHost(ctx, session.ID); err != nil {
		t.Fatalf("StartAsHost: %v", err)
	}
	writeFrames(t, host)

	ended, err := host.EndAsHost(ctx, session.ID)
	if !errors.Is(err, recorder.ErrUpload) {
		t.Fatalf("expected ErrUpload, got %v", err)
	}
	if ended == nil || ended.Status != constant.SessionStatusEnded {
		t.Fatalf("session should still end, got %+v", ended)
	}
	if ended.RecordingUrl != nil {
		t.Error("no recording should be attached yet")
	}

	artifact, err := host.RetryRecording(ctx)
	if err != nil {
		t.Fatalf("RetryRecording: %v", err)
	}
	got, err := f.sessions.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RecordingUrl == nil || *got.RecordingUrl != artifact.Reference {
		t.Errorf("recording url = %v, want %s", got.RecordingUrl, artifact.Reference)
	}
	if got.Status != constant.SessionStatusEnded {
		t.Errorf("status = %s, want ended", got.Status)
	}
	if f.uploader.calls != 2 {
		t.Errorf("upload calls = %d, want 2", f.uploader.calls)
	}
}
