package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"liveclass/constant"
	"liveclass/entities"
	"liveclass/pkg/datachannel"
	"liveclass/pkg/events"
	"liveclass/pkg/media"
	"liveclass/pkg/recorder"
	"liveclass/pkg/rtc"
	"liveclass/pkg/signal"
)

// SignalConn is a member's connection to the signaling room.
type SignalConn interface {
	Subscribe(buffer int) *events.Subscription[signal.Message]
	Run() error
	Send(msg signal.Message) error
	Close() error
}

type SignalingDialer func(ctx context.Context, sessionID string, self signal.Peer) (SignalConn, error)

// WebsocketDialer joins rooms on the signaling server at baseURL.
func WebsocketDialer(baseURL string) SignalingDialer {
	return func(ctx context.Context, sessionID string, self signal.Peer) (SignalConn, error) {
		return signal.Dial(ctx, baseURL, sessionID, self)
	}
}

type LiveClassOptions struct {
	Self        rtc.Identity
	RTC         rtc.Config
	Devices     media.Devices
	Constraints media.Constraints
	Signaling   SignalingDialer
	// Record starts the recording pipeline with the call when an Uploader
	// is set.
	Record    bool
	Uploader  recorder.Uploader
	Linker    recorder.Linker
	Timeslice time.Duration
}

// LiveClass drives one user's participation in live sessions. It holds at
// most one active call and serializes every media operation on it.
type LiveClass struct {
	sessions SessionService
	opts     LiveClassOptions

	mu      sync.Mutex
	call    *call
	pending *recorder.Pipeline
}

type call struct {
	sessionID uuid.UUID
	host      bool
	manager   *rtc.Manager
	signal    SignalConn
	pipeline  *recorder.Pipeline
	handRaise bool
	runCtx    context.Context
	cancel    context.CancelFunc
	ended     chan struct{}
	endOnce   sync.Once

	mu      sync.Mutex
	offered map[string]time.Time
}

func (c *call) markEnded() {
	c.endOnce.Do(func() { close(c.ended) })
}

func NewLiveClass(sessions SessionService, opts LiveClassOptions) *LiveClass {
	if opts.Linker == nil {
		opts.Linker = sessions
	}
	if opts.Constraints == (media.Constraints{}) {
		opts.Constraints = media.DefaultConstraints()
	}
	return &LiveClass{sessions: sessions, opts: opts}
}

func (l *LiveClass) self(host bool) signal.Peer {
	return signal.Peer{
		UserId:   l.opts.Self.UserID,
		Name:     l.opts.Self.Name,
		Role:     l.opts.Self.Role,
		IsHost:   host,
		JoinedAt: time.Now().UTC(),
	}
}

// StartAsHost takes a scheduled session live. Media is acquired before the
// status write; anything that fails after it reverts the session to
// scheduled, so a failed start leaves the registry as it was.
func (l *LiveClass) StartAsHost(ctx context.Context, id uuid.UUID) (*entities.LiveSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log := zerolog.Ctx(ctx).With().Str("session_id", id.String()).Logger()

	if l.call != nil {
		return nil, fmt.Errorf("%w: already in session %s", ErrInvalidState, l.call.sessionID)
	}
	session, err := l.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.TutorId != l.opts.Self.UserID {
		return nil, ErrNotHost
	}
	if session.Status != constant.SessionStatusScheduled {
		return nil, fmt.Errorf("%w: cannot start a %s session", ErrInvalidTransition, session.Status)
	}

	manager, err := rtc.NewManager(l.opts.RTC, l.opts.Devices, l.opts.Self, log)
	if err != nil {
		return nil, err
	}
	stream, err := manager.AcquireLocalMedia(ctx, l.opts.Constraints)
	if err != nil {
		manager.Teardown()
		return nil, err
	}

	session, err = l.sessions.SetStatus(ctx, id, constant.SessionStatusLive)
	if err != nil {
		manager.Teardown()
		return nil, err
	}

	rollback := func(cause error) (*entities.LiveSession, error) {
		manager.Teardown()
		if _, err := l.sessions.RevertStart(ctx, id); err != nil {
			log.Error().Err(err).Msg("failed to revert session start")
			return nil, errors.Join(cause, err)
		}
		log.Warn().Err(cause).Msg("session start rolled back")
		return nil, cause
	}

	var pipeline *recorder.Pipeline
	if l.opts.Record && l.opts.Uploader != nil {
		pipeline = recorder.NewPipeline(l.opts.Uploader, l.opts.Linker, l.opts.Timeslice, log)
		if err := pipeline.Start(id, stream); err != nil {
			return rollback(err)
		}
	}

	sig, err := l.opts.Signaling(ctx, id.String(), l.self(true))
	if err != nil {
		if pipeline != nil {
			pipeline.Discard()
		}
		return rollback(err)
	}

	c := l.newCall(ctx, id, true, manager, sig, pipeline)
	l.call = c
	l.pending = nil

	log.Info().Bool("recording", pipeline != nil).Msg("session started")
	return session, nil
}

// JoinAsParticipant joins a live session and waits for the host's offer.
func (l *LiveClass) JoinAsParticipant(ctx context.Context, id uuid.UUID) (*entities.LiveSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log := zerolog.Ctx(ctx).With().Str("session_id", id.String()).Logger()

	if l.call != nil {
		return nil, fmt.Errorf("%w: already in session %s", ErrInvalidState, l.call.sessionID)
	}
	session, err := l.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != constant.SessionStatusLive {
		return nil, fmt.Errorf("%w: session is %s", ErrNotLive, session.Status)
	}

	manager, err := rtc.NewManager(l.opts.RTC, l.opts.Devices, l.opts.Self, log)
	if err != nil {
		return nil, err
	}
	if _, err := manager.AcquireLocalMedia(ctx, l.opts.Constraints); err != nil {
		manager.Teardown()
		return nil, err
	}
	sig, err := l.opts.Signaling(ctx, id.String(), l.self(false))
	if err != nil {
		manager.Teardown()
		return nil, err
	}

	c := l.newCall(ctx, id, false, manager, sig, nil)
	l.call = c

	log.Info().Msg("joined session")
	return session, nil
}

func (l *LiveClass) newCall(ctx context.Context, id uuid.UUID, host bool, manager *rtc.Manager, sig SignalConn, pipeline *recorder.Pipeline) *call {
	runCtx, cancel := context.WithCancel(zerolog.Ctx(ctx).With().Str("session_id", id.String()).Logger().WithContext(context.Background()))
	c := &call{
		sessionID: id,
		host:      host,
		manager:   manager,
		signal:    sig,
		pipeline:  pipeline,
		runCtx:    runCtx,
		cancel:    cancel,
		ended:     make(chan struct{}),
		offered:   make(map[string]time.Time),
	}
	// Subscribe before reading so the room state is not missed.
	go c.run(l, sig.Subscribe(events.DefaultBuffer), manager.SubscribeConnectionEvents(events.DefaultBuffer))
	go func() {
		if err := sig.Run(); err != nil {
			zerolog.Ctx(runCtx).Warn().Err(err).Msg("signaling connection lost")
		}
	}()
	go func() {
		<-runCtx.Done()
		c.markEnded()
	}()
	return c
}

// Leave tears down this client's side of the call. The registry is not
// touched; a host leaving does not end the session.
func (l *LiveClass) Leave(ctx context.Context) error {
	l.mu.Lock()
	c := l.call
	l.call = nil
	l.mu.Unlock()
	if c == nil {
		return nil
	}
	if c.pipeline != nil {
		c.pipeline.Discard()
	}
	c.teardown()
	zerolog.Ctx(ctx).Info().Str("session_id", c.sessionID.String()).Msg("left session")
	return nil
}

// EndAsHost closes the call for everyone and moves the session to ended,
// passing through recording while an engaged recorder uploads. An upload
// failure still ends the session and returns an error wrapping
// recorder.ErrUpload; RetryRecording can deliver the held bytes later.
func (l *LiveClass) EndAsHost(ctx context.Context, id uuid.UUID) (*entities.LiveSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log := zerolog.Ctx(ctx).With().Str("session_id", id.String()).Logger()

	c := l.call
	if c == nil || c.sessionID != id {
		return nil, fmt.Errorf("%w: not in session %s", ErrInvalidState, id)
	}
	if !c.host {
		return nil, ErrNotHost
	}

	if err := c.signal.Send(signal.Message{Type: signal.TypeSessionEnded, SessionId: id.String()}); err != nil {
		log.Warn().Err(err).Msg("failed to announce session end")
	}
	c.teardown()
	l.call = nil

	if c.pipeline == nil {
		return l.sessions.SetStatus(ctx, id, constant.SessionStatusEnded)
	}

	if _, err := l.sessions.SetStatus(ctx, id, constant.SessionStatusRecording); err != nil {
		c.pipeline.Discard()
		return nil, err
	}
	_, err := c.pipeline.Stop(ctx)
	if err != nil {
		l.pending = c.pipeline
		log.Error().Err(err).Msg("recording was not delivered, ending session without it")
		session, endErr := l.sessions.SetStatus(ctx, id, constant.SessionStatusEnded)
		if endErr != nil {
			return nil, errors.Join(err, endErr)
		}
		return session, err
	}
	return l.sessions.Get(ctx, id)
}

// RetryRecording re-delivers a recording whose upload failed at session end.
func (l *LiveClass) RetryRecording(ctx context.Context) (recorder.Artifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return recorder.Artifact{}, recorder.ErrNothingToRetry
	}
	artifact, err := l.pending.Retry(ctx)
	if err != nil {
		return artifact, err
	}
	l.pending = nil
	return artifact, nil
}

func (l *LiveClass) active() (*call, error) {
	if l.call == nil {
		return nil, fmt.Errorf("%w: not in a session", ErrInvalidState)
	}
	return l.call, nil
}

func (l *LiveClass) SendChat(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := l.active()
	if err != nil {
		return err
	}
	env := l.envelope(c)
	env.Message = text
	c.manager.Broadcast(datachannel.KindChat, env)
	env.Type = datachannel.KindChat
	if msg, ok := env.ToChatMessage(); ok {
		c.manager.EchoLocal(msg)
	}
	return nil
}

func (l *LiveClass) RaiseHand() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := l.active()
	if err != nil {
		return err
	}
	c.handRaise = true
	env := l.envelope(c)
	c.manager.Broadcast(datachannel.KindHandRaise, env)
	env.Type = datachannel.KindHandRaise
	if msg, ok := env.ToChatMessage(); ok {
		c.manager.EchoLocal(msg)
	}
	l.broadcastPresence(c)
	return nil
}

// ToggleMute reports whether the microphone is now muted.
func (l *LiveClass) ToggleMute() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := l.active()
	if err != nil {
		return false, err
	}
	muted := c.manager.ToggleMute()
	l.broadcastPresence(c)
	return muted, nil
}

// ToggleVideo reports whether the camera is now off.
func (l *LiveClass) ToggleVideo() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := l.active()
	if err != nil {
		return false, err
	}
	off := c.manager.ToggleVideo()
	l.broadcastPresence(c)
	return off, nil
}

func (l *LiveClass) StartScreenShare(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := l.active()
	if err != nil {
		return false, err
	}
	return c.manager.StartScreenShare(ctx), nil
}

func (l *LiveClass) StopScreenShare() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := l.active()
	if err != nil {
		return false, err
	}
	return c.manager.StopScreenShare(), nil
}

// Manager exposes the active call's connections for subscriptions.
func (l *LiveClass) Manager() (*rtc.Manager, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := l.active()
	if err != nil {
		return nil, err
	}
	return c.manager, nil
}

// Ended is closed when the active call is over, either locally or because
// the host ended the session.
func (l *LiveClass) Ended() (<-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := l.active()
	if err != nil {
		return nil, err
	}
	return c.ended, nil
}

func (l *LiveClass) envelope(c *call) datachannel.Envelope {
	return datachannel.Envelope{
		SessionId:  c.sessionID.String(),
		SenderId:   l.opts.Self.UserID,
		SenderName: l.opts.Self.Name,
		Timestamp:  time.Now().UTC(),
	}
}

func (l *LiveClass) broadcastPresence(c *call) {
	stream := c.manager.LocalStream()
	if stream == nil {
		return
	}
	muted, videoOn := false, false
	if audio := stream.FirstAudio(); audio != nil {
		muted = !audio.Enabled()
	}
	if video := stream.FirstVideo(); video != nil {
		videoOn = video.Enabled()
	}
	hand := c.handRaise
	env := l.envelope(c)
	env.Muted, env.VideoOn, env.HandRaised = &muted, &videoOn, &hand
	c.manager.Broadcast(datachannel.KindPresence, env)
}

// detach drops c as the active call if it still is, after the host ended the
// session remotely.
func (l *LiveClass) detach(c *call) {
	l.mu.Lock()
	if l.call == c {
		l.call = nil
	}
	l.mu.Unlock()
}
