package cmd

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"liveclass/config"
	"liveclass/constant"
	"liveclass/pkg/events"
	"liveclass/pkg/media"
	"liveclass/pkg/rabbitmq"
	"liveclass/pkg/recorder"
	"liveclass/pkg/rtc"
	"liveclass/pkg/storage"
	"liveclass/repository"
	server2 "liveclass/server"
	"liveclass/service"
)

type clientFlags struct {
	session string
	user    string
	name    string
	record  bool
}

func host(config *config.Config) *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "host",
		Short: "start a scheduled session as its tutor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(config, flags, true)
		},
	}
	addClientFlags(cmd, flags)
	cmd.Flags().BoolVar(&flags.record, "record", config.Recording.Enabled, "record the session")
	return cmd
}

func join(config *config.Config) *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "join",
		Short: "join a live session as a student",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(config, flags, false)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

func addClientFlags(cmd *cobra.Command, flags *clientFlags) {
	cmd.Flags().StringVar(&flags.session, "session", "", "live session id")
	cmd.Flags().StringVar(&flags.user, "user", "", "your user id")
	cmd.Flags().StringVar(&flags.name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("user")
}

func runClient(cfg *config.Config, flags *clientFlags, asHost bool) error {
	ctx, cancel := signal.NotifyContext(server2.SetupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	log := zerolog.Ctx(ctx)

	sessionID, err := uuid.Parse(flags.session)
	if err != nil {
		return err
	}
	repo, err := repository.NewRepo(cfg.DB, cfg.App.Debug)
	if err != nil {
		return err
	}
	sessions := service.NewSessionService(repo)

	role := constant.RoleStudent
	if asHost {
		role = constant.RoleTutor
	}
	name := flags.name
	if name == "" {
		name = flags.user
	}

	opts := service.LiveClassOptions{
		Self:    rtc.Identity{UserID: flags.user, Name: name, Role: role},
		RTC:     rtc.Config{ICEServers: server2.ICEServers(cfg)},
		Devices: media.NewFileDevices(cfg.Media.Camera, cfg.Media.Microphone, cfg.Media.Screen, cfg.Media.Loop, *log),
		Constraints: media.Constraints{
			Width:            cfg.Media.Width,
			Height:           cfg.Media.Height,
			FrameRate:        cfg.Media.FrameRate,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Signaling: service.WebsocketDialer(cfg.Signaling.URL),
		Record:    asHost && flags.record,
		Timeslice: cfg.Recording.Timeslice,
	}
	if opts.Record {
		store := storage.NewMinioStore(cfg.Storage, cfg.MinIO.Bucket)
		if err := store.EnsureBucket(ctx); err != nil {
			return err
		}
		opts.Uploader = store
		if cfg.Recording.LinkMode == constant.RecordingLinkQueue {
			conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
			if err != nil {
				return err
			}
			publisher := rabbitmq.NewPublisher(conn, cfg.Queue, rabbitmq.RecordingUploaded)
			defer publisher.Close()
			opts.Linker = publisher
		}
	}

	live := service.NewLiveClass(sessions, opts)
	if asHost {
		if _, err := live.StartAsHost(ctx, sessionID); err != nil {
			return err
		}
	} else {
		if _, err := live.JoinAsParticipant(ctx, sessionID); err != nil {
			return err
		}
	}

	manager, err := live.Manager()
	if err != nil {
		return err
	}
	ended, err := live.Ended()
	if err != nil {
		return err
	}
	go printActivity(ctx, manager)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ended:
			log.Info().Msg("session is over")
			return nil
		case <-ctx.Done():
			return finish(context.WithoutCancel(ctx), live, sessionID, asHost)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			done, err := command(ctx, live, sessionID, asHost, strings.TrimSpace(line))
			if err != nil {
				log.Error().Err(err).Msg("command failed")
			}
			if done {
				return nil
			}
		}
	}
}

// command runs one line typed by the user. Anything that is not a slash
// command is sent as chat.
func command(ctx context.Context, live *service.LiveClass, sessionID uuid.UUID, asHost bool, line string) (bool, error) {
	log := zerolog.Ctx(ctx)
	switch line {
	case "":
		return false, nil
	case "/mute":
		muted, err := live.ToggleMute()
		log.Info().Bool("muted", muted).Send()
		return false, err
	case "/video":
		off, err := live.ToggleVideo()
		log.Info().Bool("camera_off", off).Send()
		return false, err
	case "/share":
		ok, err := live.StartScreenShare(ctx)
		log.Info().Bool("sharing", ok).Send()
		return false, err
	case "/unshare":
		ok, err := live.StopScreenShare()
		log.Info().Bool("stopped", ok).Send()
		return false, err
	case "/hand":
		return false, live.RaiseHand()
	case "/retry":
		artifact, err := live.RetryRecording(ctx)
		if err == nil {
			log.Info().Str("reference", artifact.Reference).Msg("recording delivered")
		}
		return false, err
	case "/leave":
		return true, live.Leave(ctx)
	case "/end":
		if !asHost {
			return false, service.ErrNotHost
		}
		return true, finish(ctx, live, sessionID, asHost)
	default:
		return false, live.SendChat(line)
	}
}

func finish(ctx context.Context, live *service.LiveClass, sessionID uuid.UUID, asHost bool) error {
	if !asHost {
		return live.Leave(ctx)
	}
	session, err := live.EndAsHost(ctx, sessionID)
	if errors.Is(err, recorder.ErrUpload) {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("session ended but the recording may be unavailable")
		return nil
	}
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("status", session.Status.String()).Msg("session ended")
	return nil
}

func printActivity(ctx context.Context, manager *rtc.Manager) {
	log := zerolog.Ctx(ctx)
	messages := manager.SubscribeMessages(rtc.MessageBuffer)
	tracks := manager.SubscribeRemoteTracks(events.DefaultBuffer)
	states := manager.SubscribeConnectionEvents(events.DefaultBuffer)
	for {
		select {
		case msg, ok := <-messages.C():
			if !ok {
				return
			}
			log.Info().Str("from", msg.SenderName).Str("kind", string(msg.Kind)).Bool("local", msg.Local).Msg(msg.Text)
		case track, ok := <-tracks.C():
			if !ok {
				return
			}
			log.Info().Str("peer_id", track.PeerID).Str("kind", track.Track.Kind().String()).Msg("receiving remote media")
			go drain(track)
		case event, ok := <-states.C():
			if !ok {
				return
			}
			if event.Err != nil {
				log.Warn().Err(event.Err).Str("peer_id", event.PeerID).Msg("connection problem")
			}
		}
	}
}

// drain consumes remote media; the headless client does not render it.
func drain(track rtc.RemoteTrack) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Track.Read(buf); err != nil {
			return
		}
	}
}
