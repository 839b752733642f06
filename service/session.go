package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"liveclass/constant"
	"liveclass/dto"
	"liveclass/entities"
	"liveclass/repository"
)

// SessionService is the registry of live sessions. The stored status is the
// single source of truth; every change is a compare-and-swap against it.
type SessionService interface {
	Create(ctx context.Context, req dto.CreateSessionRequest) (*entities.LiveSession, error)
	Get(ctx context.Context, id uuid.UUID) (*entities.LiveSession, error)
	ListForCourse(ctx context.Context, courseId string) ([]*entities.LiveSession, error)
	SetStatus(ctx context.Context, id uuid.UUID, status constant.SessionStatus) (*entities.LiveSession, error)
	AttachRecording(ctx context.Context, id uuid.UUID, ref string) (*entities.LiveSession, error)
	// RevertStart undoes a live transition that the controller could not
	// complete. It is not reachable through SetStatus.
	RevertStart(ctx context.Context, id uuid.UUID) (*entities.LiveSession, error)
	LinkRecording(ctx context.Context, id uuid.UUID, ref string) error
}

type sessionService struct {
	repo     repository.SessionRepository
	validate *validator.Validate
}

func (s *sessionService) Create(ctx context.Context, req dto.CreateSessionRequest) (*entities.LiveSession, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, validationError(err)
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is blank", ErrValidation)
	}
	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		return nil, fmt.Errorf("%w: start time %q is not RFC 3339", ErrValidation, req.StartTime)
	}

	session := &entities.LiveSession{
		ID:          uuid.New(),
		CourseId:    req.CourseId,
		TutorId:     req.TutorId,
		Title:       req.Title,
		Description: req.Description,
		StartTime:   startTime.UTC(),
		Duration:    req.Duration,
		Status:      constant.SessionStatusScheduled,
		RoomId:      req.RoomId,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to create live session")
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("session_id", session.ID.String()).
		Str("course_id", session.CourseId).
		Time("start_time", session.StartTime).
		Msg("live session scheduled")
	return session, nil
}

func (s *sessionService) Get(ctx context.Context, id uuid.UUID) (*entities.LiveSession, error) {
	session, err := s.repo.FindSessionById(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return session, nil
}

func (s *sessionService) ListForCourse(ctx context.Context, courseId string) ([]*entities.LiveSession, error) {
	if strings.TrimSpace(courseId) == "" {
		return nil, fmt.Errorf("%w: course id is required", ErrValidation)
	}
	return s.repo.ListSessionsByCourse(ctx, courseId)
}

func (s *sessionService) SetStatus(ctx context.Context, id uuid.UUID, status constant.SessionStatus) (*entities.LiveSession, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(status) {
		zerolog.Ctx(ctx).Error().
			Str("session_id", id.String()).
			Str("from", current.Status.String()).
			Str("to", status.String()).
			Msg("rejected session status transition")
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}
	return s.swapStatus(ctx, id, current.Status, status)
}

func (s *sessionService) RevertStart(ctx context.Context, id uuid.UUID) (*entities.LiveSession, error) {
	return s.swapStatus(ctx, id, constant.SessionStatusLive, constant.SessionStatusScheduled)
}

func (s *sessionService) swapStatus(ctx context.Context, id uuid.UUID, from, to constant.SessionStatus) (*entities.LiveSession, error) {
	swapped, err := s.repo.CompareAndSwapStatus(ctx, id, from, to)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("session_id", id.String()).Msg("failed to update session status")
		return nil, err
	}
	if !swapped {
		// Someone else moved the session between our read and the write.
		latest, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		zerolog.Ctx(ctx).Error().
			Str("session_id", id.String()).
			Str("expected", from.String()).
			Str("actual", latest.Status.String()).
			Msg("session status changed concurrently")
		return nil, fmt.Errorf("%w: %s -> %s (status is %s)", ErrInvalidTransition, from, to, latest.Status)
	}

	zerolog.Ctx(ctx).Info().
		Str("session_id", id.String()).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("session status changed")
	return s.Get(ctx, id)
}

func (s *sessionService) AttachRecording(ctx context.Context, id uuid.UUID, ref string) (*entities.LiveSession, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("%w: recording reference is required", ErrValidation)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	allowed := []constant.SessionStatus{constant.SessionStatusEnded, constant.SessionStatusRecording}
	updated, err := s.repo.UpdateRecordingUrl(ctx, id, ref, allowed)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("session_id", id.String()).Msg("failed to attach recording")
		return nil, err
	}
	if !updated {
		zerolog.Ctx(ctx).Error().
			Str("session_id", id.String()).
			Str("status", current.Status.String()).
			Msg("recording attached to a session that has not ended")
		return nil, fmt.Errorf("%w: cannot attach recording while %s", ErrInvalidState, current.Status)
	}

	zerolog.Ctx(ctx).Info().Str("session_id", id.String()).Str("recording_url", ref).Msg("recording attached")
	return s.Get(ctx, id)
}

// LinkRecording attaches the artifact and closes out a session that was
// waiting on its upload.
func (s *sessionService) LinkRecording(ctx context.Context, id uuid.UUID, ref string) error {
	session, err := s.AttachRecording(ctx, id, ref)
	if err != nil {
		return err
	}
	if session.Status == constant.SessionStatusRecording {
		if _, err := s.SetStatus(ctx, id, constant.SessionStatusEnded); err != nil {
			return err
		}
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		fields := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, ", "))
	}
	return errors.Join(ErrValidation, err)
}

func NewSessionService(repo repository.SessionRepository) SessionService {
	return &sessionService{
		repo:     repo,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}
