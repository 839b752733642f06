package handler

import (
	"context"
	"encoding/json"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"liveclass/dto"
	"liveclass/service"
)

type ServiceDependencies struct {
	SessionService service.SessionService
}

// RecordingUploadedHandler links an uploaded recording to its session.
// Messages that can never succeed are logged and acknowledged; anything else
// is returned so the consumer retries it.
func RecordingUploadedHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var uploaded dto.RecordingUploadedMessage
	if err := json.Unmarshal(msg.Body, &uploaded); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal recording uploaded message")
		return nil
	}

	zerolog.Ctx(ctx).Info().
		Str("live_session_id", uploaded.LiveSessionId.String()).
		Str("recording_url", uploaded.RecordingUrl).
		Msg("received recording uploaded message")

	err := deps.SessionService.LinkRecording(ctx, uploaded.LiveSessionId, uploaded.RecordingUrl)
	if err == nil {
		return nil
	}
	if nonRetryable(err) {
		zerolog.Ctx(ctx).Error().Err(err).Str("live_session_id", uploaded.LiveSessionId.String()).Msg("dropping recording uploaded message")
		return nil
	}
	return err
}

func nonRetryable(err error) bool {
	return errors.Is(err, service.ErrValidation) ||
		errors.Is(err, service.ErrNotFound) ||
		errors.Is(err, service.ErrInvalidState) ||
		errors.Is(err, service.ErrInvalidTransition)
}
