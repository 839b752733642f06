package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"liveclass/config"
	"liveclass/dto"
)

type Publisher struct {
	conn     *amqp.Connection
	cfg      *config.RabbitMQ
	topology Topology

	mu sync.Mutex
	ch *amqp.Channel
}

func NewPublisher(conn *amqp.Connection, cfg *config.RabbitMQ, topology Topology) *Publisher {
	return &Publisher{conn: conn, cfg: cfg, topology: topology}
}

func (p *Publisher) channel(ctx context.Context) (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := declare(ctx, ch, p.cfg.Kind, Topology{Exchange: p.topology.Exchange}); err != nil {
		_ = ch.Close()
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) Publish(ctx context.Context, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, p.topology.Exchange, p.topology.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         raw,
	})
}

// LinkRecording hands the artifact to the server, which attaches it to the
// session when it consumes the message.
func (p *Publisher) LinkRecording(ctx context.Context, id uuid.UUID, ref string) error {
	err := p.Publish(ctx, dto.RecordingUploadedMessage{LiveSessionId: id, RecordingUrl: ref})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("live_session_id", id.String()).Msg("failed to publish recording uploaded message")
		return err
	}
	zerolog.Ctx(ctx).Info().Str("live_session_id", id.String()).Str("routing_key", p.topology.RoutingKey).Msg("published recording uploaded message")
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	return p.ch.Close()
}
