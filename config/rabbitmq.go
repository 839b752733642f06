package config

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const rabbitMQDialAttempts = 5

// URL is the AMQP address of the broker. Credentials are escaped so a
// password may carry reserved characters.
func (r *RabbitMQ) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(r.User, r.Pass),
		Host:   fmt.Sprintf("%s:%d", r.Host, r.Port),
		Path:   "/",
	}
	return u.String()
}

// NewRabbitMQConn dials the broker with exponential backoff. The connection
// is closed when ctx is done; an unexpected close is logged.
func NewRabbitMQConn(ctx context.Context, cfg *RabbitMQ) (*amqp.Connection, error) {
	log := zerolog.Ctx(ctx).With().Str("broker", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)).Logger()

	dial := func() (*amqp.Connection, error) {
		conn, err := amqp.Dial(cfg.URL())
		if err != nil {
			log.Warn().Err(err).Msg("rabbitmq not reachable, retrying")
			return nil, err
		}
		return conn, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	conn, err := backoff.Retry(ctx, dial, backoff.WithBackOff(bo), backoff.WithMaxTries(rabbitMQDialAttempts))
	if err != nil {
		log.Error().Err(err).Msg("giving up on rabbitmq")
		return nil, err
	}
	log.Info().Msg("connected to rabbitmq")

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		select {
		case <-ctx.Done():
			if err := conn.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close rabbitmq connection")
				return
			}
			log.Info().Msg("rabbitmq connection closed")
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				log.Error().Str("reason", amqpErr.Reason).Int("code", amqpErr.Code).Msg("rabbitmq connection lost")
			}
		}
	}()

	return conn, nil
}
