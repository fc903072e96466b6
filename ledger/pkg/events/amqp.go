package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/utils/pkg/retry"
	amqp "github.com/rabbitmq/amqp091-go"
)

type AMQPConfig struct {
	Logger   *slog.Logger
	URL      string
	Exchange string
	Retry    retry.Config
}

func (cfg *AMQPConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URL == "" {
		return errors.New("amqp url is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "kpivest.events"
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Config{MaxAttempts: 10, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}
	}
	return nil
}

// AMQPPublisher publishes events as persistent JSON messages to a durable
// topic exchange, routed by event type.
type AMQPPublisher struct {
	log *slog.Logger
	cfg AMQPConfig

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPPublisher(ctx context.Context, cfg AMQPConfig) (*AMQPPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &AMQPPublisher{log: cfg.Logger, cfg: cfg}
	if err := p.connect(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect(ctx context.Context) error {
	return retry.Do(ctx, p.cfg.Retry, func() error {
		conn, err := amqp.Dial(p.cfg.URL)
		if err != nil {
			p.log.Warn("events/amqp: dial failed", "error", err)
			return fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to open channel: %w", err)
		}
		if err := ch.ExchangeDeclare(
			p.cfg.Exchange,
			amqp.ExchangeTopic,
			true,  // durable
			false, // autoDelete
			false, // internal
			false, // noWait
			nil,
		); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("failed to declare exchange: %w", err)
		}
		p.conn = conn
		p.channel = ch
		p.log.Info("events/amqp: connected", "exchange", p.cfg.Exchange)
		return nil
	})
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt core.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil || p.channel.IsClosed() {
		if err := p.connect(ctx); err != nil {
			return err
		}
	}

	err = p.channel.PublishWithContext(ctx,
		p.cfg.Exchange,
		evt.Type, // routing key
		false,    // mandatory
		false,    // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    evt.ID.String(),
			Timestamp:    evt.At,
			Type:         evt.Type,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
