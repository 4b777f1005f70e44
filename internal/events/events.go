// Package events announces finished training runs on an AMQP exchange so
// downstream jobs (batch classification of the footage library) can pick
// up the new model.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ModelTrained is published once per run that completed at least one
// epoch.
type ModelTrained struct {
	RunID           string    `json:"run_id"`
	Status          string    `json:"status"`
	Manifest        string    `json:"manifest"`
	ModelPath       string    `json:"model_path,omitempty"`
	ObjectURI       string    `json:"object_uri,omitempty"`
	BestValAccuracy float64   `json:"best_val_accuracy"`
	BestEpoch       int       `json:"best_epoch"`
	Epochs          int       `json:"epochs"`
	Samples         int       `json:"samples"`
	FinishedAt      time.Time `json:"finished_at"`
}

type Publisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

// Dial connects and declares exchange as a durable topic exchange.
func Dial(url, exchange, routingKey string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{conn: conn, channel: ch, exchange: exchange, routingKey: routingKey}, nil
}

func (p *Publisher) PublishModelTrained(ctx context.Context, ev ModelTrained) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    ev.RunID,
			Type:         "model.trained",
		},
	)
}

func (p *Publisher) Close() error {
	p.channel.Close()
	return p.conn.Close()
}
