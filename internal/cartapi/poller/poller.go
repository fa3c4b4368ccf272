// Package poller empties carts once their checkout completed.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTopic   = "checkout-outbox"
	DefaultGroupID = "cart-api-consumer"
)

// CartClearer removes a user's cart from storage and cache.
type CartClearer interface {
	ClearCart(ctx context.Context, userID string) error
}

// CheckoutCompleted is the outbox event published by checkout.
type CheckoutCompleted struct {
	CheckoutID string `json:"checkout_id"`
	UserID     string `json:"user_id"`
}

type Poller struct {
	carts  CartClearer
	reader *kafka.Reader
	log    logrus.FieldLogger
}

func NewPoller(carts CartClearer, log logrus.FieldLogger, topic string, brokers ...string) *Poller {
	if topic == "" {
		topic = DefaultTopic
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  DefaultGroupID,
		MaxBytes: 10e6, // 10MB
	})
	return &Poller{
		carts:  carts,
		reader: reader,
		log:    log.WithFields(logrus.Fields{"component": "poller", "topic": topic}),
	}
}

// Run consumes until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	for {
		m, err := p.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.WithError(err).Warn("error reading message")
			continue
		}
		if err := p.handle(ctx, m.Value); err != nil {
			p.log.WithError(err).WithField("offset", m.Offset).Warn("checkout event skipped")
		}
	}
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		p.log.WithError(err).Warn("error closing reader")
	}
}

var errMissingUser = errors.New("missing or invalid user_id")

func (p *Poller) handle(ctx context.Context, value []byte) error {
	var event CheckoutCompleted
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("error parsing message: %w", err)
	}
	if event.UserID == "" {
		return errMissingUser
	}

	if err := p.carts.ClearCart(ctx, event.UserID); err != nil {
		return fmt.Errorf("failed to clear cart of %s: %w", event.UserID, err)
	}
	p.log.WithFields(logrus.Fields{"user_id": event.UserID, "checkout_id": event.CheckoutID}).Info("cart cleared after checkout")
	return nil
}
