// Package bus wraps the two ZeroMQ sockets Hedwig's workers use: a SUB
// socket the send worker dials to receive ZMQSendEmailMessage frames,
// and a PUB socket the reply worker binds to publish ZMQReplyMessage
// and ZMQUnsubscribeMessage frames. Structurally grounded on the
// teacher's internal/mqtt/publisher.go connection-lifecycle shape
// (New/Start/Stop, a logger field, context-scoped background work);
// ZeroMQ needs none of MQTT's reconnect-resubscribe dance, so that
// part is dropped.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/pushkind/hedwig/internal/hedwig/domain"
)

// Subscriber receives ZMQSendEmailMessage frames from the emailer SUB
// endpoint, used by cmd/sendworker.
type Subscriber struct {
	endpoint string
	logger   *slog.Logger
	sock     zmq4.Socket
}

// NewSubscriber creates a Subscriber for the given endpoint. Call
// Start to dial and begin receiving.
func NewSubscriber(endpoint string, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{endpoint: endpoint, logger: logger}
}

// Start dials the SUB socket and subscribes to every message (an
// empty topic filter), matching the wire format's single unnamed
// message stream.
func (s *Subscriber) Start(ctx context.Context) error {
	s.sock = zmq4.NewSub(ctx)
	if err := s.sock.Dial(s.endpoint); err != nil {
		return fmt.Errorf("bus: dial sub socket %s: %w", s.endpoint, err)
	}
	if err := s.sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("bus: subscribe on %s: %w", s.endpoint, err)
	}
	s.logger.Info("bus subscriber connected", "endpoint", s.endpoint)
	return nil
}

// Stop closes the underlying socket.
func (s *Subscriber) Stop() error {
	if s.sock == nil {
		return nil
	}
	return s.sock.Close()
}

// Recv blocks for the next ZMQSendEmailMessage frame. It returns
// ctx.Err() once the socket's context is cancelled.
func (s *Subscriber) Recv(ctx context.Context) (domain.ZMQSendEmailMessage, error) {
	msg, err := s.sock.Recv()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.ZMQSendEmailMessage{}, ctxErr
		}
		return domain.ZMQSendEmailMessage{}, fmt.Errorf("bus: recv: %w", err)
	}

	var out domain.ZMQSendEmailMessage
	if err := json.Unmarshal(msg.Bytes(), &out); err != nil {
		return domain.ZMQSendEmailMessage{}, fmt.Errorf("bus: decode send-email message: %w", err)
	}

	// correlationID has no protocol meaning; it only ties this
	// message's log lines together across the worker's processing.
	s.logger.Debug("bus message received", "correlation_id", uuid.NewString())
	return out, nil
}

// Publisher binds a PUB socket and publishes reply/unsubscribe
// events, used by cmd/replyworker. It implements
// classifier.Publisher.
type Publisher struct {
	endpoint string
	logger   *slog.Logger
	sock     zmq4.Socket
}

// NewPublisher creates a Publisher for the given endpoint. Call Start
// to bind before publishing.
func NewPublisher(endpoint string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{endpoint: endpoint, logger: logger}
}

// Start binds the PUB socket.
func (p *Publisher) Start(ctx context.Context) error {
	p.sock = zmq4.NewPub(ctx)
	if err := p.sock.Listen(p.endpoint); err != nil {
		return fmt.Errorf("bus: listen pub socket %s: %w", p.endpoint, err)
	}
	p.logger.Info("bus publisher bound", "endpoint", p.endpoint)
	return nil
}

// Stop closes the underlying socket.
func (p *Publisher) Stop() error {
	if p.sock == nil {
		return nil
	}
	return p.sock.Close()
}

// PublishReply publishes a ZMQReplyMessage frame.
func (p *Publisher) PublishReply(ctx context.Context, msg domain.ZMQReplyMessage) error {
	return p.publish(msg)
}

// PublishUnsubscribe publishes a ZMQUnsubscribeMessage frame.
func (p *Publisher) PublishUnsubscribe(ctx context.Context, msg domain.ZMQUnsubscribeMessage) error {
	return p.publish(msg)
}

func (p *Publisher) publish(v any) error {
	correlationID := uuid.NewString()
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: encode message: %w", err)
	}
	if err := p.sock.Send(zmq4.NewMsg(payload)); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	p.logger.Debug("bus message published", "correlation_id", correlationID)
	return nil
}
