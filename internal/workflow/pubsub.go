package workflow

import (
	"fmt"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/constants"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
)

const (
	TransportMemory = "memory"
	TransportNATS   = "nats"
)

const (
	natsMaxReconnects = -1
	natsReconnectWait = 2 * time.Second
	natsCloseTimeout  = 30 * time.Second
	natsMaxDeliver    = 3
)

// Transport is the publisher/subscriber pair stage messages travel over.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

func (t *Transport) Close() error {
	pubErr := t.Publisher.Close()
	// the memory transport uses one instance for both sides
	if any(t.Subscriber) == any(t.Publisher) {
		return pubErr
	}
	if err := t.Subscriber.Close(); err != nil {
		return err
	}
	return pubErr
}

func NewTransport(cfg *config.Config, logger watermill.LoggerAdapter) (*Transport, error) {
	switch cfg.Pipeline.Transport {
	case TransportMemory:
		return newMemoryTransport(logger), nil
	case TransportNATS:
		return newNATSTransport(cfg.Pipeline, logger)
	default:
		return nil, fmt.Errorf("unknown pipeline transport %q", cfg.Pipeline.Transport)
	}
}

func newMemoryTransport(logger watermill.LoggerAdapter) *Transport {
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, logger)
	return &Transport{Publisher: pubSub, Subscriber: pubSub}
}

func natsOptions(logger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(natsMaxReconnects),
		natsgo.ReconnectWait(natsReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("nats disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("nats reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}
}

func newNATSTransport(cfg config.PipelineConfig, logger watermill.LoggerAdapter) (*Transport, error) {
	opts := natsOptions(logger)

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.NATSURL,
		NatsOptions: opts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create nats publisher: %w", err)
	}

	// A stage may retry in-process several times before it acks, so the ack
	// deadline covers the whole retry budget.
	ackWait := constants.StageTimeout * time.Duration(cfg.MaxRetries+1)

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.NATSURL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: cfg.SubscribersCount,
		AckWaitTimeout:   ackWait,
		CloseTimeout:     natsCloseTimeout,
		NatsOptions:      opts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.MaxDeliver(natsMaxDeliver),
				natsgo.AckWait(ackWait),
				natsgo.DeliverAll(),
			},
			DurablePrefix: cfg.QueueGroup,
		},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("failed to create nats subscriber: %w", err)
	}

	return &Transport{Publisher: pub, Subscriber: sub}, nil
}
