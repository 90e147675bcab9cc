package relay

import (
	"context"
	"time"

	"github.com/krobus00/ticker-gateway/internal/config"
	"github.com/krobus00/ticker-gateway/internal/constant"
	"github.com/krobus00/ticker-gateway/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Broadcaster pushes an opaque payload to every connected session.
type Broadcaster interface {
	BroadcastAll(payload []byte)
}

// Service relays out-of-band messages published on the broadcast
// subject to all websocket sessions. Payloads pass through verbatim,
// so producers own the frame format. Every gateway instance subscribes
// on its own, which is why this is a plain subscription and not a
// queue group.
type Service struct {
	nc        *nats.Conn
	broadcast Broadcaster
	sub       *nats.Subscription
}

func NewService(nc *nats.Conn, broadcast Broadcaster) *Service {
	return &Service{
		nc:        nc,
		broadcast: broadcast,
	}
}

func (s *Service) JetstreamEventSubscribe(ctx context.Context) error {
	timeout := config.Env.NatsJetstream.TimeoutHandler["broadcast"]
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	sub, err := s.nc.Subscribe(constant.BroadcastSubject, func(msg *nats.Msg) {
		err := util.ProcessWithTimeout(timeout, msg, s.handleBroadcastEvent)
		if err != nil {
			logrus.Errorf("error processing message: %v", err)
		}
	})
	if err != nil {
		logrus.Error(err)
		return err
	}

	s.sub = sub
	logrus.Infof("subscribed to %s", constant.BroadcastSubject)

	return nil
}

func (s *Service) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *Service) handleBroadcastEvent(ctx context.Context, msg *nats.Msg) error {
	if len(msg.Data) == 0 {
		return nil
	}

	s.broadcast.BroadcastAll(msg.Data)
	return nil
}
