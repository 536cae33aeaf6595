package messaging

import (
	"context"
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// ZMQPublisher binds a PUB socket and sends every event as a two frame
// message: the topic, then the protojson body. Subscribers filter on the
// topic prefix.
type ZMQPublisher struct {
	endpoint string
	logger   *log.Logger

	mu     sync.Mutex
	socket *zmq.Socket
}

var (
	_ stats.Sink       = (*ZMQPublisher)(nil)
	_ stats.StatusSink = (*ZMQPublisher)(nil)
)

// NewZMQPublisher binds a PUB socket on endpoint, e.g. "tcp://127.0.0.1:28400".
func NewZMQPublisher(endpoint string, logger *log.Logger) (*ZMQPublisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_socket",
			"failed to create ZMQ socket")
	}
	if err := socket.SetSndhwm(1000); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_socket",
			"failed to set send high water mark")
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_bind",
			"failed to bind ZMQ endpoint").
			WithContext("endpoint", endpoint)
	}

	logger = logger.WithComponent("zmq")
	logger.Info("bound ZMQ event feed", "endpoint", endpoint)
	return &ZMQPublisher{endpoint: endpoint, logger: logger, socket: socket}, nil
}

// Name implements stats.Sink.
func (z *ZMQPublisher) Name() string { return "zmq" }

// RecordShare implements stats.Sink.
func (z *ZMQPublisher) RecordShare(_ context.Context, o stats.ShareOutcome) error {
	ev, err := ShareEvent(o)
	if err != nil {
		return err
	}
	return z.Publish(ev)
}

// RecordPoolSwitch implements stats.Sink.
func (z *ZMQPublisher) RecordPoolSwitch(_ context.Context, s stats.PoolSwitch) error {
	ev, err := PoolSwitchEvent(s)
	if err != nil {
		return err
	}
	return z.Publish(ev)
}

// PublishStatus implements stats.StatusSink.
func (z *ZMQPublisher) PublishStatus(_ context.Context, s stats.StatusSnapshot) error {
	ev, err := StatusEvent(s)
	if err != nil {
		return err
	}
	return z.Publish(ev)
}

// Publish sends ev. ZMQ sockets are not safe for concurrent use, so sends are
// serialized.
func (z *ZMQPublisher) Publish(ev *Event) error {
	body, err := ev.JSON()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "protojson_marshal",
			"failed to marshal event").
			WithContext("topic", ev.Topic)
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		return errors.New(errors.ErrorTypeMessaging, "zmq_publish", "publisher closed")
	}
	if _, err := z.socket.SendMessageDontwait(ev.Topic, body); err != nil {
		return errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_publish",
			"failed to publish ZMQ message").
			WithContext("topic", ev.Topic)
	}
	z.logger.Debug("published message", "topic", ev.Topic, "size", len(body))
	return nil
}

// Close closes the socket.
func (z *ZMQPublisher) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		return nil
	}
	err := z.socket.Close()
	z.socket = nil
	return err
}
