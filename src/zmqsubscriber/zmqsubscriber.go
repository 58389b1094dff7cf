// Package zmqsubscriber listens for node ZMQ notifications and turns them into
// early synchronizer runs.
package zmqsubscriber

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	TopicHashBlock = "hashblock"
	TopicHashTx    = "hashtx"
)

// receive timeout, bounds how long Run takes to notice cancellation
const pollInterval = 250 * time.Millisecond

// Notification is a parsed ZMQ message.
type Notification struct {
	Topic    string
	Hash     string
	Sequence uint32
}

// Handler is called for every notification, on the subscriber goroutine.
type Handler func(Notification)

type ZMQSubscriber struct {
	address string
	topics  []string
	socket  *zmq4.Socket
	handler Handler
	log     logrus.FieldLogger
}

// NewZMQSubscriber connects to a node's ZMQ publisher at address, e.g.
// tcp://127.0.0.1:28332, and subscribes to block and transaction hashes.
func NewZMQSubscriber(address string, handler Handler, log logrus.FieldLogger) (*ZMQSubscriber, error) {
	socket, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, errors.Wrap(err, "could not create ZMQ socket")
	}

	topics := []string{TopicHashBlock, TopicHashTx}
	for _, topic := range topics {
		if err := socket.SetSubscribe(topic); err != nil {
			socket.Close()
			return nil, errors.Wrapf(err, "could not subscribe to %s", topic)
		}
	}
	if err := socket.SetRcvtimeo(pollInterval); err != nil {
		socket.Close()
		return nil, errors.Wrap(err, "could not set receive timeout")
	}
	if err := socket.Connect(address); err != nil {
		socket.Close()
		return nil, errors.Wrapf(err, "could not connect ZMQ subscriber to '%s'", address)
	}

	return &ZMQSubscriber{
		address: address,
		topics:  topics,
		socket:  socket,
		handler: handler,
		log:     log.WithField("component", "zmq"),
	}, nil
}

// Run receives notifications until ctx is cancelled. Malformed messages are
// logged and skipped.
func (z *ZMQSubscriber) Run(ctx context.Context) error {
	z.log.WithField("address", z.address).Info("listening for notifications")
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				continue
			}
			return errors.Wrap(err, "could not receive ZMQ message")
		}

		n, err := parseNotification(msg)
		if err != nil {
			z.log.WithError(err).Warn("skipping malformed notification")
			continue
		}
		z.log.WithFields(logrus.Fields{
			"topic": n.Topic,
			"hash":  n.Hash,
		}).Debug("notification")
		z.handler(n)
	}
}

func parseNotification(msg [][]byte) (Notification, error) {
	if len(msg) != 3 {
		return Notification{}, errors.Errorf("unknown message format: %d parts", len(msg))
	}
	topic, body, seq := string(msg[0]), msg[1], msg[2]
	switch topic {
	case TopicHashBlock, TopicHashTx:
	default:
		return Notification{}, errors.Errorf("unknown topic %q", topic)
	}
	if len(body) != 32 {
		return Notification{}, errors.Errorf("%s: hash has %d bytes", topic, len(body))
	}
	if len(seq) != 4 {
		return Notification{}, errors.Errorf("%s: sequence has %d bytes", topic, len(seq))
	}
	return Notification{
		Topic:    topic,
		Hash:     hex.EncodeToString(body),
		Sequence: binary.LittleEndian.Uint32(seq),
	}, nil
}

func (z *ZMQSubscriber) Quit() error {
	return z.socket.Close()
}
