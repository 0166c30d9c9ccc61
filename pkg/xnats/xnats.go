package xnats

import (
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
)

// Stream layout. One stream carries both directions, subjects keep them
// apart: ESCROW.EVENT.<kind> inbound, ESCROW.NOTIFY outbound.
const (
	StreamName    = "ESCROW"
	SubjectEvents = "ESCROW.EVENT.*"
	SubjectNotify = "ESCROW.NOTIFY"
)

// EventSubject returns the publish subject for an inbound event kind.
func EventSubject(kind string) string {
	return "ESCROW.EVENT." + strings.ToUpper(kind)
}

// Connect dials NATS and returns a JetStream context.
func Connect(url string) (js nats.JetStreamContext, nc *nats.Conn, err error) {
	nc, err = nats.Connect(url)
	if err != nil {
		return
	}

	js, err = nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return
}

// EnsureStream creates the escrow stream if it does not exist yet.
func EnsureStream(js nats.JetStreamContext) (err error) {
	_, err = js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"ESCROW.>"},
	})
	return
}

// PublishEvent puts an inbound event on the stream, used by adapters and tests.
func PublishEvent(js nats.JetStreamContext, e Event) (err error) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, err = js.Publish(EventSubject(e.Kind), data)
	return
}

// PublishNotification hands an outbound directive to the adapter.
func PublishNotification(js nats.JetStreamContext, n Notification) (err error) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	_, err = js.Publish(SubjectNotify, data)
	return
}
