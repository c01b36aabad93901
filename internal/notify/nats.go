package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// Publisher is the part of *nats.Conn the NATS sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes each event on Subject + "." + activity type, for example
// clawcontrol.activity.operation.completed.
type NATS struct {
	Conn    Publisher
	Subject string
	conn    *nats.Conn
}

// ConnectNATS dials url and returns a sink publishing under subject.
func ConnectNATS(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("clawcontrol"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if subject == "" {
		subject = "clawcontrol.activity"
	}
	return &NATS{Conn: nc, Subject: subject, conn: nc}, nil
}

func (n *NATS) Name() string { return "nats:" + n.Subject }

func (n *NATS) Accepts(string) bool { return true }

func (n *NATS) Deliver(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	subject := n.Subject + "." + strings.ReplaceAll(ev.Type, " ", "_")
	if err := n.Conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection opened by ConnectNATS.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
