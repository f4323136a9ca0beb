package feed

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/lob/pkg/lx"
)

// DefaultPrefix is the first subject token of every event.
const DefaultPrefix = "lob"

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subj string, data []byte) error
}

// SinkRecorder observes publish outcomes.
type SinkRecorder interface {
	RecordSink(sink string, err error)
}

// Publisher forwards committed engine events to NATS on
// <prefix>.<instrument>.<type>. Deposits and withdrawals use the asset as
// the instrument token.
type Publisher struct {
	conn     Conn
	prefix   string
	logger   log.Logger
	recorder SinkRecorder
}

// Connect dials a NATS server with reconnects enabled.
func Connect(url, name string, logger log.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
}

// NewPublisher creates a publisher on conn. An empty prefix uses
// DefaultPrefix.
func NewPublisher(conn Conn, prefix string, logger log.Logger, recorder SinkRecorder) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = log.Root().New("module", "feed")
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger, recorder: recorder}
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// Subject returns the subject an event is published on.
func Subject(prefix string, e lx.Event) string {
	inst := e.Instrument
	if inst == "" {
		inst = e.Asset
	}
	if inst == "" {
		inst = "_"
	}
	return prefix + "." + tokenReplacer.Replace(inst) + "." + string(e.Type)
}

// Publish implements lx.Publisher.
func (p *Publisher) Publish(e lx.Event) error {
	data, err := json.Marshal(e)
	if err == nil {
		err = p.conn.Publish(Subject(p.prefix, e), data)
	}
	if p.recorder != nil {
		p.recorder.RecordSink("nats", err)
	}
	if err != nil {
		p.logger.Warn("Failed to publish to NATS", "seq", e.Sequence, "err", err)
	}
	return err
}
