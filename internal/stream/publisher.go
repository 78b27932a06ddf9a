// Package stream mirrors sealed audit entries to NATS JetStream for
// downstream consumers (fraud monitoring, analytics, player-facing
// history). Publishing is best effort: the Postgres audit log is the
// source of truth and consumers that miss messages replay from it.
package stream

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"Bankroll/internal/core"
)

// StreamName is the outbound JetStream stream.
const StreamName = "BANKROLL_AUDIT"

// auditMessage is the wire form of one audit entry.
type auditMessage struct {
	Seq          int64             `json:"seq"`
	EntryID      string            `json:"entry_id"`
	Kind         string            `json:"kind"`
	Account      string            `json:"account"`
	Amount       uint64            `json:"amount"`
	BalanceAfter uint64            `json:"balance_after"`
	Detail       map[string]string `json:"detail,omitempty"`
	Hash         string            `json:"hash"`
	PrevHash     string            `json:"prev_hash"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Publisher drains the publish channel and ships entries to JetStream.
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.StateUpdate
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan core.StateUpdate) *Publisher {
	return &Publisher{js: js, inputChan: inputChan}
}

// Run publishes until ctx is cancelled or the input channel closes.
// Publish failures are logged and skipped.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case update, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, update); err != nil {
				log.Printf("WARN: audit publish failed seq=%d: %v", update.Entry.Seq, err)
			}
		}
	}
}

// Subjects follow bankroll.audit.{kind}, e.g. bankroll.audit.Deposit.
func (p *Publisher) publish(ctx context.Context, update core.StateUpdate) error {
	e := update.Entry
	msg := auditMessage{
		Seq:          e.Seq,
		EntryID:      e.EntryID.String(),
		Kind:         e.Kind.String(),
		Account:      e.Account,
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
		Detail:       e.Detail,
		Hash:         hex.EncodeToString(e.Hash[:]),
		PrevHash:     hex.EncodeToString(e.PrevHash[:]),
		CreatedAt:    e.CreatedAt,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	subject := fmt.Sprintf("bankroll.audit.%s", e.Kind)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// Connect dials NATS with unbounded reconnects and opens JetStream.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates or updates the outbound audit stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"bankroll.audit.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create audit stream: %w", err)
	}
	log.Printf("INFO: ensured outbound stream %s", StreamName)
	return nil
}
