package pgstate

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/chainq/notify"
)

const (
	channelJobScheduled   = "chainq_job_scheduled"
	channelChainCompleted = "chainq_job_chain_completed"
	channelOwnershipLost  = "chainq_job_ownership_lost"
)

type scheduledPayload struct {
	TypeName string `json:"type_name"`
	Count    int    `json:"count"`
}

// Listener is a notify.Adapter over PostgreSQL LISTEN/NOTIFY. It can
// share the Store's pool. All local subscribers of a channel share one
// physical LISTEN connection, reference-counted; the connection is
// released when the last subscriber disposes.
type Listener struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	subs map[string]*channelSub
}

// channelSub is one physical LISTEN subscription fanned out to its
// local handlers.
type channelSub struct {
	handlers map[int]func(payload string)
	next     int
	cancel   context.CancelFunc
}

var _ notify.Adapter = (*Listener)(nil)

// NewListener wraps a connection pool.
func NewListener(pool *pgxpool.Pool) *Listener {
	return &Listener{pool: pool, subs: make(map[string]*channelSub)}
}

func (l *Listener) NotifyJobScheduled(ctx context.Context, typeName string, count int) error {
	payload, err := json.Marshal(scheduledPayload{TypeName: typeName, Count: count})
	if err != nil {
		return fmt.Errorf("marshal scheduled payload: %w", err)
	}
	return l.send(ctx, channelJobScheduled, string(payload))
}

func (l *Listener) ListenJobScheduled(ctx context.Context, typeNames []string, fn func(typeName string, count int)) (func(), error) {
	names := slices.Clone(typeNames)
	return l.listen(ctx, channelJobScheduled, func(payload string) {
		var p scheduledPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return
		}
		if !slices.Contains(names, p.TypeName) {
			return
		}
		fn(p.TypeName, p.Count)
	})
}

func (l *Listener) NotifyJobChainCompleted(ctx context.Context, chainID string) error {
	return l.send(ctx, channelChainCompleted, chainID)
}

func (l *Listener) ListenJobChainCompleted(ctx context.Context, chainID string, fn func(chainID string)) (func(), error) {
	return l.listen(ctx, channelChainCompleted, func(payload string) {
		if payload == chainID {
			fn(payload)
		}
	})
}

func (l *Listener) NotifyJobOwnershipLost(ctx context.Context, jobID string) error {
	return l.send(ctx, channelOwnershipLost, jobID)
}

func (l *Listener) ListenJobOwnershipLost(ctx context.Context, jobID string, fn func(jobID string)) (func(), error) {
	return l.listen(ctx, channelOwnershipLost, func(payload string) {
		if payload == jobID {
			fn(payload)
		}
	})
}

func (l *Listener) send(ctx context.Context, channel, payload string) error {
	if _, err := l.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("pg_notify %s: %w", channel, err)
	}
	return nil
}

// listen registers deliver on the channel's shared physical
// subscription, establishing it on first use. The returned dispose func
// removes the handler; the last dispose drops the LISTEN connection.
func (l *Listener) listen(ctx context.Context, channel string, deliver func(payload string)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub := l.subs[channel]
	if sub == nil {
		conn, err := l.pool.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire connection: %w", err)
		}
		quoted := pgx.Identifier{channel}.Sanitize()
		if _, err := conn.Exec(ctx, "LISTEN "+quoted); err != nil {
			conn.Release()
			return nil, fmt.Errorf("listen %s: %w", channel, err)
		}
		// The subscription outlives the setup context; only the last
		// dispose ends it.
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		sub = &channelSub{handlers: make(map[int]func(string)), cancel: cancel}
		l.subs[channel] = sub
		go l.pump(runCtx, conn, channel, quoted, sub)
	}

	id := sub.next
	sub.next++
	sub.handlers[id] = deliver

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.subs[channel] != sub {
				return
			}
			delete(sub.handlers, id)
			if len(sub.handlers) == 0 {
				sub.cancel()
				delete(l.subs, channel)
			}
		})
	}, nil
}

// pump delivers notifications from one LISTEN connection to the
// channel's current handlers.
func (l *Listener) pump(ctx context.Context, conn *pgxpool.Conn, channel, quoted string, sub *channelSub) {
	defer conn.Release()
	defer func() {
		_, _ = conn.Exec(context.Background(), "UNLISTEN "+quoted)
	}()
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			// Connection loss orphans the channel; the next subscriber
			// re-establishes it, and polling is the correctness safety
			// net in the meantime.
			sub.cancel()
			l.mu.Lock()
			if l.subs[channel] == sub {
				delete(l.subs, channel)
			}
			l.mu.Unlock()
			return
		}
		l.mu.Lock()
		handlers := make([]func(string), 0, len(sub.handlers))
		for _, h := range sub.handlers {
			handlers = append(handlers, h)
		}
		l.mu.Unlock()
		for _, h := range handlers {
			h(notification.Payload)
		}
	}
}
