package queuetest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicflow/queue/internal/domain/queue"
	"github.com/clinicflow/queue/internal/platform/db/dbtest"
	"github.com/clinicflow/queue/internal/platform/notification"
)

// Clock is a settable time source shared by every service in a Fixture.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{now: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sent is one recorded notification.
type Sent struct {
	Contact     notification.Contact
	TemplateKey string
	Data        map[string]string
}

// Notifications records dispatches synchronously.
type Notifications struct {
	mu   sync.Mutex
	sent []Sent
}

func (n *Notifications) Dispatch(_ context.Context, contact notification.Contact, templateKey string, data map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Sent{Contact: contact, TemplateKey: templateKey, Data: data})
}

func (n *Notifications) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Sent(nil), n.sent...)
}

// Defaults matches the stock admission window.
var Defaults = queue.Defaults{OnlineStartTime: "07:00", OnlineEndTime: "09:00", MaxOnlineEntries: 15}

// Fixture wires the queue services over an in-memory store.
type Fixture struct {
	Store    *Store
	Tx       *dbtest.Tx
	Clock    *Clock
	Notified *Notifications
	Registry *queue.Registry
	Service  *queue.Service
	Join     *queue.JoinService
}

func NewFixture(now time.Time, defaults queue.Defaults) *Fixture {
	store := NewStore()
	clock := NewClock(now)
	store.now = clock.Now
	tx := dbtest.NewTx(store)
	notified := &Notifications{}
	logger := zerolog.Nop()

	registry := queue.NewRegistry(store.Queues(), store.EntryRepo(), tx, defaults, logger)
	registry.SetClock(clock.Now)
	svc := queue.NewService(store.Queues(), store.EntryRepo(), registry, store.Specialists(), tx, notified, time.UTC, logger)
	svc.SetClock(clock.Now)
	join := queue.NewJoinService(store.Tokens(), store.Sessions(), store.EntryRepo(), registry, store.Specialists(), tx, notified,
		queue.JoinConfig{TokenTTL: 24 * time.Hour, SessionTTL: 15 * time.Minute, PublicBaseURL: "https://clinic.test", Location: time.UTC},
		logger)
	join.SetClock(clock.Now)

	return &Fixture{
		Store:    store,
		Tx:       tx,
		Clock:    clock,
		Notified: notified,
		Registry: registry,
		Service:  svc,
		Join:     join,
	}
}
