// Package queuetest provides in-memory queue repositories for tests.
package queuetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/queue/internal/domain/queue"
	"github.com/clinicflow/queue/internal/platform/apperr"
)

// Store holds queues, entries, tokens, join sessions and specialists in
// memory. It implements dbtest.Snapshotter.
type Store struct {
	mu          sync.Mutex
	queues      map[uuid.UUID]queue.DailyQueue
	entries     map[uuid.UUID]queue.Entry
	tokens      map[string]queue.Token
	sessions    map[string]queue.JoinSession
	specialists map[uuid.UUID]string
	now         func() time.Time
}

func NewStore() *Store {
	return &Store{
		queues:      make(map[uuid.UUID]queue.DailyQueue),
		entries:     make(map[uuid.UUID]queue.Entry),
		tokens:      make(map[string]queue.Token),
		sessions:    make(map[string]queue.JoinSession),
		specialists: make(map[uuid.UUID]string),
		now:         time.Now,
	}
}

func (s *Store) Snapshot() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	queues := copyMap(s.queues)
	entries := copyMap(s.entries)
	tokens := copyMap(s.tokens)
	sessions := copyMap(s.sessions)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.queues, s.entries, s.tokens, s.sessions = queues, entries, tokens, sessions
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AddSpecialist registers a specialist and returns its id.
func (s *Store) AddSpecialist(name string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.specialists[id] = name
	return id
}

// Entries returns every stored entry of a queue ordered by number.
func (s *Store) Entries(queueID uuid.UUID) []queue.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []queue.Entry
	for _, e := range s.entries {
		if e.QueueID == queueID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// AllEntries returns every stored entry.
func (s *Store) AllEntries() []queue.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queue.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// PutQueue stores q as is, replacing any queue with the same id.
func (s *Store) PutQueue(q queue.DailyQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[q.ID] = q
}

// PutToken stores t as is.
func (s *Store) PutToken(t queue.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.Token] = t
}

func (s *Store) Queues() queue.QueueRepository {
	return queueRepo{s}
}

func (s *Store) EntryRepo() queue.EntryRepository {
	return entryRepo{s}
}

func (s *Store) Tokens() queue.TokenRepository {
	return tokenRepo{s}
}

func (s *Store) Sessions() queue.SessionRepository {
	return sessionRepo{s}
}

func (s *Store) Specialists() queue.SpecialistDirectory {
	return specialistDir{s}
}

// -- queues --

type queueRepo struct{ s *Store }

func (r queueRepo) GetOrCreate(_ context.Context, q *queue.DailyQueue) (*queue.DailyQueue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.queues {
		if existing.Key() == q.Key() {
			out := existing
			return &out, nil
		}
	}
	stored := *q
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := r.s.now().UTC()
	stored.CreatedAt, stored.UpdatedAt = now, now
	r.s.queues[stored.ID] = stored
	return &stored, nil
}

func (r queueRepo) Find(_ context.Context, key queue.Key) (*queue.DailyQueue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, q := range r.s.queues {
		if q.Key() == key {
			out := q
			return &out, nil
		}
	}
	return nil, apperr.NotFound("queue")
}

func (r queueRepo) GetByID(_ context.Context, id uuid.UUID) (*queue.DailyQueue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.queues[id]
	if !ok {
		return nil, apperr.NotFound("queue")
	}
	return &q, nil
}

func (r queueRepo) Lock(ctx context.Context, id uuid.UUID) (*queue.DailyQueue, error) {
	return r.GetByID(ctx, id)
}

func (r queueRepo) SetLastNumber(_ context.Context, id uuid.UUID, n int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.queues[id]
	if !ok {
		return apperr.NotFound("queue")
	}
	if n > q.LastNumber {
		q.LastNumber = n
	}
	r.s.queues[id] = q
	return nil
}

func (r queueRepo) MarkOpened(_ context.Context, id uuid.UUID, at time.Time, by string) (*queue.DailyQueue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.queues[id]
	if !ok {
		return nil, apperr.NotFound("queue")
	}
	if q.OpenedAt == nil {
		q.OpenedAt = &at
		q.OpenedBy = &by
	}
	r.s.queues[id] = q
	return &q, nil
}

func (r queueRepo) ListByDay(_ context.Context, day time.Time, limit, offset int) ([]*queue.DailyQueue, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*queue.DailyQueue
	for _, q := range r.s.queues {
		if q.Day.Equal(day) {
			q := q
			all = append(all, &q)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })
	return page(all, limit, offset), len(all), nil
}

func (r queueRepo) DeleteBefore(_ context.Context, day time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, q := range r.s.queues {
		if q.Day.Before(day) {
			delete(r.s.queues, id)
			for eid, e := range r.s.entries {
				if e.QueueID == id {
					delete(r.s.entries, eid)
				}
			}
			n++
		}
	}
	return n, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// -- entries --

type entryRepo struct{ s *Store }

func (r entryRepo) Create(_ context.Context, e *queue.Entry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, other := range r.s.entries {
		if other.QueueID == e.QueueID && other.Number == e.Number {
			return errDuplicateNumber
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := r.s.now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	r.s.entries[e.ID] = *e
	return nil
}

func (r entryRepo) GetByID(_ context.Context, id uuid.UUID) (*queue.Entry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.entries[id]
	if !ok {
		return nil, apperr.NotFound("queue_entry")
	}
	return &e, nil
}

func (r entryRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*queue.Entry, error) {
	return r.GetByID(ctx, id)
}

func (r entryRepo) Update(_ context.Context, e *queue.Entry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.entries[e.ID]; !ok {
		return apperr.NotFound("queue_entry")
	}
	e.UpdatedAt = r.s.now().UTC()
	r.s.entries[e.ID] = *e
	return nil
}

func (r entryRepo) MaxNumber(_ context.Context, queueID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, e := range r.s.entries {
		if e.QueueID == queueID && e.Number > n {
			n = e.Number
		}
	}
	return n, nil
}

func (r entryRepo) findActive(match func(e queue.Entry) bool) *queue.Entry {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var found *queue.Entry
	for _, e := range r.s.entries {
		if e.Status.Active() && match(e) && (found == nil || e.Number < found.Number) {
			e := e
			found = &e
		}
	}
	return found
}

func (r entryRepo) FindActiveByPhone(_ context.Context, queueID uuid.UUID, phone string) (*queue.Entry, error) {
	return r.findActive(func(e queue.Entry) bool { return e.QueueID == queueID && e.Phone == phone }), nil
}

func (r entryRepo) FindActiveByVisit(_ context.Context, queueID, visitID uuid.UUID) (*queue.Entry, error) {
	return r.findActive(func(e queue.Entry) bool {
		return e.QueueID == queueID && e.VisitID != nil && *e.VisitID == visitID
	}), nil
}

func (r entryRepo) CountActive(_ context.Context, queueID uuid.UUID, source queue.Source) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, e := range r.s.entries {
		if e.QueueID == queueID && e.Status.Active() && (source == "" || e.Source == source) {
			n++
		}
	}
	return n, nil
}

func (r entryRepo) ListByQueue(_ context.Context, queueID uuid.UUID, statuses []queue.EntryStatus, limit, offset int) ([]*queue.Entry, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*queue.Entry
	for _, e := range r.s.entries {
		if e.QueueID != queueID || !statusIn(e.Status, statuses) {
			continue
		}
		e := e
		all = append(all, &e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Priority != all[j].Priority {
			return all[i].Priority > all[j].Priority
		}
		return all[i].Number < all[j].Number
	})
	return page(all, limit, offset), len(all), nil
}

func statusIn(s queue.EntryStatus, statuses []queue.EntryStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func (r entryRepo) ListActiveByVisit(_ context.Context, visitID uuid.UUID) ([]*queue.Entry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*queue.Entry
	for _, e := range r.s.entries {
		if e.VisitID != nil && *e.VisitID == visitID && e.Status.Active() {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// -- tokens --

type tokenRepo struct{ s *Store }

func (r tokenRepo) Create(_ context.Context, t *queue.Token) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t.CreatedAt = r.s.now().UTC()
	r.s.tokens[t.Token] = *t
	return nil
}

func (r tokenRepo) Get(_ context.Context, token string) (*queue.Token, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tokens[token]
	if !ok {
		return nil, apperr.NotFound("token")
	}
	return &t, nil
}

func (r tokenRepo) Revoke(_ context.Context, token string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tokens[token]
	if !ok {
		return apperr.NotFound("token")
	}
	t.Active = false
	if t.RevokedAt == nil {
		t.RevokedAt = &at
	}
	r.s.tokens[token] = t
	return nil
}

func (r tokenRepo) ListActive(_ context.Context, specialistID *uuid.UUID, now time.Time, limit, offset int) ([]*queue.Token, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*queue.Token
	for _, t := range r.s.tokens {
		if !t.Active || !t.ExpiresAt.After(now) {
			continue
		}
		if specialistID != nil && t.SpecialistID != *specialistID {
			continue
		}
		t := t
		all = append(all, &t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

func (r tokenRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, t := range r.s.tokens {
		if t.ExpiresAt.Before(before) {
			delete(r.s.tokens, k)
			for sk, sess := range r.s.sessions {
				if sess.QRToken == k {
					delete(r.s.sessions, sk)
				}
			}
			n++
		}
	}
	return n, nil
}

// -- sessions --

type sessionRepo struct{ s *Store }

func (r sessionRepo) Create(_ context.Context, sess *queue.JoinSession) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess.CreatedAt = r.s.now().UTC()
	r.s.sessions[sess.SessionToken] = *sess
	return nil
}

func (r sessionRepo) Get(_ context.Context, token string) (*queue.JoinSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[token]
	if !ok {
		return nil, apperr.NotFound("join_session")
	}
	return &sess, nil
}

func (r sessionRepo) GetForUpdate(ctx context.Context, token string) (*queue.JoinSession, error) {
	return r.Get(ctx, token)
}

func (r sessionRepo) Update(_ context.Context, sess *queue.JoinSession) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.sessions[sess.SessionToken]; !ok {
		return apperr.NotFound("join_session")
	}
	r.s.sessions[sess.SessionToken] = *sess
	return nil
}

func (r sessionRepo) ExpirePending(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, sess := range r.s.sessions {
		if sess.Status == queue.SessionPending && !sess.ExpiresAt.After(now) {
			sess.Status = queue.SessionExpired
			r.s.sessions[k] = sess
			n++
		}
	}
	return n, nil
}

// -- specialists --

type specialistDir struct{ s *Store }

func (d specialistDir) SpecialistName(_ context.Context, id uuid.UUID) (string, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	name, ok := d.s.specialists[id]
	if !ok {
		return "", apperr.NotFound("specialist")
	}
	return name, nil
}
