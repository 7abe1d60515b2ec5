// Package store holds one domain's in-memory collection, applies optimistic
// writes through the guarded client and reconciles the collection with
// server events arriving on the bus.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/boardsync/internal/api"
	"github.com/agentworkforce/boardsync/internal/bus"
	"github.com/agentworkforce/boardsync/internal/metrics"
	"github.com/agentworkforce/boardsync/internal/wire"
)

// Entity is implemented by every record type a Store can hold.
type Entity interface {
	EntityID() string
}

// Reader performs plain (unguarded) requests.
type Reader interface {
	Do(ctx context.Context, method, path string, body, out any) error
}

// Writer performs guarded writes that may be queued.
type Writer interface {
	Do(ctx context.Context, method, path string, body, out any) (api.Outcome, error)
}

// Config describes one domain. Only Kind and Path are required.
type Config[T Entity] struct {
	Kind wire.EntityKind
	// Path is the collection endpoint, e.g. /api/tasks.
	Path string
	// ScopeParam is the query parameter FetchAll filters by. Empty means the
	// collection is not scoped.
	ScopeParam string
	ScopeOf    func(T) string
	// Less keeps the collection in domain order. Nil keeps arrival order.
	Less func(a, b T) bool
	// Archived records are kept out of the active collection.
	Archived func(T) bool
}

type WriteResult[T any] struct {
	Record T
	Queued bool
}

type Store[T Entity] struct {
	cfg    Config[T]
	reader Reader
	writer Writer
	bus    *bus.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	items    []T
	loading  bool
	errText  string
	scope    string
	fetchSeq int
	// revs counts server changes per id and epoch counts collection
	// replacements, so a rejected update only reverts what it changed.
	revs  map[string]uint64
	epoch uint64

	unsubs []func()
	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New[T Entity](cfg Config[T], reader Reader, writer Writer, b *bus.Bus, logger zerolog.Logger) *Store[T] {
	cfg.Path = strings.TrimRight(cfg.Path, "/")
	bg, cancel := context.WithCancel(context.Background())
	s := &Store[T]{
		cfg:    cfg,
		reader: reader,
		writer: writer,
		bus:    b,
		logger: logger,
		bg:     bg,
		cancel: cancel,
		revs:   map[string]uint64{},
	}
	if b != nil {
		s.unsubs = append(s.unsubs,
			b.SubscribeEntity(cfg.Kind, s.onSync),
			b.Subscribe(bus.KindReconnected, func(bus.Event) { s.refetch("reconnected") }),
			b.Subscribe(bus.KindQueueDrained, func(bus.Event) { s.refetch("queue-drained") }),
			b.Subscribe(bus.KindBulkCreated, s.onBulkCreated),
		)
	}
	return s
}

// Seed replaces the collection without a fetch, e.g. from a snapshot.
func (s *Store[T]) Seed(scope string, records []T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scope = scope
	s.items = s.normalizeLocked(records)
	s.epoch++
}

// Close detaches every bus subscription and waits for background refetches.
func (s *Store[T]) Close() {
	s.mu.Lock()
	s.cancel()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	s.wg.Wait()
}

// Wait blocks until refetches triggered by bus events have finished.
func (s *Store[T]) Wait() {
	s.wg.Wait()
}

// OnClose registers an extra unsubscribe function run by Close.
func (s *Store[T]) OnClose(unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs, unsubscribe)
}

func (s *Store[T]) Kind() wire.EntityKind { return s.cfg.Kind }

func (s *Store[T]) Items() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]T(nil), s.items...)
}

func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.items[i], true
	}
	var zero T
	return zero, false
}

func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store[T]) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err is the last fetch error, set only when a fetch failed while the
// collection was empty.
func (s *Store[T]) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errText
}

func (s *Store[T]) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// FetchAll replaces the collection with the server's. On failure existing
// records are kept.
func (s *Store[T]) FetchAll(ctx context.Context, scope string) error {
	s.mu.Lock()
	s.scope = scope
	s.loading = true
	s.fetchSeq++
	seq := s.fetchSeq
	s.mu.Unlock()

	var records []T
	err := s.reader.Do(ctx, http.MethodGet, s.listPath(scope), nil, &records)

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.fetchSeq {
		// A newer fetch owns the collection now.
		return err
	}
	s.loading = false
	if err != nil {
		metrics.StoreFetchesTotal.WithLabelValues(string(s.cfg.Kind), "error").Inc()
		if len(s.items) == 0 {
			s.errText = err.Error()
		}
		s.logger.Warn().Err(err).Str("scope", scope).Msg("fetch failed")
		return err
	}
	metrics.StoreFetchesTotal.WithLabelValues(string(s.cfg.Kind), "ok").Inc()
	s.errText = ""
	s.items = s.normalizeLocked(records)
	s.epoch++
	return nil
}

// Create posts input and appends the server's record. Nothing is inserted
// when the write is queued; the record arrives later through the bus.
func (s *Store[T]) Create(ctx context.Context, input any) (WriteResult[T], error) {
	var record T
	outcome, err := s.writer.Do(ctx, http.MethodPost, s.cfg.Path, input, &record)
	if err != nil {
		return WriteResult[T]{}, err
	}
	if outcome.Queued {
		return WriteResult[T]{Queued: true}, nil
	}
	if record.EntityID() == "" {
		return WriteResult[T]{}, fmt.Errorf("create %s: response has no id", s.cfg.Kind)
	}
	s.mu.Lock()
	s.insertLocked(record)
	s.mu.Unlock()
	return WriteResult[T]{Record: record}, nil
}

// Update applies fields locally, then patches the server. A rejected write
// restores the previous record unless a server change for the same id landed
// meanwhile; a queued write keeps the local change. An id the collection does
// not hold is patched without a local change and the server's record is
// inserted when it is in scope.
func (s *Store[T]) Update(ctx context.Context, id string, fields map[string]any) (WriteResult[T], error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return s.updateAbsent(ctx, id, fields)
	}
	snapshot := s.items[i]
	optimistic, err := mergeFields(snapshot, fields)
	if err != nil {
		s.mu.Unlock()
		return WriteResult[T]{}, err
	}
	rev, epoch := s.revs[id], s.epoch
	s.applyUpdatedLocked(optimistic, false)
	s.mu.Unlock()

	var record T
	outcome, err := s.writer.Do(ctx, http.MethodPatch, s.itemPath(id), fields, &record)
	if err != nil {
		s.mu.Lock()
		switch {
		case s.revs[id] != rev || s.epoch != epoch:
			s.logger.Debug().Err(err).Str("id", id).Msg("update rejected, newer server state kept")
		case s.indexLocked(id) >= 0:
			s.replaceLocked(snapshot)
			s.logger.Debug().Err(err).Str("id", id).Msg("update rejected, reverted")
		case s.archived(optimistic):
			s.insertLocked(snapshot)
			s.logger.Debug().Err(err).Str("id", id).Msg("update rejected, reverted")
		}
		s.mu.Unlock()
		return WriteResult[T]{}, err
	}
	if outcome.Queued {
		return WriteResult[T]{Record: optimistic, Queued: true}, nil
	}
	if record.EntityID() == "" {
		record = optimistic
	}
	s.mu.Lock()
	s.applyUpdatedLocked(record, true)
	s.mu.Unlock()
	return WriteResult[T]{Record: record}, nil
}

func (s *Store[T]) updateAbsent(ctx context.Context, id string, fields map[string]any) (WriteResult[T], error) {
	var record T
	outcome, err := s.writer.Do(ctx, http.MethodPatch, s.itemPath(id), fields, &record)
	if err != nil {
		return WriteResult[T]{}, err
	}
	if outcome.Queued {
		return WriteResult[T]{Queued: true}, nil
	}
	if record.EntityID() == "" {
		return WriteResult[T]{}, nil
	}
	s.mu.Lock()
	if s.inScopeLocked("", record) {
		s.applyUpdatedLocked(record, true)
	}
	s.mu.Unlock()
	return WriteResult[T]{Record: record}, nil
}

// Remove deletes id on the server and drops it locally, also when the write
// was queued. A rejected delete leaves the collection untouched.
func (s *Store[T]) Remove(ctx context.Context, id string) (api.Outcome, error) {
	outcome, err := s.writer.Do(ctx, http.MethodDelete, s.itemPath(id), nil, nil)
	if err != nil {
		return outcome, err
	}
	s.mu.Lock()
	s.removeLocked(id)
	s.mu.Unlock()
	return outcome, nil
}

type bulkUpdateRequest struct {
	Action string         `json:"action"`
	IDs    []string       `json:"ids"`
	Fields map[string]any `json:"fields,omitempty"`
}

const BulkActionDelete = "delete"

// BulkUpdate applies one action to many records. On success the collection
// is re-read; when queued the change is applied locally.
func (s *Store[T]) BulkUpdate(ctx context.Context, action string, ids []string, fields map[string]any) (api.Outcome, error) {
	if len(ids) == 0 {
		return api.Outcome{}, nil
	}
	req := bulkUpdateRequest{Action: action, IDs: ids, Fields: fields}
	outcome, err := s.writer.Do(ctx, http.MethodPatch, s.cfg.Path+"/bulk", req, nil)
	if err != nil {
		return outcome, err
	}
	if !outcome.Queued {
		return outcome, s.FetchAll(ctx, s.Scope())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if action == BulkActionDelete {
			s.removeLocked(id)
			continue
		}
		i := s.indexLocked(id)
		if i < 0 || len(fields) == 0 {
			continue
		}
		merged, err := mergeFields(s.items[i], fields)
		if err != nil {
			s.logger.Warn().Err(err).Str("id", id).Msg("bulk merge failed")
			continue
		}
		s.applyUpdatedLocked(merged, false)
	}
	return outcome, nil
}

type bulkCreateRequest struct {
	Items []any `json:"items"`
}

// BulkCreate posts many inputs at once and announces the created records on
// the bus, since the server emits no per-record events for them.
func (s *Store[T]) BulkCreate(ctx context.Context, inputs []any) (WriteResult[[]T], error) {
	var records []T
	outcome, err := s.writer.Do(ctx, http.MethodPost, s.cfg.Path+"/bulk-create", bulkCreateRequest{Items: inputs}, &records)
	if err != nil {
		return WriteResult[[]T]{}, err
	}
	if outcome.Queued {
		return WriteResult[[]T]{Queued: true}, nil
	}
	raw := make([]json.RawMessage, 0, len(records))
	s.mu.Lock()
	for _, record := range records {
		if record.EntityID() == "" {
			continue
		}
		s.insertLocked(record)
		if data, err := json.Marshal(record); err == nil {
			raw = append(raw, data)
		}
	}
	scope := s.scope
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.PublishBulkCreated(bus.BulkCreated{Entity: s.cfg.Kind, Entities: raw, Scope: scope})
	}
	return WriteResult[[]T]{Record: records}, nil
}

// Insert adds record when it is in scope and not already present. It reports
// whether the collection changed.
func (s *Store[T]) Insert(record T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inScopeLocked("", record) {
		return false
	}
	return s.insertLocked(record)
}

func (s *Store[T]) onSync(ev wire.SyncEvent) {
	metrics.StoreEventsTotal.WithLabelValues(string(s.cfg.Kind), string(ev.Action)).Inc()
	switch ev.Action {
	case wire.ActionCreated:
		record, err := s.decodeEvent(ev)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping created event")
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.inScopeLocked(ev.ProjectID, record) || s.archived(record) {
			return
		}
		s.revs[record.EntityID()]++
		s.insertLocked(record)
	case wire.ActionUpdated:
		record, err := s.decodeEvent(ev)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping updated event")
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.indexLocked(record.EntityID()) < 0 && !s.inScopeLocked(ev.ProjectID, record) {
			return
		}
		s.revs[record.EntityID()]++
		s.applyUpdatedLocked(record, true)
	case wire.ActionDeleted:
		s.mu.Lock()
		defer s.mu.Unlock()
		s.revs[ev.EntityID]++
		s.removeLocked(ev.EntityID)
	case wire.ActionReordered:
		s.refetch("reordered")
	}
}

func (s *Store[T]) onBulkCreated(ev bus.Event) {
	payload := ev.BulkCreated
	if payload == nil || payload.Entity != s.cfg.Kind {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range payload.Entities {
		var record T
		if err := json.Unmarshal(raw, &record); err != nil || record.EntityID() == "" {
			continue
		}
		if s.inScopeLocked(payload.Scope, record) && s.insertLocked(record) {
			s.revs[record.EntityID()]++
		}
	}
}

// refetch re-reads the collection with the last scope in the background so
// the bus is not held up by network I/O.
func (s *Store[T]) refetch(reason string) {
	s.mu.Lock()
	if s.bg.Err() != nil {
		s.mu.Unlock()
		return
	}
	scope := s.scope
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		if err := s.FetchAll(s.bg, scope); err != nil {
			s.logger.Debug().Err(err).Str("reason", reason).Msg("refetch failed")
		}
	}()
}

func (s *Store[T]) decodeEvent(ev wire.SyncEvent) (T, error) {
	var record T
	if ev.Data == nil {
		return record, fmt.Errorf("%s %s %s: no data", ev.Entity, ev.Action, ev.EntityID)
	}
	data := make(map[string]any, len(ev.Data)+1)
	for k, v := range ev.Data {
		data[k] = v
	}
	if id, _ := data["_id"].(string); id == "" {
		data["_id"] = ev.EntityID
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return record, err
	}
	if err := json.Unmarshal(raw, &record); err != nil {
		return record, err
	}
	if record.EntityID() == "" {
		return record, fmt.Errorf("%s %s: record has no id", ev.Entity, ev.Action)
	}
	return record, nil
}

// inScopeLocked matches a record against the store's last scope. The event's
// scope wins over the record's own scope field; unknown scope is accepted.
func (s *Store[T]) inScopeLocked(eventScope string, record T) bool {
	if s.cfg.ScopeParam == "" || s.scope == "" {
		return true
	}
	scope := eventScope
	if scope == "" && s.cfg.ScopeOf != nil {
		scope = s.cfg.ScopeOf(record)
	}
	return scope == "" || scope == s.scope
}

func (s *Store[T]) archived(record T) bool {
	return s.cfg.Archived != nil && s.cfg.Archived(record)
}

func (s *Store[T]) indexLocked(id string) int {
	for i, item := range s.items {
		if item.EntityID() == id {
			return i
		}
	}
	return -1
}

func (s *Store[T]) insertLocked(record T) bool {
	if s.indexLocked(record.EntityID()) >= 0 {
		return false
	}
	s.items = append(s.items, record)
	s.sortLocked()
	return true
}

func (s *Store[T]) replaceLocked(record T) {
	if i := s.indexLocked(record.EntityID()); i >= 0 {
		s.items[i] = record
		s.sortLocked()
	}
}

// applyUpdatedLocked replaces by id. Archived records leave the collection;
// with insertMissing an absent, active record is inserted.
func (s *Store[T]) applyUpdatedLocked(record T, insertMissing bool) {
	id := record.EntityID()
	if s.archived(record) {
		s.removeLocked(id)
		return
	}
	if s.indexLocked(id) >= 0 {
		s.replaceLocked(record)
		return
	}
	if insertMissing {
		s.insertLocked(record)
	}
}

func (s *Store[T]) removeLocked(id string) {
	out := s.items[:0]
	for _, item := range s.items {
		if item.EntityID() != id {
			out = append(out, item)
		}
	}
	// Clear the tail so removed records can be collected.
	var zero T
	for i := len(out); i < len(s.items); i++ {
		s.items[i] = zero
	}
	s.items = out
}

func (s *Store[T]) normalizeLocked(records []T) []T {
	seen := make(map[string]struct{}, len(records))
	out := make([]T, 0, len(records))
	for _, record := range records {
		id := record.EntityID()
		if id == "" || s.archived(record) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, record)
	}
	if s.cfg.Less != nil {
		sort.SliceStable(out, func(i, j int) bool { return s.cfg.Less(out[i], out[j]) })
	}
	return out
}

func (s *Store[T]) sortLocked() {
	if s.cfg.Less == nil {
		return
	}
	sort.SliceStable(s.items, func(i, j int) bool { return s.cfg.Less(s.items[i], s.items[j]) })
}

func (s *Store[T]) listPath(scope string) string {
	if s.cfg.ScopeParam == "" || scope == "" {
		return s.cfg.Path
	}
	return s.cfg.Path + "?" + url.Values{s.cfg.ScopeParam: []string{scope}}.Encode()
}

func (s *Store[T]) itemPath(id string) string {
	return s.cfg.Path + "/" + url.PathEscape(id)
}

// mergeFields overlays fields on record through its JSON form.
func mergeFields[T any](record T, fields map[string]any) (T, error) {
	var merged T
	raw, err := json.Marshal(record)
	if err != nil {
		return merged, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return merged, err
	}
	for k, v := range fields {
		doc[k] = v
	}
	raw, err = json.Marshal(doc)
	if err != nil {
		return merged, err
	}
	if err := json.Unmarshal(raw, &merged); err != nil {
		return merged, err
	}
	return merged, nil
}
