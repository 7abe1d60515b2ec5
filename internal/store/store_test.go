package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/boardsync/internal/api"
	"github.com/agentworkforce/boardsync/internal/bus"
	"github.com/agentworkforce/boardsync/internal/wire"
)

type testTask struct {
	ID        string `json:"_id"`
	Title     string `json:"title,omitempty"`
	ColumnID  string `json:"columnId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	Order     int    `json:"order"`
	Archived  bool   `json:"archived,omitempty"`
}

func (t testTask) EntityID() string { return t.ID }

type call struct {
	Method string
	Path   string
	Body   any
}

type fakeReader struct {
	mu      sync.Mutex
	calls   []call
	records []testTask
	err     error
}

func (f *fakeReader) Do(ctx context.Context, method, path string, body, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Method: method, Path: path})
	if f.err != nil {
		return f.err
	}
	return roundTrip(f.records, out)
}

func (f *fakeReader) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeWriter struct {
	mu       sync.Mutex
	calls    []call
	queued   bool
	err      error
	response any
	// inFlight runs while the request is outstanding.
	inFlight func()
}

func (f *fakeWriter) Do(ctx context.Context, method, path string, body, out any) (api.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Method: method, Path: path, Body: body})
	if f.inFlight != nil {
		f.inFlight()
	}
	if f.err != nil {
		return api.Outcome{}, f.err
	}
	if f.queued {
		return api.Outcome{Queued: true}, nil
	}
	if f.response != nil && out != nil {
		if err := roundTrip(f.response, out); err != nil {
			return api.Outcome{}, err
		}
	}
	return api.Outcome{}, nil
}

func roundTrip(in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func taskConfig() Config[testTask] {
	return Config[testTask]{
		Kind:       wire.EntityTask,
		Path:       "/api/tasks",
		ScopeParam: "projectId",
		ScopeOf:    func(t testTask) string { return t.ProjectID },
		Less:       func(a, b testTask) bool { return a.Order < b.Order },
		Archived:   func(t testTask) bool { return t.Archived },
	}
}

func newTaskStore(t *testing.T, reader *fakeReader, writer *fakeWriter) (*Store[testTask], *bus.Bus) {
	t.Helper()
	b := bus.New(zerolog.Nop())
	s := New(taskConfig(), reader, writer, b, zerolog.Nop())
	t.Cleanup(s.Close)
	return s, b
}

func ids(items []testTask) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func TestEndToEndUpdateThenDelete(t *testing.T) {
	s, b := newTaskStore(t, &fakeReader{}, &fakeWriter{})
	s.Seed("", []testTask{{ID: "t1", ColumnID: "todo"}})

	b.PublishSync(wire.SyncEvent{
		Entity: wire.EntityTask, Action: wire.ActionUpdated, EntityID: "t1",
		Data: map[string]any{"id": "t1", "columnId": "done"},
	})
	require.Equal(t, []testTask{{ID: "t1", ColumnID: "done"}}, s.Items())

	b.PublishSync(wire.SyncEvent{Entity: wire.EntityTask, Action: wire.ActionDeleted, EntityID: "t1"})
	assert.Empty(t, s.Items())
}

func TestDuplicateCreatedEventInsertsOnce(t *testing.T) {
	s, b := newTaskStore(t, &fakeReader{}, &fakeWriter{})
	ev := wire.SyncEvent{
		Entity: wire.EntityTask, Action: wire.ActionCreated, EntityID: "t1",
		Data: map[string]any{"_id": "t1", "title": "Write docs"},
	}
	b.PublishSync(ev)
	b.PublishSync(ev)
	assert.Equal(t, []string{"t1"}, ids(s.Items()))
}

func TestCreatedOutsideScopeIsDropped(t *testing.T) {
	s, b := newTaskStore(t, &fakeReader{}, &fakeWriter{})
	s.Seed("p1", []testTask{{ID: "t1", ProjectID: "p1", Title: "Keep"}})

	b.PublishSync(wire.SyncEvent{
		Entity: wire.EntityTask, Action: wire.ActionCreated, EntityID: "t2", ProjectID: "p2",
		Data: map[string]any{"_id": "t2"},
	})
	b.PublishSync(wire.SyncEvent{
		Entity: wire.EntityTask, Action: wire.ActionCreated, EntityID: "t3",
		Data: map[string]any{"_id": "t3", "projectId": "p2"},
	})
	b.PublishSync(wire.SyncEvent{
		Entity: wire.EntityTask, Action: wire.ActionCreated, EntityID: "t4", ProjectID: "p1",
		Data: map[string]any{"_id": "t4", "order": 1},
	})
	assert.Equal(t, []string{"t1", "t4"}, ids(s.Items()))

	// updates to held records apply regardless of scope
	b.PublishSync(wire.SyncEvent{
		Entity: wire.EntityTask, Action: wire.ActionUpdated, EntityID: "t1", ProjectID: "p2",
		Data: map[string]any{"_id": "t1", "projectId": "p2", "title": "Moved"},
	})
	got, ok := s.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "Moved", got.Title)

	// deletes apply regardless of scope
	b.PublishSync(wire.SyncEvent{Entity: wire.EntityTask, Action: wire.ActionDeleted, EntityID: "t4", ProjectID: "p9"})
	assert.Equal(t, []string{"t1"}, ids(s.Items()))
}

func TestArchiveAndRestoreThroughUpdatedEvents(t *testing.T) {
	s, b := newTaskStore(t, &fakeReader{}, &fakeWriter{})
	s.Seed("p1", []testTask{{ID: "t1", ProjectID: "p1"}, {ID: "t2", ProjectID: "p1", Order: 1}})

	b.PublishSync(wire.SyncEvent{
		Entity: wire.EntityTask, Action: wire.ActionUpdated, EntityID: "t1",
		Data: map[string]any{"_id": "t1", "projectId": "p1", "archived": true},
	})
	assert.Equal(t, []string{"t2"}, ids(s.Items()))

	b.PublishSync(wire.SyncEvent{
		Entity: wire.EntityTask, Action: wire.ActionUpdated, EntityID: "t1", ProjectID: "p1",
		Data: map[string]any{"_id": "t1", "projectId": "p1", "archived": false},
	})
	assert.Equal(t, []string{"t1", "t2"}, ids(s.Items()))
}

func TestUpdatedForAbsentRecordIsImplicitInsert(t *testing.T) {
	s, b := newTaskStore(t, &fakeReader{}, &fakeWriter{})
	s.Seed("p1", nil)
	b.PublishSync(wire.SyncEvent{
		Entity: wire.EntityTask, Action: wire.ActionUpdated, EntityID: "t9", ProjectID: "p1",
		Data: map[string]any{"title": "Late"},
	})
	got, ok := s.Get("t9")
	require.True(t, ok)
	assert.Equal(t, "Late", got.Title)

	// absent and out of scope stays out
	b.PublishSync(wire.SyncEvent{
		Entity: wire.EntityTask, Action: wire.ActionUpdated, EntityID: "t10", ProjectID: "p2",
		Data: map[string]any{"title": "Elsewhere"},
	})
	_, ok = s.Get("t10")
	assert.False(t, ok)
}

func TestOtherEntityKindsAreIgnored(t *testing.T) {
	s, b := newTaskStore(t, &fakeReader{}, &fakeWriter{})
	b.PublishSync(wire.SyncEvent{
		Entity: wire.EntityLabel, Action: wire.ActionCreated, EntityID: "l1",
		Data: map[string]any{"_id": "l1"},
	})
	assert.Empty(t, s.Items())
}

func TestReorderTriggersExactlyOneFetch(t *testing.T) {
	reader := &fakeReader{records: []testTask{{ID: "t2", Order: 2}, {ID: "t1", Order: 1}}}
	s, b := newTaskStore(t, reader, &fakeWriter{})
	s.Seed("p1", []testTask{{ID: "t1", Order: 1}, {ID: "t2", Order: 2}})

	b.PublishSync(wire.SyncEvent{Entity: wire.EntityTask, Action: wire.ActionReordered})
	s.Wait()

	calls := reader.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodGet, calls[0].Method)
	assert.Equal(t, "/api/tasks?projectId=p1", calls[0].Path)
	assert.Equal(t, []string{"t1", "t2"}, ids(s.Items()))
}

func TestReconnectAndQueueDrainedRefetchWithLastScope(t *testing.T) {
	reader := &fakeReader{records: []testTask{{ID: "t1"}}}
	s, b := newTaskStore(t, reader, &fakeWriter{})
	require.NoError(t, s.FetchAll(context.Background(), "p7"))

	b.PublishReconnected()
	s.Wait()
	b.PublishQueueDrained()
	s.Wait()

	calls := reader.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, "/api/tasks?projectId=p7", c.Path)
	}
}

func TestFetchAllErrorSemantics(t *testing.T) {
	reader := &fakeReader{err: errors.New("boom")}
	s, _ := newTaskStore(t, reader, &fakeWriter{})

	require.Error(t, s.FetchAll(context.Background(), ""))
	assert.Equal(t, "boom", s.Err())
	assert.False(t, s.Loading())

	s.Seed("", []testTask{{ID: "t1"}})
	reader.mu.Lock()
	reader.err = errors.New("still down")
	reader.mu.Unlock()
	require.Error(t, s.FetchAll(context.Background(), ""))
	assert.Equal(t, "boom", s.Err(), "error string is only replaced while the collection is empty")
	assert.Equal(t, []string{"t1"}, ids(s.Items()))

	reader.mu.Lock()
	reader.err = nil
	reader.records = []testTask{{ID: "t3"}, {ID: "t3"}, {ID: "t4", Archived: true}}
	reader.mu.Unlock()
	require.NoError(t, s.FetchAll(context.Background(), ""))
	assert.Equal(t, "", s.Err())
	assert.Equal(t, []string{"t3"}, ids(s.Items()))
	assert.Equal(t, "/api/tasks", reader.Calls()[0].Path)
}

func TestCreateAppendsServerRecordWithoutSpeculativeInsert(t *testing.T) {
	writer := &fakeWriter{response: testTask{ID: "t2", Title: "New", Order: 0}}
	s, b := newTaskStore(t, &fakeReader{}, writer)
	s.Seed("", []testTask{{ID: "t1", Order: 5}})

	res, err := s.Create(context.Background(), map[string]any{"title": "New"})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, "t2", res.Record.ID)
	assert.Equal(t, []string{"t2", "t1"}, ids(s.Items()))

	// the push echo of our own create must not double insert
	b.PublishSync(wire.SyncEvent{
		Entity: wire.EntityTask, Action: wire.ActionCreated, EntityID: "t2",
		Data: map[string]any{"_id": "t2", "title": "New"},
	})
	assert.Len(t, s.Items(), 2)
	assert.Equal(t, http.MethodPost, writer.calls[0].Method)
	assert.Equal(t, "/api/tasks", writer.calls[0].Path)
}

func TestCreateQueuedInsertsNothing(t *testing.T) {
	s, _ := newTaskStore(t, &fakeReader{}, &fakeWriter{queued: true})
	res, err := s.Create(context.Background(), map[string]any{"title": "Offline"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Empty(t, s.Items())
}

func TestUpdateRevertsOnRejection(t *testing.T) {
	rejection := &api.HTTPError{StatusCode: http.StatusForbidden, Message: "Not allowed"}
	writer := &fakeWriter{err: rejection}
	s, _ := newTaskStore(t, &fakeReader{}, writer)
	s.Seed("", []testTask{{ID: "t1", Title: "Before"}})

	_, err := s.Update(context.Background(), "t1", map[string]any{"title": "After"})
	require.Error(t, err)
	assert.Equal(t, "Not allowed", err.Error())
	got, _ := s.Get("t1")
	assert.Equal(t, "Before", got.Title)
}

func TestUpdateRevertRestoresOptimisticallyArchivedRecord(t *testing.T) {
	writer := &fakeWriter{err: &api.HTTPError{StatusCode: http.StatusConflict, Message: "Locked"}}
	s, _ := newTaskStore(t, &fakeReader{}, writer)
	s.Seed("", []testTask{{ID: "t1"}})

	_, err := s.Update(context.Background(), "t1", map[string]any{"archived": true})
	require.Error(t, err)
	assert.Equal(t, []string{"t1"}, ids(s.Items()))
}

func TestUpdateQueuedKeepsOptimisticRecord(t *testing.T) {
	writer := &fakeWriter{queued: true}
	s, _ := newTaskStore(t, &fakeReader{}, writer)
	s.Seed("", []testTask{{ID: "t1", Title: "Before"}})

	res, err := s.Update(context.Background(), "t1", map[string]any{"title": "After"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	got, _ := s.Get("t1")
	assert.Equal(t, "After", got.Title)
	assert.Equal(t, "/api/tasks/t1", writer.calls[0].Path)
	assert.Equal(t, http.MethodPatch, writer.calls[0].Method)
}

func TestUpdateReplacesWithServerRecord(t *testing.T) {
	writer := &fakeWriter{response: testTask{ID: "t1", Title: "After", ColumnID: "done"}}
	s, _ := newTaskStore(t, &fakeReader{}, writer)
	s.Seed("", []testTask{{ID: "t1", Title: "Before"}})

	res, err := s.Update(context.Background(), "t1", map[string]any{"title": "After"})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Record.ColumnID)
	got, _ := s.Get("t1")
	assert.Equal(t, "done", got.ColumnID)
}

func TestUpdateRejectionKeepsServerChangeThatArrivedMeanwhile(t *testing.T) {
	writer := &fakeWriter{err: &api.HTTPError{StatusCode: http.StatusBadRequest, Message: "nope"}}
	s, b := newTaskStore(t, &fakeReader{}, writer)
	s.Seed("", []testTask{{ID: "t1", Title: "Before", ColumnID: "todo"}})
	writer.inFlight = func() {
		b.PublishSync(wire.SyncEvent{
			Entity: wire.EntityTask, Action: wire.ActionUpdated, EntityID: "t1",
			Data: map[string]any{"_id": "t1", "title": "server-new", "columnId": "review"},
		})
	}

	_, err := s.Update(context.Background(), "t1", map[string]any{"title": "mine"})
	require.Error(t, err)
	got, ok := s.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "server-new", got.Title)
	assert.Equal(t, "review", got.ColumnID)
}

func TestUpdateRejectionDoesNotResurrectRecordDeletedMeanwhile(t *testing.T) {
	writer := &fakeWriter{err: &api.HTTPError{StatusCode: http.StatusConflict, Message: "Locked"}}
	s, b := newTaskStore(t, &fakeReader{}, writer)
	s.Seed("", []testTask{{ID: "t1"}})
	writer.inFlight = func() {
		b.PublishSync(wire.SyncEvent{Entity: wire.EntityTask, Action: wire.ActionDeleted, EntityID: "t1"})
	}

	_, err := s.Update(context.Background(), "t1", map[string]any{"archived": true})
	require.Error(t, err)
	assert.Empty(t, s.Items())
}

func TestUpdateRejectionAfterRefetchKeepsFetchedRecord(t *testing.T) {
	reader := &fakeReader{records: []testTask{{ID: "t1", Title: "Fetched"}}}
	writer := &fakeWriter{err: &api.HTTPError{StatusCode: http.StatusForbidden, Message: "Not allowed"}}
	s, _ := newTaskStore(t, reader, writer)
	s.Seed("", []testTask{{ID: "t1", Title: "Before"}})
	writer.inFlight = func() {
		require.NoError(t, s.FetchAll(context.Background(), ""))
	}

	_, err := s.Update(context.Background(), "t1", map[string]any{"title": "After"})
	require.Error(t, err)
	got, _ := s.Get("t1")
	assert.Equal(t, "Fetched", got.Title)
}

func TestUpdateOfAbsentRecordPatchesAndInsertsServerRecord(t *testing.T) {
	writer := &fakeWriter{response: testTask{ID: "t9", Title: "Remote", ProjectID: "p1"}}
	s, _ := newTaskStore(t, &fakeReader{}, writer)
	s.Seed("p1", nil)

	res, err := s.Update(context.Background(), "t9", map[string]any{"title": "Remote"})
	require.NoError(t, err)
	assert.Equal(t, "t9", res.Record.ID)
	require.Len(t, writer.calls, 1)
	assert.Equal(t, http.MethodPatch, writer.calls[0].Method)
	assert.Equal(t, "/api/tasks/t9", writer.calls[0].Path)
	got, ok := s.Get("t9")
	require.True(t, ok)
	assert.Equal(t, "Remote", got.Title)

	// out of scope records are returned but not held
	writer.response = testTask{ID: "t10", ProjectID: "p2"}
	res, err = s.Update(context.Background(), "t10", map[string]any{"title": "x"})
	require.NoError(t, err)
	assert.Equal(t, "t10", res.Record.ID)
	_, ok = s.Get("t10")
	assert.False(t, ok)

	// queued writes change nothing locally
	writer.queued = true
	res, err = s.Update(context.Background(), "t11", map[string]any{"title": "later"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, []string{"t9"}, ids(s.Items()))
}

func TestRemove(t *testing.T) {
	writer := &fakeWriter{queued: true}
	s, _ := newTaskStore(t, &fakeReader{}, writer)
	s.Seed("", []testTask{{ID: "t1"}, {ID: "t2", Order: 1}})

	outcome, err := s.Remove(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, outcome.Queued)
	assert.Equal(t, []string{"t2"}, ids(s.Items()))

	writer.queued = false
	writer.err = &api.HTTPError{StatusCode: http.StatusNotFound, Message: "Task not found"}
	_, err = s.Remove(context.Background(), "t2")
	require.Error(t, err)
	assert.Equal(t, []string{"t2"}, ids(s.Items()))
}

func TestBulkUpdate(t *testing.T) {
	reader := &fakeReader{records: []testTask{{ID: "t1", ColumnID: "done"}}}
	writer := &fakeWriter{}
	s, _ := newTaskStore(t, reader, writer)
	s.Seed("p1", []testTask{{ID: "t1"}, {ID: "t2", Order: 1}})

	_, err := s.BulkUpdate(context.Background(), "update", []string{"t1"}, map[string]any{"columnId": "done"})
	require.NoError(t, err)
	assert.Equal(t, "/api/tasks/bulk", writer.calls[0].Path)
	assert.Equal(t, []string{"t1"}, ids(s.Items()), "online bulk update re-reads the collection")

	writer.queued = true
	s.Seed("p1", []testTask{{ID: "t1"}, {ID: "t2", Order: 1}})
	outcome, err := s.BulkUpdate(context.Background(), "update", []string{"t1", "t2"}, map[string]any{"columnId": "review"})
	require.NoError(t, err)
	assert.True(t, outcome.Queued)
	for _, item := range s.Items() {
		assert.Equal(t, "review", item.ColumnID)
	}
	_, err = s.BulkUpdate(context.Background(), BulkActionDelete, []string{"t2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids(s.Items()))
}

func TestBulkCreateAnnouncesRecords(t *testing.T) {
	writer := &fakeWriter{response: []testTask{{ID: "t5", ProjectID: "p1"}, {ID: "t6", ProjectID: "p1", Order: 1}}}
	b := bus.New(zerolog.Nop())
	creator := New(taskConfig(), &fakeReader{}, writer, b, zerolog.Nop())
	observer := New(taskConfig(), &fakeReader{}, &fakeWriter{}, b, zerolog.Nop())
	other := New(taskConfig(), &fakeReader{}, &fakeWriter{}, b, zerolog.Nop())
	defer creator.Close()
	defer observer.Close()
	defer other.Close()
	creator.Seed("p1", nil)
	observer.Seed("p1", nil)
	other.Seed("p2", nil)

	var announced *bus.BulkCreated
	b.Subscribe(bus.KindBulkCreated, func(ev bus.Event) { announced = ev.BulkCreated })

	res, err := creator.BulkCreate(context.Background(), []any{map[string]any{"title": "a"}, map[string]any{"title": "b"}})
	require.NoError(t, err)
	assert.Len(t, res.Record, 2)
	assert.Equal(t, "/api/tasks/bulk-create", writer.calls[0].Path)
	require.NotNil(t, announced)
	assert.Equal(t, "p1", announced.Scope)
	assert.Len(t, announced.Entities, 2)
	assert.Equal(t, []string{"t5", "t6"}, ids(creator.Items()))
	assert.Equal(t, []string{"t5", "t6"}, ids(observer.Items()))
	assert.Empty(t, other.Items())
}

func TestCloseDetachesSubscriptions(t *testing.T) {
	reader := &fakeReader{}
	b := bus.New(zerolog.Nop())
	s := New(taskConfig(), reader, &fakeWriter{}, b, zerolog.Nop())
	s.Close()

	b.PublishSync(wire.SyncEvent{
		Entity: wire.EntityTask, Action: wire.ActionCreated, EntityID: "t1",
		Data: map[string]any{"_id": "t1"},
	})
	b.PublishReconnected()
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, s.Items())
	assert.Empty(t, reader.Calls())
}
