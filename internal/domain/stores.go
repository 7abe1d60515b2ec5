package domain

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/boardsync/internal/bus"
	"github.com/agentworkforce/boardsync/internal/logging"
	"github.com/agentworkforce/boardsync/internal/store"
	"github.com/agentworkforce/boardsync/internal/wire"
)

const projectScope = "projectId"

func NewTaskStore(r store.Reader, w store.Writer, b *bus.Bus, logger zerolog.Logger) *store.Store[Task] {
	return store.New(store.Config[Task]{
		Kind:       wire.EntityTask,
		Path:       "/api/tasks",
		ScopeParam: projectScope,
		ScopeOf:    func(t Task) string { return t.ProjectID },
		Less:       func(a, b Task) bool { return a.Order < b.Order },
		Archived:   func(t Task) bool { return t.Archived },
	}, r, w, b, logger)
}

func NewProjectStore(r store.Reader, w store.Writer, b *bus.Bus, logger zerolog.Logger) *store.Store[Project] {
	return store.New(store.Config[Project]{
		Kind:     wire.EntityProject,
		Path:     "/api/projects",
		Less:     func(a, b Project) bool { return a.Order < b.Order },
		Archived: func(p Project) bool { return p.Archived },
	}, r, w, b, logger)
}

func NewLabelStore(r store.Reader, w store.Writer, b *bus.Bus, logger zerolog.Logger) *store.Store[Label] {
	return store.New(store.Config[Label]{
		Kind: wire.EntityLabel,
		Path: "/api/labels",
		Less: func(a, b Label) bool { return lessFold(a.Name, b.Name) },
	}, r, w, b, logger)
}

func NewCategoryStore(r store.Reader, w store.Writer, b *bus.Bus, logger zerolog.Logger) *store.Store[Category] {
	return store.New(store.Config[Category]{
		Kind:       wire.EntityCategory,
		Path:       "/api/categories",
		ScopeParam: projectScope,
		ScopeOf:    func(c Category) string { return c.ProjectID },
		Less:       func(a, b Category) bool { return a.Order < b.Order },
	}, r, w, b, logger)
}

func NewProjectMemberStore(r store.Reader, w store.Writer, b *bus.Bus, logger zerolog.Logger) *store.Store[ProjectMember] {
	return store.New(store.Config[ProjectMember]{
		Kind:       wire.EntityProjectMember,
		Path:       "/api/project-members",
		ScopeParam: projectScope,
		ScopeOf:    func(m ProjectMember) string { return m.ProjectID },
	}, r, w, b, logger)
}

func NewFilterPresetStore(r store.Reader, w store.Writer, b *bus.Bus, logger zerolog.Logger) *store.Store[FilterPreset] {
	return store.New(store.Config[FilterPreset]{
		Kind:       wire.EntityFilterPreset,
		Path:       "/api/filter-presets",
		ScopeParam: projectScope,
		ScopeOf:    func(f FilterPreset) string { return f.ProjectID },
		Less:       func(a, b FilterPreset) bool { return lessFold(a.Name, b.Name) },
	}, r, w, b, logger)
}

// NotificationStore is the only store also fed by notification-push events,
// which carry no sync envelope.
type NotificationStore struct {
	*store.Store[Notification]
}

func NewNotificationStore(r store.Reader, w store.Writer, b *bus.Bus, logger zerolog.Logger) *NotificationStore {
	s := &NotificationStore{
		Store: store.New(store.Config[Notification]{
			Kind: wire.EntityNotification,
			Path: "/api/notifications",
			Less: func(a, b Notification) bool { return newerFirst(a.CreatedAt, b.CreatedAt) },
		}, r, w, b, logger),
	}
	if b != nil {
		s.OnClose(b.Subscribe(bus.KindNotificationPush, func(ev bus.Event) {
			if ev.Notification == nil || ev.Notification.NotificationID == "" {
				return
			}
			s.Insert(NotificationFromEvent(*ev.Notification))
		}))
	}
	return s
}

// NotificationFromEvent synthesizes the stored record for a pushed
// notification. Pushed notifications are always unread.
func NotificationFromEvent(ev wire.NotificationEvent) Notification {
	createdAt := ev.Timestamp
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return Notification{
		ID:        ev.NotificationID,
		Type:      ev.Type,
		UserID:    ev.UserID,
		TaskID:    ev.TaskID,
		Title:     ev.Title,
		Message:   ev.Message,
		Metadata:  ev.Metadata,
		CreatedAt: createdAt,
	}
}

// Stores is the full set of domain stores sharing one bus and client pair.
type Stores struct {
	Tasks          *store.Store[Task]
	Projects       *store.Store[Project]
	Labels         *store.Store[Label]
	Categories     *store.Store[Category]
	Notifications  *NotificationStore
	ProjectMembers *store.Store[ProjectMember]
	FilterPresets  *store.Store[FilterPreset]
}

func NewStores(r store.Reader, w store.Writer, b *bus.Bus) *Stores {
	return &Stores{
		Tasks:          NewTaskStore(r, w, b, logging.WithEntity(string(wire.EntityTask))),
		Projects:       NewProjectStore(r, w, b, logging.WithEntity(string(wire.EntityProject))),
		Labels:         NewLabelStore(r, w, b, logging.WithEntity(string(wire.EntityLabel))),
		Categories:     NewCategoryStore(r, w, b, logging.WithEntity(string(wire.EntityCategory))),
		Notifications:  NewNotificationStore(r, w, b, logging.WithEntity(string(wire.EntityNotification))),
		ProjectMembers: NewProjectMemberStore(r, w, b, logging.WithEntity(string(wire.EntityProjectMember))),
		FilterPresets:  NewFilterPresetStore(r, w, b, logging.WithEntity(string(wire.EntityFilterPreset))),
	}
}

// FetchAll loads every store. Project-scoped stores use projectID; the rest
// are unscoped. All stores are attempted; the errors are joined.
func (s *Stores) FetchAll(ctx context.Context, projectID string) error {
	return errors.Join(
		s.Tasks.FetchAll(ctx, projectID),
		s.Projects.FetchAll(ctx, ""),
		s.Labels.FetchAll(ctx, ""),
		s.Categories.FetchAll(ctx, projectID),
		s.Notifications.FetchAll(ctx, ""),
		s.ProjectMembers.FetchAll(ctx, projectID),
		s.FilterPresets.FetchAll(ctx, projectID),
	)
}

// Counts reports the collection size per entity kind.
func (s *Stores) Counts() map[wire.EntityKind]int {
	return map[wire.EntityKind]int{
		wire.EntityTask:          s.Tasks.Len(),
		wire.EntityProject:       s.Projects.Len(),
		wire.EntityLabel:         s.Labels.Len(),
		wire.EntityCategory:      s.Categories.Len(),
		wire.EntityNotification:  s.Notifications.Len(),
		wire.EntityProjectMember: s.ProjectMembers.Len(),
		wire.EntityFilterPreset:  s.FilterPresets.Len(),
	}
}

// Wait blocks until bus-triggered refetches in every store have finished.
func (s *Stores) Wait() {
	s.Tasks.Wait()
	s.Projects.Wait()
	s.Labels.Wait()
	s.Categories.Wait()
	s.Notifications.Wait()
	s.ProjectMembers.Wait()
	s.FilterPresets.Wait()
}

func (s *Stores) Close() {
	s.Tasks.Close()
	s.Projects.Close()
	s.Labels.Close()
	s.Categories.Close()
	s.Notifications.Close()
	s.ProjectMembers.Close()
	s.FilterPresets.Close()
}
