// Package domain defines the seven board entity types and the store
// configuration for each of them.
package domain

import (
	"strings"
	"time"
)

type Task struct {
	ID          string   `json:"_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	ProjectID   string   `json:"projectId,omitempty"`
	ColumnID    string   `json:"columnId,omitempty"`
	CategoryID  string   `json:"categoryId,omitempty"`
	AssigneeID  string   `json:"assigneeId,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	DueDate     string   `json:"dueDate,omitempty"`
	Order       float64  `json:"order"`
	Archived    bool     `json:"archived,omitempty"`
	CreatedAt   string   `json:"createdAt,omitempty"`
	UpdatedAt   string   `json:"updatedAt,omitempty"`
}

func (t Task) EntityID() string { return t.ID }

type Project struct {
	ID          string  `json:"_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Color       string  `json:"color,omitempty"`
	OwnerID     string  `json:"ownerId,omitempty"`
	Order       float64 `json:"order"`
	Archived    bool    `json:"archived,omitempty"`
}

func (p Project) EntityID() string { return p.ID }

type Label struct {
	ID        string `json:"_id"`
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
}

func (l Label) EntityID() string { return l.ID }

type Category struct {
	ID        string  `json:"_id"`
	Name      string  `json:"name"`
	ProjectID string  `json:"projectId,omitempty"`
	Color     string  `json:"color,omitempty"`
	Order     float64 `json:"order"`
}

func (c Category) EntityID() string { return c.ID }

type Notification struct {
	ID        string         `json:"_id"`
	Type      string         `json:"type"`
	UserID    string         `json:"userId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Read      bool           `json:"read"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"createdAt,omitempty"`
}

func (n Notification) EntityID() string { return n.ID }

type ProjectMember struct {
	ID        string `json:"_id"`
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Role      string `json:"role,omitempty"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
}

func (m ProjectMember) EntityID() string { return m.ID }

type FilterPreset struct {
	ID        string         `json:"_id"`
	Name      string         `json:"name"`
	ProjectID string         `json:"projectId,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
}

func (f FilterPreset) EntityID() string { return f.ID }

func lessFold(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la == lb {
		return a < b
	}
	return la < lb
}

// newerFirst orders RFC 3339 timestamps descending. Unparseable values sort
// last.
func newerFirst(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil {
		return false
	}
	if errB != nil {
		return true
	}
	return ta.After(tb)
}
