// Package entity declares the time-tracking records stored in the backing
// repository. Persistence comes entirely from the model package; the types
// here add fields, validation tags and read-only derived behaviour.
package entity

import (
	"context"
	"time"

	"github.com/bassista/gitrecords/internal/model"
)

const (
	TypeOrganizations  = "organizations"
	TypeUsers          = "users"
	TypeClients        = "clients"
	TypeProjects       = "projects"
	TypeTasks          = "tasks"
	TypeTimeLogs       = "timelogs"
	TypeTags           = "tags"
	TypeMembers        = "members"
	TypeProjectMembers = "project_members"
)

type Organization struct {
	model.Base
	Name    string `json:"name" validate:"required"`
	Slug    string `json:"slug"`
	OwnerID string `json:"owner_id"`
}

type User struct {
	model.Base
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"omitempty,email"`
}

type Client struct {
	model.Base
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"omitempty,email"`
	Archived bool   `json:"archived"`
}

func (c *Client) IsArchived() bool { return c.Archived }

type Project struct {
	model.Base
	Name       string  `json:"name" validate:"required"`
	ClientID   string  `json:"client_id"`
	HourlyRate float64 `json:"hourly_rate" validate:"gte=0"`
	IsBillable bool    `json:"is_billable"`
	Archived   bool    `json:"archived"`
}

type Task struct {
	model.Base
	Name      string  `json:"name" validate:"required"`
	ProjectID string  `json:"project_id"`
	IsDone    bool    `json:"is_done"`
	DueDate   *string `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
}

// MarkAsDone flags the task done and saves it.
func MarkAsDone(ctx context.Context, task *model.Instance[Task, *Task]) (bool, error) {
	task.Value().IsDone = true
	return task.Save(ctx)
}

// TimeLog is one tracked time entry. A nil EndedAt means the timer is still running.
type TimeLog struct {
	model.Base
	MemberID    string   `json:"member_id" validate:"required"`
	ProjectID   string   `json:"project_id"`
	TaskID      string   `json:"task_id"`
	Description string   `json:"description"`
	StartedAt   string   `json:"started_at" validate:"required"`
	EndedAt     *string  `json:"ended_at"`
	IsBillable  bool     `json:"is_billable"`
	TagIDs      []string `json:"tag_ids"`
}

func (l *TimeLog) IsRunning() bool {
	return l.EndedAt == nil || *l.EndedAt == ""
}

// Start parses StartedAt; the zero time is returned for unparsable values.
func (l *TimeLog) Start() time.Time {
	return parseTime(l.StartedAt)
}

func (l *TimeLog) End() (time.Time, bool) {
	if l.IsRunning() {
		return time.Time{}, false
	}
	t := parseTime(*l.EndedAt)
	return t, !t.IsZero()
}

// Duration is the tracked time, measured up to now for a running entry.
func (l *TimeLog) Duration(now time.Time) time.Duration {
	start := l.Start()
	if start.IsZero() {
		return 0
	}
	end, ok := l.End()
	if !ok {
		end = now
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

type Tag struct {
	model.Base
	Name  string `json:"name" validate:"required"`
	Color string `json:"color"`
}

type Member struct {
	model.Base
	UserID string `json:"user_id" validate:"required"`
	Role   string `json:"role"`
}

type ProjectMember struct {
	model.Base
	ProjectID string `json:"project_id" validate:"required"`
	MemberID  string `json:"member_id" validate:"required"`
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
