package entity

import (
	"context"
	"time"

	"github.com/bassista/gitrecords/internal/model"
)

// Stores groups the model stores of every entity type. Scoped stores are
// bound to one organization; organizations and users are global.
type Stores struct {
	Organizations  *model.Store[Organization, *Organization]
	Users          *model.Store[User, *User]
	Clients        *model.Store[Client, *Client]
	Projects       *model.Store[Project, *Project]
	Tasks          *model.Store[Task, *Task]
	TimeLogs       *model.Store[TimeLog, *TimeLog]
	Tags           *model.Store[Tag, *Tag]
	Members        *model.Store[Member, *Member]
	ProjectMembers *model.Store[ProjectMember, *ProjectMember]
}

func NewStores(p model.Provider, organizationID string) *Stores {
	return &Stores{
		Organizations:  model.NewStore[Organization](p, TypeOrganizations),
		Users:          model.NewStore[User](p, TypeUsers),
		Clients:        model.NewStore[Client](p, TypeClients).For(organizationID),
		Projects:       model.NewStore[Project](p, TypeProjects).For(organizationID),
		Tasks:          model.NewStore[Task](p, TypeTasks).For(organizationID),
		TimeLogs:       model.NewStore[TimeLog](p, TypeTimeLogs).For(organizationID),
		Tags:           model.NewStore[Tag](p, TypeTags).For(organizationID),
		Members:        model.NewStore[Member](p, TypeMembers).For(organizationID),
		ProjectMembers: model.NewStore[ProjectMember](p, TypeProjectMembers).For(organizationID),
	}
}

// ActiveClients returns the clients that are not archived.
func (s *Stores) ActiveClients(ctx context.Context) ([]*Client, error) {
	all, err := s.Clients.All(ctx)
	if err != nil {
		return nil, err
	}
	return filter(model.Values(all), func(c *Client) bool { return !c.IsArchived() }), nil
}

func (s *Stores) ProjectsForClient(ctx context.Context, clientID string) ([]*Project, error) {
	found, err := s.Projects.Where(ctx, map[string]any{"client_id": clientID})
	if err != nil {
		return nil, err
	}
	return model.Values(found), nil
}

func (s *Stores) TasksForProject(ctx context.Context, projectID string) ([]*Task, error) {
	found, err := s.Tasks.Where(ctx, map[string]any{"project_id": projectID})
	if err != nil {
		return nil, err
	}
	return model.Values(found), nil
}

// OpenTasks returns the tasks not yet done, optionally limited to one project.
func (s *Stores) OpenTasks(ctx context.Context, projectID string) ([]*Task, error) {
	var (
		tasks []*Task
		err   error
	)
	if projectID != "" {
		tasks, err = s.TasksForProject(ctx, projectID)
	} else {
		var all []*model.Instance[Task, *Task]
		all, err = s.Tasks.All(ctx)
		tasks = model.Values(all)
	}
	if err != nil {
		return nil, err
	}
	return filter(tasks, func(t *Task) bool { return !t.IsDone }), nil
}

// TimeLogsForMember returns a member's entries that started in [from, to).
// A zero bound is open.
func (s *Stores) TimeLogsForMember(ctx context.Context, memberID string, from, to time.Time) ([]*TimeLog, error) {
	found, err := s.TimeLogs.Where(ctx, map[string]any{"member_id": memberID})
	if err != nil {
		return nil, err
	}
	return filter(model.Values(found), func(l *TimeLog) bool {
		start := l.Start()
		if start.IsZero() {
			return false
		}
		if !from.IsZero() && start.Before(from) {
			return false
		}
		return to.IsZero() || start.Before(to)
	}), nil
}

func (s *Stores) TimeLogsForProject(ctx context.Context, projectID string) ([]*TimeLog, error) {
	found, err := s.TimeLogs.Where(ctx, map[string]any{"project_id": projectID})
	if err != nil {
		return nil, err
	}
	return model.Values(found), nil
}

func (s *Stores) RunningTimeLogs(ctx context.Context) ([]*TimeLog, error) {
	all, err := s.TimeLogs.All(ctx)
	if err != nil {
		return nil, err
	}
	return filter(model.Values(all), (*TimeLog).IsRunning), nil
}

// MembersOfProject resolves the project_members join rows into members, in join order.
func (s *Stores) MembersOfProject(ctx context.Context, projectID string) ([]*Member, error) {
	links, err := s.ProjectMembers.Where(ctx, map[string]any{"project_id": projectID})
	if err != nil {
		return nil, err
	}
	all, err := s.Members.All(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Member, len(all))
	for _, m := range model.Values(all) {
		byID[m.ID] = m
	}
	out := make([]*Member, 0, len(links))
	seen := map[string]bool{}
	for _, link := range model.Values(links) {
		m, ok := byID[link.MemberID]
		if !ok || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out, nil
}

// TagsByIDs returns the tags with the given ids, in tag listing order.
func (s *Stores) TagsByIDs(ctx context.Context, ids []string) ([]*Tag, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	all, err := s.Tags.All(ctx)
	if err != nil {
		return nil, err
	}
	return filter(model.Values(all), func(t *Tag) bool { return want[t.ID] }), nil
}

// TotalTrackedDuration sums the entries, measuring running ones up to now.
func TotalTrackedDuration(logs []*TimeLog, now time.Time) time.Duration {
	var total time.Duration
	for _, l := range logs {
		total += l.Duration(now)
	}
	return total
}

func filter[T any](items []T, keep func(T) bool) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}
