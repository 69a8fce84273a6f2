package entity

import (
	"context"
	"testing"
	"time"

	"github.com/bassista/gitrecords/internal/cache"
	"github.com/bassista/gitrecords/internal/config"
	"github.com/bassista/gitrecords/internal/content"
	"github.com/bassista/gitrecords/internal/datastore"
	"github.com/bassista/gitrecords/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStores(t *testing.T, org string) *Stores {
	t.Helper()
	local, err := content.NewLocalClient(t.TempDir())
	require.NoError(t, err)
	reg, err := datastore.RegistryFromConfig(config.DefaultEntities())
	require.NoError(t, err)
	p, err := datastore.New(local, cache.NewStore(), reg, datastore.Options{})
	require.NoError(t, err)
	return NewStores(p, org)
}

func strptr(s string) *string { return &s }

func TestTask_MarkAsDone(t *testing.T) {
	s := newTestStores(t, "org-1")
	ctx := context.Background()

	created, err := s.Tasks.Create(ctx, &Task{Name: "Write report"})
	require.NoError(t, err)
	task := created.Value()
	assert.Equal(t, "org-1", task.OrganizationID)
	assert.False(t, task.IsDone)
	t0 := task.UpdatedAt

	ok, err := MarkAsDone(ctx, created)
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := s.Tasks.FindOrFail(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, found.Value().IsDone)
	assert.Greater(t, found.Value().UpdatedAt, t0)
}

func TestTask_ValidatesDueDate(t *testing.T) {
	s := newTestStores(t, "org-1")
	_, err := s.Tasks.Create(context.Background(), &Task{Name: "x", DueDate: strptr("next week")})
	assert.ErrorIs(t, err, model.ErrInvalid)

	inst, err := s.Tasks.Create(context.Background(), &Task{Name: "x", DueDate: strptr("2026-05-01")})
	require.NoError(t, err)
	assert.Equal(t, "2026-05-01", *inst.Value().DueDate)
}

func TestTimeLog_DurationAndRunning(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	finished := &TimeLog{StartedAt: "2026-04-01T09:00:00Z", EndedAt: strptr("2026-04-01T10:30:00Z")}
	assert.False(t, finished.IsRunning())
	assert.Equal(t, 90*time.Minute, finished.Duration(now))

	running := &TimeLog{StartedAt: "2026-04-01T11:15:00Z"}
	assert.True(t, running.IsRunning())
	assert.Equal(t, 45*time.Minute, running.Duration(now))

	empty := &TimeLog{StartedAt: "2026-04-01T11:15:00Z", EndedAt: strptr("")}
	assert.True(t, empty.IsRunning())

	broken := &TimeLog{StartedAt: "yesterday"}
	assert.Zero(t, broken.Duration(now))

	backwards := &TimeLog{StartedAt: "2026-04-01T11:00:00Z", EndedAt: strptr("2026-04-01T10:00:00Z")}
	assert.Zero(t, backwards.Duration(now))

	assert.Equal(t, 135*time.Minute, TotalTrackedDuration([]*TimeLog{finished, running, broken}, now))
}

func TestStores_ClientAndProjectQueries(t *testing.T) {
	s := newTestStores(t, "org-1")
	ctx := context.Background()

	acme, err := s.Clients.Create(ctx, &Client{Name: "Acme"})
	require.NoError(t, err)
	_, err = s.Clients.Create(ctx, &Client{Name: "Old Co", Archived: true})
	require.NoError(t, err)

	active, err := s.ActiveClients(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Acme", active[0].Name)

	acmeID := acme.Value().ID
	for _, name := range []string{"Website", "Mobile"} {
		_, err := s.Projects.Create(ctx, &Project{Name: name, ClientID: acmeID, HourlyRate: 80})
		require.NoError(t, err)
	}
	_, err = s.Projects.Create(ctx, &Project{Name: "Internal"})
	require.NoError(t, err)

	projects, err := s.ProjectsForClient(ctx, acmeID)
	require.NoError(t, err)
	assert.Len(t, projects, 2)

	_, err = s.Projects.Create(ctx, &Project{Name: "Bad rate", HourlyRate: -1})
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestStores_TaskQueries(t *testing.T) {
	s := newTestStores(t, "org-1")
	ctx := context.Background()

	for _, task := range []*Task{
		{Name: "One", ProjectID: "p1"},
		{Name: "Two", ProjectID: "p1", IsDone: true},
		{Name: "Three", ProjectID: "p2"},
	} {
		_, err := s.Tasks.Create(ctx, task)
		require.NoError(t, err)
	}

	forP1, err := s.TasksForProject(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, forP1, 2)

	open, err := s.OpenTasks(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"One", "Three"}, []string{open[0].Name, open[1].Name})

	openP1, err := s.OpenTasks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, openP1, 1)
	assert.Equal(t, "One", openP1[0].Name)
}

func TestStores_TimeLogQueries(t *testing.T) {
	s := newTestStores(t, "org-1")
	ctx := context.Background()

	logs := []*TimeLog{
		{MemberID: "m1", ProjectID: "p1", StartedAt: "2026-03-30T09:00:00Z", EndedAt: strptr("2026-03-30T10:00:00Z")},
		{MemberID: "m1", ProjectID: "p1", StartedAt: "2026-04-01T09:00:00Z", EndedAt: strptr("2026-04-01T11:00:00Z")},
		{MemberID: "m1", ProjectID: "p2", StartedAt: "2026-04-02T09:00:00Z"},
		{MemberID: "m2", ProjectID: "p1", StartedAt: "2026-04-01T09:00:00Z", EndedAt: strptr("2026-04-01T09:30:00Z")},
	}
	for _, l := range logs {
		_, err := s.TimeLogs.Create(ctx, l)
		require.NoError(t, err)
	}

	from := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	inRange, err := s.TimeLogsForMember(ctx, "m1", from, to)
	require.NoError(t, err)
	require.Len(t, inRange, 1)
	assert.Equal(t, "2026-04-01T09:00:00Z", inRange[0].StartedAt)

	openEnded, err := s.TimeLogsForMember(ctx, "m1", from, time.Time{})
	require.NoError(t, err)
	assert.Len(t, openEnded, 2)

	forP1, err := s.TimeLogsForProject(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, forP1, 3)
	assert.Equal(t, 3*time.Hour+30*time.Minute, TotalTrackedDuration(forP1, to))

	running, err := s.RunningTimeLogs(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "p2", running[0].ProjectID)
}

func TestStores_MembersAndTags(t *testing.T) {
	s := newTestStores(t, "org-1")
	ctx := context.Background()

	alice, err := s.Members.Create(ctx, &Member{UserID: "u-alice", Role: "admin"})
	require.NoError(t, err)
	bob, err := s.Members.Create(ctx, &Member{UserID: "u-bob", Role: "member"})
	require.NoError(t, err)
	_, err = s.Members.Create(ctx, &Member{UserID: "u-carol"})
	require.NoError(t, err)

	for _, link := range []*ProjectMember{
		{ProjectID: "p1", MemberID: bob.Value().ID},
		{ProjectID: "p1", MemberID: alice.Value().ID},
		{ProjectID: "p1", MemberID: "ghost"},
		{ProjectID: "p2", MemberID: alice.Value().ID},
	} {
		_, err := s.ProjectMembers.Create(ctx, link)
		require.NoError(t, err)
	}

	members, err := s.MembersOfProject(ctx, "p1")
	require.NoError(t, err)
	users := []string{}
	for _, m := range members {
		users = append(users, m.UserID)
	}
	assert.ElementsMatch(t, []string{"u-alice", "u-bob"}, users)

	red, err := s.Tags.Create(ctx, &Tag{Name: "urgent", Color: "red"})
	require.NoError(t, err)
	_, err = s.Tags.Create(ctx, &Tag{Name: "later", Color: "grey"})
	require.NoError(t, err)

	tags, err := s.TagsByIDs(ctx, []string{red.Value().ID, "missing"})
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "urgent", tags[0].Name)
}

func TestStores_OrganizationsAreGlobal(t *testing.T) {
	s := newTestStores(t, "org-1")
	ctx := context.Background()

	org, err := s.Organizations.Create(ctx, &Organization{Name: "Acme Inc", Slug: "acme"})
	require.NoError(t, err)
	assert.Empty(t, org.Value().OrganizationID)

	_, err = s.Users.Create(ctx, &User{Name: "Ada", Email: "not-an-email"})
	assert.ErrorIs(t, err, model.ErrInvalid)

	scoped := newTestStores(t, "")
	_, err = scoped.Clients.All(ctx)
	assert.ErrorIs(t, err, datastore.ErrMissingOrganization)
}
