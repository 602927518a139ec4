package entity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return NewRepository(s)
}

func TestDecode_TimesAndNumbers(t *testing.T) {
	doc := store.Document{
		"id":            "inv-1",
		"total":         float64(5000),
		"paidAmount":    float64(1250.5),
		"status":        "sent",
		"dueDate":       "2024-03-01T00:00:00Z",
		"unknownField":  "ignored",
		"lastPaymentId": nil,
	}
	var inv Invoice
	require.NoError(t, Decode(doc, &inv))
	assert.Equal(t, "inv-1", inv.ID)
	assert.Equal(t, 5000.0, inv.Total)
	assert.Equal(t, 1250.5, inv.PaidAmount)
	require.NotNil(t, inv.DueDate)
	assert.True(t, inv.DueDate.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestDecode_IntFromFloat(t *testing.T) {
	var q Quote
	require.NoError(t, Decode(store.Document{"contractMonths": float64(12), "total": float64(12000)}, &q))
	assert.Equal(t, 12, q.ContractMonths)
}

func TestDecode_EmptyTimeString(t *testing.T) {
	var c Candidate
	require.NoError(t, Decode(store.Document{"startDate": "", "email": "a@b.c"}, &c))
	require.NotNil(t, c.StartDate)
	assert.True(t, c.StartDate.IsZero())
}

func TestDecode_BadTime(t *testing.T) {
	var c Candidate
	err := Decode(store.Document{"startDate": "next tuesday"}, &c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Candidate")
}

func TestEncode_OmitsEmptyID(t *testing.T) {
	doc, err := Encode(&Task{Title: "Kickoff", Status: "todo"})
	require.NoError(t, err)
	_, hasID := doc["id"]
	assert.False(t, hasID)
	assert.Equal(t, "Kickoff", doc["title"])
}

func TestRepository_RoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	id, err := r.Insert(ctx, Projects, &Project{
		Code: "PRJ-202403-0001", Name: "Rollout", OwnerID: "u1", Status: "planning",
		Budget: 12000, StartDate: start,
	})
	require.NoError(t, err)

	p, err := Get[Project](ctx, r, Projects, id)
	require.NoError(t, err)
	assert.Equal(t, id, p.ID)
	assert.Equal(t, "PRJ-202403-0001", p.Code)
	assert.True(t, p.StartDate.Equal(start))
	assert.Nil(t, p.EndDate)

	end := start.AddDate(0, 2, 0)
	require.NoError(t, r.Update(ctx, Projects, id, store.Document{"endDate": end}))
	p, err = Get[Project](ctx, r, Projects, id)
	require.NoError(t, err)
	require.NotNil(t, p.EndDate)
	assert.True(t, p.EndDate.Equal(end))
}

func TestRepository_QueryAndAppend(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	for _, st := range []string{"completed", "todo", "completed"} {
		_, err := r.Insert(ctx, Tasks, &Task{Title: "t", ProjectID: "p1", Status: st})
		require.NoError(t, err)
	}
	tasks, err := Query[Task](ctx, r, Tasks, store.Filter{"projectId": "p1", "status": "completed"})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	accID, err := r.Insert(ctx, Accounts, &Account{Name: "Acme"})
	require.NoError(t, err)
	require.NoError(t, r.Append(ctx, Accounts, accID, "activeProjects", "p1"))
	acc, err := Get[Account](ctx, r, Accounts, accID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, acc.ActiveProjects)
}

func TestRepository_GetNotFound(t *testing.T) {
	r := newTestRepo(t)
	_, err := Get[Opportunity](context.Background(), r, Opportunities, "nope")
	assert.True(t, schema.IsNotFound(err))
}

func TestSubCollectionPaths(t *testing.T) {
	assert.Equal(t, "projects/p1/phases", PhasesOf("p1"))
	assert.Equal(t, "projects/p1/members", MembersOf("p1"))
}
