package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"nexusdash/api/internal/logging"
)

type fakeIndex struct {
	mu       sync.Mutex
	healthy  bool
	searchFn func(q Query) ([]Result, int, error)
	tasks    []TaskRecord
	cards    []CardRecord
	deleted  []string
	indexed  chan string
	cardErr  error
	ctxErr   error
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(_ context.Context, q Query) ([]Result, int, error) {
	return f.searchFn(q)
}

func (f *fakeIndex) IndexTasks(_ context.Context, tasks []TaskRecord) error {
	f.mu.Lock()
	f.tasks = append(f.tasks, tasks...)
	f.mu.Unlock()
	f.notify("tasks")
	return nil
}

func (f *fakeIndex) IndexCards(ctx context.Context, cards []CardRecord) error {
	f.mu.Lock()
	f.cards = append(f.cards, cards...)
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	f.notify("cards")
	return f.cardErr
}

func (f *fakeIndex) DeleteTasks(_ context.Context, ids []string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, ids...)
	f.mu.Unlock()
	return nil
}

func (f *fakeIndex) DeleteCards(_ context.Context, ids []string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, ids...)
	f.mu.Unlock()
	f.notify("delete")
	return nil
}

func (f *fakeIndex) notify(what string) {
	if f.indexed != nil {
		f.indexed <- what
	}
}

type fakeSearcher struct {
	calls int
	fn    func(q Query) ([]Result, int, error)
}

func (f *fakeSearcher) Healthy() bool { return true }

func (f *fakeSearcher) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.calls++
	return f.fn(q)
}

type fakeLoader struct {
	tasks []TaskRecord
	cards []CardRecord
}

func (f fakeLoader) LoadAllRecords(context.Context) ([]TaskRecord, []CardRecord, error) {
	return f.tasks, f.cards, nil
}

func TestSearchWithoutProjectsReturnsEmpty(t *testing.T) {
	fallback := &fakeSearcher{fn: func(Query) ([]Result, int, error) {
		t.Fatal("search should not reach the backend")
		return nil, 0, nil
	}}
	svc := NewService(nil, fallback, nil, nil)
	resp := svc.Search(context.Background(), Query{Text: "roadmap"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSearchFallsBackWhenPrimaryFails(t *testing.T) {
	primary := &fakeIndex{healthy: true, searchFn: func(Query) ([]Result, int, error) {
		return nil, 0, errors.New("boom")
	}}
	fallback := &fakeSearcher{fn: func(q Query) ([]Result, int, error) {
		if len(q.ProjectIDs) != 1 || q.ProjectIDs[0] != "prj_1" {
			t.Fatalf("unexpected project scope %v", q.ProjectIDs)
		}
		return []Result{{Type: ResultTask, ID: "tsk_1", ProjectID: "prj_1", Title: "Ship"}}, 1, nil
	}}
	svc := NewService(primary, fallback, nil, nil)

	resp := svc.Search(context.Background(), Query{Text: "ship", ProjectIDs: []string{"prj_1"}})
	if fallback.calls != 1 {
		t.Fatalf("expected fallback to be used once, got %d", fallback.calls)
	}
	if resp.Total != 1 || resp.Results[0].ID != "tsk_1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSearchSkipsUnhealthyPrimary(t *testing.T) {
	primary := &fakeIndex{healthy: false, searchFn: func(Query) ([]Result, int, error) {
		t.Fatal("unhealthy primary should not be queried")
		return nil, 0, nil
	}}
	fallback := &fakeSearcher{fn: func(Query) ([]Result, int, error) { return nil, 0, nil }}
	svc := NewService(primary, fallback, nil, nil)
	resp := svc.Search(context.Background(), Query{Text: "x", ProjectIDs: []string{"prj_1"}})
	if resp.Results == nil {
		t.Fatal("expected non-nil results slice")
	}
}

func TestIndexTaskRunsInBackground(t *testing.T) {
	primary := &fakeIndex{healthy: true, indexed: make(chan string, 1)}
	svc := NewService(primary, nil, nil, nil)
	svc.IndexTask(context.Background(), TaskRecord{ID: "tsk_1", ProjectID: "prj_1", Title: "Ship"})

	select {
	case <-primary.indexed:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not indexed")
	}
	primary.mu.Lock()
	defer primary.mu.Unlock()
	if len(primary.tasks) != 1 || primary.tasks[0].ID != "tsk_1" {
		t.Fatalf("unexpected indexed tasks %+v", primary.tasks)
	}
}

func TestDeleteProjectRemovesTasksAndCards(t *testing.T) {
	primary := &fakeIndex{healthy: true, indexed: make(chan string, 1)}
	svc := NewService(primary, nil, nil, nil)
	svc.DeleteProject(context.Background(), "prj_1", []string{"tsk_1", "tsk_2"}, []string{"crd_1"})

	select {
	case <-primary.indexed:
	case <-time.After(2 * time.Second):
		t.Fatal("project entries were not deleted")
	}
	primary.mu.Lock()
	defer primary.mu.Unlock()
	if len(primary.deleted) != 3 {
		t.Fatalf("expected 3 deletions, got %v", primary.deleted)
	}
}

func TestReindex(t *testing.T) {
	if _, _, err := NewService(nil, nil, nil, nil).Reindex(context.Background()); !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("expected ErrIndexUnavailable, got %v", err)
	}

	primary := &fakeIndex{healthy: true}
	loader := fakeLoader{
		tasks: []TaskRecord{{ID: "tsk_1"}, {ID: "tsk_2"}},
		cards: []CardRecord{{ID: "crd_1"}},
	}
	tasks, cards, err := NewService(primary, nil, loader, nil).Reindex(context.Background())
	if err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}
	if tasks != 2 || cards != 1 {
		t.Fatalf("expected 2 tasks and 1 card, got %d %d", tasks, cards)
	}
}

func TestProjectFilter(t *testing.T) {
	got := projectFilter([]string{"prj_a", "prj_b"})
	want := `projectId IN ["prj_a", "prj_b"]`
	if got != want {
		t.Fatalf("projectFilter() = %s, want %s", got, want)
	}
}

func TestHitToResultPrefersFormattedFields(t *testing.T) {
	hit := meili.Hit{
		"id":         []byte(`"crd_1"`),
		"projectId":  []byte(`"prj_1"`),
		"title":      []byte(`"Notes"`),
		"content":    []byte(`"plain content"`),
		"color":      []byte(`"teal"`),
		"_formatted": []byte(`{"title":"<mark>Notes</mark>","content":"…plain <mark>content</mark>"}`),
	}
	r := hitToResult(hit, ResultCard)
	if r.Title != "<mark>Notes</mark>" || r.Snippet != "…plain <mark>content</mark>" {
		t.Fatalf("unexpected formatted result %+v", r)
	}
	if r.ProjectID != "prj_1" || r.Color != "teal" || r.Type != ResultCard {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestBackgroundFailureKeepsRequestID(t *testing.T) {
	primary := &fakeIndex{healthy: true, indexed: make(chan string, 1), cardErr: errors.New("index offline")}
	core, logs := observer.New(zap.WarnLevel)
	svc := NewService(primary, nil, nil, zap.New(core))

	parent, cancel := context.WithCancel(logging.WithRequestID(context.Background(), "req-42"))
	cancel()
	svc.IndexCard(parent, CardRecord{ID: "crd_1", ProjectID: "prj_1", Title: "Brand voice"})

	deadline := time.Now().Add(2 * time.Second)
	for logs.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	entries := logs.FilterMessage("index card failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one failure log, got %v", logs.All())
	}
	if got := entries[0].ContextMap()["request_id"]; got != "req-42" {
		t.Fatalf("expected request id on log line, got %v", got)
	}
	primary.mu.Lock()
	defer primary.mu.Unlock()
	if primary.ctxErr != nil {
		t.Fatalf("background index must outlive the request, got %v", primary.ctxErr)
	}
}
