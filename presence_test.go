package wnpchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// newTestClient points a client at a fake API server.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(WithBaseURL(srv.URL))
}

// okEnvelope writes a success Result envelope with data.
func okEnvelope(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(Result{OK: true, Data: raw})
}

func TestFormatStatus(t *testing.T) {
	if got := FormatStatus(StatusOnline); got.Label != "Online" || got.Priority != 1 {
		t.Errorf("online indicator wrong: %+v", got)
	}
	if got := FormatStatus(Status("weird")); got.Label != "Offline" {
		t.Errorf("unknown status should format as offline, got %+v", got)
	}
}

func TestSortByPresence(t *testing.T) {
	rows := []Presence{
		{UserID: "c", Status: StatusOffline},
		{UserID: "b", Status: StatusOnline},
		{UserID: "d", Status: StatusBusy},
		{UserID: "a", Status: StatusOnline},
		{UserID: "e", Status: StatusAway},
	}
	SortByPresence(rows)

	want := []string{"a", "b", "e", "d", "c"}
	for i, id := range want {
		if rows[i].UserID != id {
			t.Fatalf("position %d: got %s, want %s (full: %+v)", i, rows[i].UserID, id, rows)
		}
	}
}

func TestPresenceStoreApply(t *testing.T) {
	client := NewClient()
	store := NewPresenceStore(client)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("accepts a valid update", func(t *testing.T) {
		if !store.Apply(Presence{UserID: "u1", Status: StatusOnline, UpdatedAt: base}) {
			t.Fatal("valid update rejected")
		}
		p, ok := store.Get("u1")
		if !ok || p.Status != StatusOnline {
			t.Fatalf("update not stored: %+v", p)
		}
	})

	t.Run("rejects a stale update", func(t *testing.T) {
		if store.Apply(Presence{UserID: "u1", Status: StatusOffline, UpdatedAt: base.Add(-time.Minute)}) {
			t.Fatal("stale update accepted")
		}
		p, _ := store.Get("u1")
		if p.Status != StatusOnline {
			t.Fatalf("stale update overwrote fresh data: %+v", p)
		}
	})

	t.Run("accepts a newer update", func(t *testing.T) {
		if !store.Apply(Presence{UserID: "u1", Status: StatusAway, UpdatedAt: base.Add(time.Minute)}) {
			t.Fatal("newer update rejected")
		}
		p, _ := store.Get("u1")
		if p.Status != StatusAway {
			t.Fatalf("newer update not applied: %+v", p)
		}
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		if store.Apply(Presence{UserID: "", Status: StatusOnline}) {
			t.Error("missing user id accepted")
		}
		if store.Apply(Presence{UserID: "u2", Status: Status("astral")}) {
			t.Error("invalid status accepted")
		}
	})

	t.Run("stamps missing timestamps with arrival time", func(t *testing.T) {
		now := base.Add(time.Hour)
		store.clock = func() time.Time { return now }
		if !store.Apply(Presence{UserID: "u3", Status: StatusBusy}) {
			t.Fatal("untimestamped update rejected")
		}
		p, _ := store.Get("u3")
		if !p.UpdatedAt.Equal(now) {
			t.Fatalf("expected arrival stamp %v, got %v", now, p.UpdatedAt)
		}
	})
}

func TestPresenceStoreGetUntracked(t *testing.T) {
	store := NewPresenceStore(NewClient())
	p, tracked := store.Get("ghost")
	if tracked {
		t.Error("untracked user reported as tracked")
	}
	if p.Status != StatusOffline || p.UserID != "ghost" {
		t.Errorf("untracked user should read offline: %+v", p)
	}
}

func TestPresenceStoreQuery(t *testing.T) {
	snapshotTime := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/presence/bulk" {
			http.NotFound(w, r)
			return
		}
		okEnvelope(w, []Presence{
			{UserID: "u1", Status: StatusOnline, UpdatedAt: snapshotTime},
			{UserID: "u2", Status: StatusAway, UpdatedAt: snapshotTime},
		})
	}))
	store := NewPresenceStore(client)

	// Realtime data newer than the snapshot must survive the merge.
	store.Apply(Presence{UserID: "u2", Status: StatusBusy, UpdatedAt: snapshotTime.Add(time.Minute)})

	rows, err := store.Query(context.Background(), []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rows[0].Status != StatusOnline {
		t.Errorf("u1 should take the snapshot value, got %s", rows[0].Status)
	}
	if rows[1].Status != StatusBusy {
		t.Errorf("u2 realtime value overwritten by older snapshot: %s", rows[1].Status)
	}
}

func TestPresenceStoreQueryPerUserCoverage(t *testing.T) {
	snapshotTime := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var (
		mu      sync.Mutex
		fetched [][]string
	)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/presence/bulk" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			UserIDs []string `json:"userIds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		mu.Lock()
		fetched = append(fetched, req.UserIDs)
		mu.Unlock()
		rows := make([]Presence, 0, len(req.UserIDs))
		for _, id := range req.UserIDs {
			rows = append(rows, Presence{UserID: id, Status: StatusOnline, UpdatedAt: snapshotTime})
		}
		okEnvelope(w, rows)
	}))
	store := NewPresenceStore(client)

	if _, err := store.Query(context.Background(), []string{"u1"}); err != nil {
		t.Fatalf("query u1: %v", err)
	}

	// u2 has never been fetched; a fresh snapshot for u1 must not mask it.
	rows, err := store.Query(context.Background(), []string{"u2"})
	if err != nil {
		t.Fatalf("query u2: %v", err)
	}
	if rows[0].Status != StatusOnline {
		t.Errorf("u2 reported %s though the server reports online", rows[0].Status)
	}
	mu.Lock()
	if len(fetched) != 2 || len(fetched[1]) != 1 || fetched[1][0] != "u2" {
		t.Fatalf("expected a second fetch for u2 alone, got %v", fetched)
	}
	mu.Unlock()

	// Both users are now covered; a repeat query inside the staleness
	// window makes no further requests.
	if _, err := store.Query(context.Background(), []string{"u1", "u2"}); err != nil {
		t.Fatalf("covered query: %v", err)
	}
	mu.Lock()
	if len(fetched) != 2 {
		t.Fatalf("covered users refetched inside the window: %v", fetched)
	}
	mu.Unlock()
}

func TestPresenceStoreQueryDegraded(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	store := NewPresenceStore(client)
	store.Apply(Presence{UserID: "u1", Status: StatusOnline, UpdatedAt: time.Now()})

	rows, err := store.Query(context.Background(), []string{"u1"})
	if err != nil {
		t.Fatalf("query should degrade, not fail: %v", err)
	}
	if rows[0].Status != StatusOnline {
		t.Errorf("in-memory data lost on snapshot failure: %+v", rows[0])
	}
}

func TestPresenceStoreOnline(t *testing.T) {
	store := NewPresenceStore(NewClient())
	now := time.Now()
	store.Apply(Presence{UserID: "u1", Status: StatusOnline, UpdatedAt: now})
	store.Apply(Presence{UserID: "u2", Status: StatusOffline, UpdatedAt: now})
	store.Apply(Presence{UserID: "u3", Status: StatusAway, UpdatedAt: now})

	rows := store.Online()
	if len(rows) != 2 {
		t.Fatalf("expected 2 online rows, got %d", len(rows))
	}
	if rows[0].UserID != "u1" || rows[1].UserID != "u3" {
		t.Errorf("online rows out of order: %+v", rows)
	}
}
