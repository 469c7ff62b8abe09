package wnpchat

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// snapshotStaleness is how long a REST presence snapshot stays trustworthy
// before the next query refetches it.
const snapshotStaleness = 30 * time.Second

// ============================================================================
// Presence indicator formatter
// ============================================================================

var indicators = map[Status]PresenceIndicator{
	StatusOnline:  {Label: "Online", Color: "#22c55e", Priority: 1},
	StatusAway:    {Label: "Away", Color: "#eab308", Priority: 2},
	StatusBusy:    {Label: "Busy", Color: "#ef4444", Priority: 3},
	StatusOffline: {Label: "Offline", Color: "#9ca3af", Priority: 4},
}

// FormatStatus maps a status to its display metadata. Priority orders user
// lists: online(1) < away(2) < busy(3) < offline(4). Unknown statuses format
// as offline.
func FormatStatus(status Status) PresenceIndicator {
	if ind, ok := indicators[status]; ok {
		return ind
	}
	return indicators[StatusOffline]
}

// SortByPresence orders rows by indicator priority, then user ID for a stable
// display order.
func SortByPresence(rows []Presence) {
	sort.SliceStable(rows, func(i, j int) bool {
		pi := FormatStatus(rows[i].Status).Priority
		pj := FormatStatus(rows[j].Status).Priority
		if pi != pj {
			return pi < pj
		}
		return rows[i].UserID < rows[j].UserID
	})
}

// ============================================================================
// Presence store
// ============================================================================

// PresenceChangeHandler observes accepted presence transitions.
type PresenceChangeHandler func(p Presence)

// PresenceStore reconciles three presence sources: pushed socket events, REST
// snapshots, and the user's own server-confirmed status changes. Every update
// carries a server timestamp and the store rejects updates older than the
// held value per user, so a late-arriving stale event cannot overwrite fresh
// data.
type PresenceStore struct {
	client *Client

	mu         sync.RWMutex
	entries    map[string]Presence
	snapshotAt map[string]time.Time
	handlers   []PresenceChangeHandler
	clock      func() time.Time
}

// NewPresenceStore builds a store and wires it to the client's socket pushes.
func NewPresenceStore(c *Client) *PresenceStore {
	store := &PresenceStore{
		client:     c,
		entries:    make(map[string]Presence),
		snapshotAt: make(map[string]time.Time),
		clock:      time.Now,
	}
	c.Socket().OnPresence(func(p Presence) { store.Apply(p) })
	return store
}

// OnChange registers a handler invoked for each accepted update.
func (ps *PresenceStore) OnChange(h PresenceChangeHandler) {
	ps.mu.Lock()
	ps.handlers = append(ps.handlers, h)
	ps.mu.Unlock()
}

// Apply feeds one presence record through the reducer. Updates without a
// server timestamp are stamped with arrival time. Returns whether the update
// was accepted.
func (ps *PresenceStore) Apply(p Presence) bool {
	if p.UserID == "" || !p.Status.Valid() {
		return false
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = ps.clock()
	}

	ps.mu.Lock()
	held, exists := ps.entries[p.UserID]
	if exists && held.UpdatedAt.After(p.UpdatedAt) {
		ps.mu.Unlock()
		ps.client.logger.Debug("stale presence update rejected",
			zap.String("userId", p.UserID), zap.Time("held", held.UpdatedAt), zap.Time("got", p.UpdatedAt))
		return false
	}
	ps.entries[p.UserID] = p
	handlers := append([]PresenceChangeHandler{}, ps.handlers...)
	ps.mu.Unlock()

	for _, h := range handlers {
		h(p)
	}
	return true
}

// Get returns the latest known presence for a user. Untracked users read as
// offline with zero timestamps.
func (ps *PresenceStore) Get(userID string) (Presence, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.entries[userID]
	if !ok {
		return Presence{UserID: userID, Status: StatusOffline}, false
	}
	return p, true
}

// Query returns presence for the given users, refreshing the REST snapshot
// for any requested user whose last fetch is older than the staleness
// tolerance. Coverage is tracked per user, so a recent fetch of one set never
// suppresses the fetch for IDs it did not include. Snapshot rows go through
// the same timestamp gate as pushed events, so fresher realtime data already
// in memory is never overwritten by an older snapshot row.
func (ps *PresenceStore) Query(ctx context.Context, userIDs []string) ([]Presence, error) {
	now := ps.clock()
	ps.mu.RLock()
	var stale []string
	for _, id := range userIDs {
		if now.Sub(ps.snapshotAt[id]) > snapshotStaleness {
			stale = append(stale, id)
		}
	}
	ps.mu.RUnlock()

	if len(stale) > 0 {
		rows, err := ps.client.Presence.Bulk(ctx, stale)
		if err != nil {
			// Degrade to in-memory data; realtime pushes keep it current.
			ps.client.logger.Warn("presence snapshot fetch failed", zap.Error(err))
		} else {
			for _, row := range rows {
				ps.Apply(row)
			}
			fetchedAt := ps.clock()
			ps.mu.Lock()
			for _, id := range stale {
				ps.snapshotAt[id] = fetchedAt
			}
			ps.mu.Unlock()
		}
	}

	out := make([]Presence, 0, len(userIDs))
	for _, id := range userIDs {
		p, _ := ps.Get(id)
		out = append(out, p)
	}
	return out, nil
}

// Online returns every tracked user currently not offline, ordered by
// indicator priority.
func (ps *PresenceStore) Online() []Presence {
	ps.mu.RLock()
	rows := make([]Presence, 0, len(ps.entries))
	for _, p := range ps.entries {
		if p.Status != StatusOffline {
			rows = append(rows, p)
		}
	}
	ps.mu.RUnlock()
	SortByPresence(rows)
	return rows
}

// SetOwnStatus round-trips a status change through the server and applies it
// locally only after the ack. On failure local state is left untouched; there
// is no optimistic update for this path.
func (ps *PresenceStore) SetOwnStatus(ctx context.Context, status Status) error {
	if !status.Valid() {
		return newError(KindValidation, "invalid presence status: "+string(status))
	}
	session := ps.client.session.Current()
	if session == nil {
		return newError(KindUnauthorized, "not authenticated")
	}

	ack, err := ps.client.Socket().ChangeStatus(ctx, status)
	if err != nil {
		return err
	}

	updatedAt := ps.clock()
	var confirmed struct {
		UpdatedAt time.Time `json:"updatedAt"`
	}
	if ack.Data != nil && json.Unmarshal(ack.Data, &confirmed) == nil && !confirmed.UpdatedAt.IsZero() {
		updatedAt = confirmed.UpdatedAt
	}

	ps.Apply(Presence{
		UserID:    session.User.ID,
		Status:    status,
		LastSeen:  updatedAt,
		UpdatedAt: updatedAt,
	})
	return nil
}
