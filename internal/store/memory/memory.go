// Package memory provides in-memory store implementations used by tests and
// the single-node development mode.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lumotrack/audience-engine/internal/domain"
	"github.com/lumotrack/audience-engine/internal/store"
)

// Store implements every storage interface in process memory. All methods
// are safe for concurrent use.
type Store struct {
	mu sync.Mutex

	events      []*domain.Event
	eventIDs    map[string]struct{}
	states      map[string]*domain.State
	periods     []*domain.Period
	assignments map[string]*domain.Assignment
	processed   map[string]*domain.ProcessedAssignment
	readModel   map[string]*domain.Assignment
	checkpoints map[string][]byte

	definitions   map[string][]*domain.Definition
	journeySubs   map[string][]domain.JourneySubscription
	integrations  map[string][]domain.IntegrationSubscription
	workspaceList []string

	// PeriodRetention bounds how long superseded period rows are kept.
	PeriodRetention time.Duration
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		eventIDs:        map[string]struct{}{},
		states:          map[string]*domain.State{},
		assignments:     map[string]*domain.Assignment{},
		processed:       map[string]*domain.ProcessedAssignment{},
		readModel:       map[string]*domain.Assignment{},
		checkpoints:     map[string][]byte{},
		definitions:     map[string][]*domain.Definition{},
		journeySubs:     map[string][]domain.JourneySubscription{},
		integrations:    map[string][]domain.IntegrationSubscription{},
		PeriodRetention: 5 * time.Minute,
	}
}

func key(parts ...string) string { return strings.Join(parts, "\x1f") }

// Append implements store.EventLog. Duplicate message ids are dropped.
func (s *Store) Append(_ context.Context, events []*domain.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	written := 0
	for _, ev := range events {
		id := key(ev.WorkspaceID, ev.MessageID)
		if _, ok := s.eventIDs[id]; ok {
			continue
		}
		s.eventIDs[id] = struct{}{}
		copied := *ev
		s.events = append(s.events, &copied)
		written++
	}
	return written, nil
}

// Scan implements store.EventLog.
func (s *Store) Scan(_ context.Context, workspaceID string, from, to time.Time) ([]*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Event
	for _, ev := range s.events {
		if ev.WorkspaceID != workspaceID {
			continue
		}
		if !ev.ProcessingTime.After(from) || ev.ProcessingTime.After(to) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ProcessingTime.Before(out[j].ProcessingTime)
	})
	return out, nil
}

func stateKey(st *domain.State) string {
	return key(st.WorkspaceID, st.ComputedPropertyID, st.StateID, st.UserID)
}

// MergeBatch implements store.StateStore.
func (s *Store) MergeBatch(_ context.Context, states []*domain.State) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	written := 0
	for _, st := range states {
		k := stateKey(st)
		existing, ok := s.states[k]
		if !ok {
			copied := st.Clone()
			copied.UpdatedAt = time.Now()
			s.states[k] = copied
			written++
			continue
		}
		if existing.Merge(st) {
			existing.UpdatedAt = time.Now()
			written++
		}
	}
	return written, nil
}

// UsersWithStates implements store.StateStore.
func (s *Store) UsersWithStates(_ context.Context, workspaceID, computedPropertyID string, stateIDs []string, since time.Time) (map[string]map[string]*domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]struct{}, len(stateIDs))
	for _, id := range stateIDs {
		wanted[id] = struct{}{}
	}
	fresh := map[string]bool{}
	byUser := map[string]map[string]*domain.State{}
	for _, st := range s.states {
		if st.WorkspaceID != workspaceID || st.ComputedPropertyID != computedPropertyID {
			continue
		}
		if _, ok := wanted[st.StateID]; !ok {
			continue
		}
		if byUser[st.UserID] == nil {
			byUser[st.UserID] = map[string]*domain.State{}
		}
		byUser[st.UserID][st.StateID] = st.Clone()
		if st.UpdatedAt.After(since) {
			fresh[st.UserID] = true
		}
	}
	for userID := range byUser {
		if !fresh[userID] {
			delete(byUser, userID)
		}
	}
	return byUser, nil
}

// MaxTos implements store.PeriodStore.
func (s *Store) MaxTos(_ context.Context, workspaceID string, step domain.Step) (map[store.PeriodKey]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[store.PeriodKey]time.Time{}
	for _, p := range s.periods {
		if p.WorkspaceID != workspaceID || p.Step != step {
			continue
		}
		k := store.PeriodKey{ComputedPropertyID: p.ComputedPropertyID, Version: p.Version}
		if p.To.After(out[k]) {
			out[k] = p.To
		}
	}
	return out, nil
}

// Advance implements store.PeriodStore.
func (s *Store) Advance(_ context.Context, periods []*domain.Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cutoff time.Time
	for _, p := range periods {
		copied := *p
		s.periods = append(s.periods, &copied)
		if c := p.To.Add(-s.PeriodRetention); c.After(cutoff) {
			cutoff = c
		}
	}
	kept := s.periods[:0]
	for _, p := range s.periods {
		if p.To.After(cutoff) || p.To.Equal(cutoff) {
			kept = append(kept, p)
		}
	}
	s.periods = kept
	return nil
}

// OldestProcessAssignments implements store.PeriodStore.
func (s *Store) OldestProcessAssignments(_ context.Context, workspaceIDs []string) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	for _, ws := range workspaceIDs {
		out[ws] = time.Time{}
	}
	maxPerProperty := map[string]map[store.PeriodKey]time.Time{}
	for _, p := range s.periods {
		if p.Step != domain.StepProcessAssignments {
			continue
		}
		if _, ok := out[p.WorkspaceID]; !ok {
			continue
		}
		if maxPerProperty[p.WorkspaceID] == nil {
			maxPerProperty[p.WorkspaceID] = map[store.PeriodKey]time.Time{}
		}
		k := store.PeriodKey{ComputedPropertyID: p.ComputedPropertyID, Version: p.Version}
		if p.To.After(maxPerProperty[p.WorkspaceID][k]) {
			maxPerProperty[p.WorkspaceID][k] = p.To
		}
	}
	for ws, perProperty := range maxPerProperty {
		oldest := time.Time{}
		for _, to := range perProperty {
			if oldest.IsZero() || to.Before(oldest) {
				oldest = to
			}
		}
		out[ws] = oldest
	}
	return out, nil
}

func assignmentKey(a *domain.Assignment) string {
	return key(a.WorkspaceID, a.ComputedPropertyID, a.UserID)
}

// Upsert implements store.AssignmentStore.
func (s *Store) Upsert(_ context.Context, assignments []*domain.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range assignments {
		copied := *a
		s.assignments[assignmentKey(a)] = &copied
	}
	return nil
}

// Page implements store.AssignmentStore.
func (s *Store) Page(_ context.Context, workspaceID, computedPropertyID string, afterUserID string, limit int) ([]*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Assignment
	for _, a := range s.assignments {
		if a.WorkspaceID != workspaceID || a.ComputedPropertyID != computedPropertyID {
			continue
		}
		if a.UserID <= afterUserID {
			continue
		}
		copied := *a
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func processedKey(p *domain.ProcessedAssignment) string {
	return key(p.WorkspaceID, p.ComputedPropertyID, p.UserID, string(p.ConsumerType), p.ConsumerID)
}

// Get implements store.ProcessedStore.
func (s *Store) Get(_ context.Context, workspaceID, computedPropertyID string, consumer domain.ConsumerType, consumerID string, userIDs []string) (map[string]*domain.ProcessedAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]*domain.ProcessedAssignment{}
	for _, userID := range userIDs {
		k := key(workspaceID, computedPropertyID, userID, string(consumer), consumerID)
		if p, ok := s.processed[k]; ok {
			copied := *p
			out[userID] = &copied
		}
	}
	return out, nil
}

// Record implements store.ProcessedStore.
func (s *Store) Record(_ context.Context, rows []*domain.ProcessedAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range rows {
		copied := *p
		s.processed[processedKey(p)] = &copied
	}
	return nil
}

// UpsertAssignments implements store.ReadModel.
func (s *Store) UpsertAssignments(_ context.Context, assignments []*domain.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range assignments {
		copied := *a
		s.readModel[assignmentKey(a)] = &copied
	}
	return nil
}

// ReadModelAssignment returns the projected row, if any. Test helper.
func (s *Store) ReadModelAssignment(workspaceID, computedPropertyID, userID string) (*domain.Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.readModel[key(workspaceID, computedPropertyID, userID)]
	if !ok {
		return nil, false
	}
	copied := *a
	return &copied, true
}

// SetDefinitions replaces a workspace's definitions.
func (s *Store) SetDefinitions(workspaceID string, defs ...*domain.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[workspaceID] = defs
	for _, ws := range s.workspaceList {
		if ws == workspaceID {
			return
		}
	}
	s.workspaceList = append(s.workspaceList, workspaceID)
}

// SetJourneySubscriptions replaces a workspace's journey subscriptions.
func (s *Store) SetJourneySubscriptions(workspaceID string, subs ...domain.JourneySubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journeySubs[workspaceID] = subs
}

// SetIntegrationSubscriptions replaces a workspace's integration
// subscriptions.
func (s *Store) SetIntegrationSubscriptions(workspaceID string, subs ...domain.IntegrationSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrations[workspaceID] = subs
}

// Workspaces implements store.DefinitionStore.
func (s *Store) Workspaces(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.workspaceList...), nil
}

// Segments implements store.DefinitionStore.
func (s *Store) Segments(_ context.Context, workspaceID string) ([]*domain.Definition, error) {
	return s.definitionsOfType(workspaceID, domain.PropertyTypeSegment), nil
}

// UserProperties implements store.DefinitionStore.
func (s *Store) UserProperties(_ context.Context, workspaceID string) ([]*domain.Definition, error) {
	return s.definitionsOfType(workspaceID, domain.PropertyTypeUserProperty), nil
}

func (s *Store) definitionsOfType(workspaceID string, t domain.PropertyType) []*domain.Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Definition
	for _, def := range s.definitions[workspaceID] {
		if def.Type == t {
			out = append(out, def)
		}
	}
	return out
}

// JourneySubscriptions implements store.DefinitionStore.
func (s *Store) JourneySubscriptions(_ context.Context, workspaceID string) ([]domain.JourneySubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.JourneySubscription(nil), s.journeySubs[workspaceID]...), nil
}

// IntegrationSubscriptions implements store.DefinitionStore.
func (s *Store) IntegrationSubscriptions(_ context.Context, workspaceID string) ([]domain.IntegrationSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.IntegrationSubscription(nil), s.integrations[workspaceID]...), nil
}

// Save implements store.CheckpointStore.
func (s *Store) Save(_ context.Context, checkpointKey string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpointKey] = append([]byte(nil), payload...)
	return nil
}

// Load implements store.CheckpointStore.
func (s *Store) Load(_ context.Context, checkpointKey string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.checkpoints[checkpointKey]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), payload...), nil
}

var (
	_ store.EventLog        = (*Store)(nil)
	_ store.StateStore      = (*Store)(nil)
	_ store.PeriodStore     = (*Store)(nil)
	_ store.AssignmentStore = (*Store)(nil)
	_ store.ProcessedStore  = (*Store)(nil)
	_ store.ReadModel       = (*Store)(nil)
	_ store.DefinitionStore = (*Store)(nil)
	_ store.CheckpointStore = (*Store)(nil)
)
