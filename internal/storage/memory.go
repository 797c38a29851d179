package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matbakh/metrics-core/internal/models"
)

// InMemoryEventStore provides in-memory storage for events. It is the
// default backend for development and tests and honors the same append-only,
// id-keyed idempotent contract as the PostgreSQL backend.
type InMemoryEventStore struct {
	mu           sync.RWMutex
	conversions  map[string]*models.ConversionEvent
	interactions map[string]*models.AIInteractionEvent

	// Indexes for faster per-user lookups
	conversionsByUser  map[string][]string // user_id -> []event_id
	interactionsByUser map[string][]string // user_id -> []event_id
}

// NewInMemoryEventStore creates a new in-memory event store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		conversions:        make(map[string]*models.ConversionEvent),
		interactions:       make(map[string]*models.AIInteractionEvent),
		conversionsByUser:  make(map[string][]string),
		interactionsByUser: make(map[string][]string),
	}
}

// =============================================
// Inserts
// =============================================

func (s *InMemoryEventStore) InsertConversion(ctx context.Context, ev *models.ConversionEvent) (*models.ConversionEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.conversions[ev.ID]; ok {
		cp := *existing
		return &cp, false, nil
	}

	cp := *ev
	s.conversions[ev.ID] = &cp
	if ev.UserID != "" {
		s.conversionsByUser[ev.UserID] = append(s.conversionsByUser[ev.UserID], ev.ID)
	}

	out := cp
	return &out, true, nil
}

func (s *InMemoryEventStore) InsertAIInteraction(ctx context.Context, ev *models.AIInteractionEvent) (*models.AIInteractionEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.interactions[ev.ID]; ok {
		cp := *existing
		return &cp, false, nil
	}

	cp := *ev
	if ev.BusinessOutcome != nil {
		oc := *ev.BusinessOutcome
		cp.BusinessOutcome = &oc
	}
	s.interactions[ev.ID] = &cp
	if ev.UserID != "" {
		s.interactionsByUser[ev.UserID] = append(s.interactionsByUser[ev.UserID], ev.ID)
	}

	out := cp
	return &out, true, nil
}

func (s *InMemoryEventStore) AttachOutcome(ctx context.Context, interactionID string, outcome *models.BusinessOutcome) (*models.AIInteractionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.interactions[interactionID]
	if !ok {
		return nil, &models.ValidationError{Field: "interaction_id", Reason: "unknown interaction " + interactionID}
	}

	// At most one outcome per interaction; a retry is a no-op.
	if ev.BusinessOutcome == nil {
		oc := *outcome
		ev.BusinessOutcome = &oc
	}

	cp := *ev
	oc := *ev.BusinessOutcome
	cp.BusinessOutcome = &oc
	return &cp, nil
}

// =============================================
// Queries
// =============================================

func (s *InMemoryEventStore) QueryConversions(ctx context.Context, f EventFilter) ([]*models.ConversionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.ConversionEvent, 0)
	for _, ev := range s.conversions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.matchConversion(ev) {
			cp := *ev
			result = append(result, &cp)
		}
	}

	sortConversions(result)
	return result, nil
}

func (s *InMemoryEventStore) QueryAIInteractions(ctx context.Context, f EventFilter) ([]*models.AIInteractionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.AIInteractionEvent, 0)
	for _, ev := range s.interactions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.matchInteraction(ev) {
			cp := *ev
			if ev.BusinessOutcome != nil {
				oc := *ev.BusinessOutcome
				cp.BusinessOutcome = &oc
			}
			result = append(result, &cp)
		}
	}

	sortInteractions(result)
	return result, nil
}

// =============================================
// Redaction
// =============================================

func (s *InMemoryEventStore) RedactUser(ctx context.Context, userID string) (*RedactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &RedactResult{UserID: userID, FieldsNulled: redactedFields}

	for _, id := range s.conversionsByUser[userID] {
		if ev, ok := s.conversions[id]; ok {
			ev.UserID = ""
			ev.SessionID = ""
			ev.Redacted = true
			res.ConversionEvents++
		}
	}
	delete(s.conversionsByUser, userID)

	for _, id := range s.interactionsByUser[userID] {
		if ev, ok := s.interactions[id]; ok {
			ev.UserID = ""
			ev.Redacted = true
			res.AIInteractions++
		}
	}
	delete(s.interactionsByUser, userID)

	return res, nil
}

// =============================================
// Cleanup (retention)
// =============================================

func (s *InMemoryEventStore) CleanupOldEvents(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64

	for id, ev := range s.conversions {
		if ev.Timestamp.Before(before) {
			s.removeFromIndex(s.conversionsByUser, ev.UserID, id)
			delete(s.conversions, id)
			count++
		}
	}

	for id, ev := range s.interactions {
		if ev.Timestamp.Before(before) {
			s.removeFromIndex(s.interactionsByUser, ev.UserID, id)
			delete(s.interactions, id)
			count++
		}
	}

	return count, nil
}

func (s *InMemoryEventStore) removeFromIndex(index map[string][]string, userID, id string) {
	if userID == "" {
		return
	}
	ids, ok := index[userID]
	if !ok {
		return
	}
	newIDs := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			newIDs = append(newIDs, v)
		}
	}
	if len(newIDs) > 0 {
		index[userID] = newIDs
	} else {
		delete(index, userID)
	}
}

// Ping always succeeds for the in-memory backend.
func (s *InMemoryEventStore) Ping(ctx context.Context) error {
	return nil
}

// =============================================
// Ordering
// =============================================

// sortConversions orders by timestamp, breaking ties on id so per-user
// ordering is deterministic.
func sortConversions(events []*models.ConversionEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].ID < events[j].ID
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}

func sortInteractions(events []*models.AIInteractionEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].ID < events[j].ID
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}
