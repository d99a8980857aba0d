// Package testutil provides in-memory implementations of the repository
// interfaces and collaborator fakes for exercising dispatch logic without a
// database.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-dispatch/internal/domain"
	"github.com/acme/voice-campaign-dispatch/internal/provider"
	"github.com/acme/voice-campaign-dispatch/internal/queue"
	"github.com/acme/voice-campaign-dispatch/internal/repository"
)

// CampaignStore is an in-memory repository.CampaignRepository.
type CampaignStore struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*domain.Campaign
}

// NewCampaignStore constructs an empty store.
func NewCampaignStore() *CampaignStore {
	return &CampaignStore{campaigns: make(map[uuid.UUID]*domain.Campaign)}
}

// Put seeds a campaign.
func (s *CampaignStore) Put(campaign *domain.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *campaign
	s.campaigns[campaign.ID] = &c
}

func (s *CampaignStore) Create(ctx context.Context, campaign *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[campaign.ID]; ok {
		return repository.ErrConflict
	}
	c := *campaign
	s.campaigns[campaign.ID] = &c
	return nil
}

func (s *CampaignStore) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	campaign, ok := s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *campaign
	return &c, nil
}

func (s *CampaignStore) Update(ctx context.Context, campaign *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[campaign.ID]; !ok {
		return repository.ErrNotFound
	}
	c := *campaign
	s.campaigns[campaign.ID] = &c
	return nil
}

func (s *CampaignStore) UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	campaign, ok := s.campaigns[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if campaign.Status != from {
		return false, nil
	}
	campaign.Status = to
	now := time.Now().UTC()
	campaign.UpdatedAt = now
	if to == domain.CampaignStatusActive && campaign.StartedAt == nil {
		campaign.StartedAt = &now
	}
	if to.IsTerminal() && campaign.CompletedAt == nil {
		campaign.CompletedAt = &now
	}
	return true, nil
}

func (s *CampaignStore) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Campaign
	for _, campaign := range s.campaigns {
		c := *campaign
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *CampaignStore) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Campaign
	for _, campaign := range s.campaigns {
		if campaign.Status != status {
			continue
		}
		c := *campaign
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *CampaignStore) RefreshAggregates(ctx context.Context, id uuid.UUID, total, pending int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	campaign, ok := s.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	campaign.TotalRecipients = total
	campaign.PendingCalls = pending
	return nil
}

// RecipientStore is an in-memory repository.RecipientRepository with the same
// conditional-update semantics as the Postgres implementation.
type RecipientStore struct {
	mu         sync.Mutex
	recipients map[uuid.UUID]*domain.Recipient
}

// NewRecipientStore constructs an empty store.
func NewRecipientStore() *RecipientStore {
	return &RecipientStore{recipients: make(map[uuid.UUID]*domain.Recipient)}
}

// Put seeds a recipient.
func (s *RecipientStore) Put(recipient *domain.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *recipient
	s.recipients[recipient.ID] = &r
}

// Seed inserts n pending recipients for a campaign with ascending creation
// times and returns their IDs in claim order.
func (s *RecipientStore) Seed(campaignID uuid.UUID, n int) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := time.Now().UTC().Add(-time.Hour)
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		id := uuid.New()
		s.recipients[id] = &domain.Recipient{
			ID:          id,
			CampaignID:  campaignID,
			PhoneNumber: fmt.Sprintf("+1555%07d", i),
			CallStatus:  domain.CallStatusPending,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
			UpdatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		ids = append(ids, id)
	}
	return ids
}

func (s *RecipientStore) BulkInsert(ctx context.Context, campaignID uuid.UUID, recipients []domain.Recipient) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := make(map[string]bool)
	for _, r := range s.recipients {
		if r.CampaignID == campaignID {
			existing[r.PhoneNumber] = true
		}
	}
	inserted := 0
	for i := range recipients {
		rec := recipients[i]
		if existing[rec.PhoneNumber] {
			continue
		}
		existing[rec.PhoneNumber] = true
		rec.CampaignID = campaignID
		rec.CallStatus = domain.CallStatusPending
		rec.UpdatedAt = rec.CreatedAt
		r := rec
		s.recipients[rec.ID] = &r
		inserted++
	}
	return inserted, nil
}

func (s *RecipientStore) ClaimPending(ctx context.Context, campaignID uuid.UUID, concurrencyLimit int, now time.Time) ([]domain.Recipient, error) {
	if concurrencyLimit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Count and claim under one lock hold, matching the Postgres
	// implementation's advisory-lock transaction.
	slots := concurrencyLimit
	for _, r := range s.recipients {
		if r.CampaignID == campaignID && r.CallStatus == domain.CallStatusCalling {
			slots--
		}
	}
	if slots <= 0 {
		return nil, nil
	}

	var eligible []*domain.Recipient
	for _, r := range s.recipients {
		if r.CampaignID != campaignID || r.CallStatus != domain.CallStatusPending {
			continue
		}
		if r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
			continue
		}
		eligible = append(eligible, r)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID.String() < eligible[j].ID.String()
	})
	if len(eligible) > slots {
		eligible = eligible[:slots]
	}

	claimed := make([]domain.Recipient, 0, len(eligible))
	for _, r := range eligible {
		r.CallStatus = domain.CallStatusCalling
		r.UpdatedAt = now
		claimed = append(claimed, *r)
	}
	return claimed, nil
}

func (s *RecipientStore) Stats(ctx context.Context, campaignID uuid.UUID) (domain.CampaignStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats domain.CampaignStats
	for _, r := range s.recipients {
		if r.CampaignID != campaignID {
			continue
		}
		stats.TotalRecipients++
		switch r.CallStatus {
		case domain.CallStatusPending:
			stats.Pending++
		case domain.CallStatusCalling:
			stats.Calling++
		case domain.CallStatusCompleted:
			stats.Completed++
		case domain.CallStatusFailed:
			stats.Failed++
		case domain.CallStatusNoAnswer:
			stats.NoAnswer++
		case domain.CallStatusBusy:
			stats.Busy++
		case domain.CallStatusCanceled:
			stats.Canceled++
		}
	}
	return stats, nil
}

func (s *RecipientStore) MarkLaunched(ctx context.Context, id uuid.UUID, callReference string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[id]
	if !ok || r.CallStatus != domain.CallStatusCalling {
		return repository.ErrNotFound
	}
	ref := callReference
	r.CallReference = &ref
	r.Attempts++
	t := at
	r.LastAttemptAt = &t
	r.UpdatedAt = at
	return nil
}

func (s *RecipientStore) FinishIfCalling(ctx context.Context, id uuid.UUID, to domain.CallStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[id]
	if !ok {
		return false, nil
	}
	if r.CallStatus != domain.CallStatusCalling {
		return false, nil
	}
	r.CallStatus = to
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *RecipientStore) RequeueIfCalling(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[id]
	if !ok {
		return false, nil
	}
	if r.CallStatus != domain.CallStatusCalling {
		return false, nil
	}
	r.CallStatus = domain.CallStatusPending
	t := nextAttemptAt
	r.NextAttemptAt = &t
	r.CallReference = nil
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *RecipientStore) GetByCallReference(ctx context.Context, callReference string) (*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recipients {
		if r.CallReference != nil && *r.CallReference == callReference {
			rec := *r
			return &rec, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *RecipientStore) Get(ctx context.Context, id uuid.UUID) (*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	rec := *r
	return &rec, nil
}

func (s *RecipientStore) ListStuck(ctx context.Context, campaignID uuid.UUID, cutoff time.Time, limit int) ([]domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Recipient
	for _, r := range s.recipients {
		if r.CampaignID != campaignID || r.CallStatus != domain.CallStatusCalling {
			continue
		}
		last := r.UpdatedAt
		if r.LastAttemptAt != nil {
			last = *r.LastAttemptAt
		}
		if !last.Before(cutoff) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RecipientStore) CancelPending(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.recipients {
		if r.CampaignID == campaignID && r.CallStatus == domain.CallStatusPending {
			r.CallStatus = domain.CallStatusCanceled
			r.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *RecipientStore) ListByCampaign(ctx context.Context, campaignID uuid.UUID, status domain.CallStatus, limit int) ([]domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Recipient
	for _, r := range s.recipients {
		if r.CampaignID != campaignID {
			continue
		}
		if status != "" && r.CallStatus != status {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus reports how many recipients of the campaign hold the status.
func (s *RecipientStore) CountByStatus(campaignID uuid.UUID, status domain.CallStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.recipients {
		if r.CampaignID == campaignID && r.CallStatus == status {
			n++
		}
	}
	return n
}

// EventStore is an in-memory repository.CallEventStore.
type EventStore struct {
	mu     sync.Mutex
	events []domain.CallEvent
}

// NewEventStore constructs an empty store.
func NewEventStore() *EventStore {
	return &EventStore{}
}

func (s *EventStore) Append(ctx context.Context, event domain.CallEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *EventStore) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.CallEvent, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CallEvent
	for _, ev := range s.events {
		if ev.CampaignID == campaignID {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil, nil
}

// Events returns a copy of all appended events.
func (s *EventStore) Events() []domain.CallEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CallEvent, len(s.events))
	copy(out, s.events)
	return out
}

// ScriptedProvider is a provider.Provider that accepts or rejects calls based
// on a per-number script.
type ScriptedProvider struct {
	mu      sync.Mutex
	reject  map[string]bool
	counter int
	placed  []provider.PlaceCallRequest
}

// NewScriptedProvider constructs a provider that accepts everything.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{reject: make(map[string]bool)}
}

// RejectNumber makes PlaceCall fail for the given number.
func (p *ScriptedProvider) RejectNumber(number string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reject[number] = true
}

func (p *ScriptedProvider) PlaceCall(ctx context.Context, req provider.PlaceCallRequest) (provider.PlaceCallResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject[req.RecipientNumber] {
		return provider.PlaceCallResult{}, fmt.Errorf("scripted provider: rejected %s", req.RecipientNumber)
	}
	p.counter++
	p.placed = append(p.placed, req)
	return provider.PlaceCallResult{CallReference: fmt.Sprintf("call-%d", p.counter)}, nil
}

// Placed returns all accepted placement requests.
func (p *ScriptedProvider) Placed() []provider.PlaceCallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.PlaceCallRequest, len(p.placed))
	copy(out, p.placed)
	return out
}

// StaticGate is a billing gate that returns a fixed error.
type StaticGate struct {
	mu  sync.Mutex
	err error
}

// SetErr controls what Allow returns.
func (g *StaticGate) SetErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *StaticGate) Allow(ctx context.Context, workspaceID uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// MemoryFlag is an in-memory cancel flag.
type MemoryFlag struct {
	mu    sync.Mutex
	flags map[uuid.UUID]bool
}

// NewMemoryFlag constructs an empty flag store.
func NewMemoryFlag() *MemoryFlag {
	return &MemoryFlag{flags: make(map[uuid.UUID]bool)}
}

func (f *MemoryFlag) Set(ctx context.Context, campaignID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[campaignID] = true
	return nil
}

func (f *MemoryFlag) IsSet(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[campaignID], nil
}

// StatusRecorder captures published status messages.
type StatusRecorder struct {
	mu       sync.Mutex
	messages []queue.CampaignStatusMessage
}

func (r *StatusRecorder) PublishStatus(ctx context.Context, msg queue.CampaignStatusMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

// Messages returns the recorded status messages.
func (r *StatusRecorder) Messages() []queue.CampaignStatusMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]queue.CampaignStatusMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

// MemoryLocker always grants the lock unless held.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLocker constructs the locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *MemoryLocker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}
