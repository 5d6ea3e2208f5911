package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	suberrors "github.com/sniperbc/subscriptions/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore mirrors the SQLite guarantees: one ACTIVE row per user and a
// compare-and-swap tier promotion.
type memStore struct {
	mu   sync.Mutex
	subs map[string]*Subscription

	loadErr     error
	insertErr   error
	beforeWrite func() // runs once, before the next insert/promote
}

func newMemStore() *memStore {
	return &memStore{subs: make(map[string]*Subscription)}
}

func (m *memStore) ActiveSubscriptions(_ context.Context, userID string) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	var out []*Subscription
	for _, s := range m.subs {
		if s.UserID == userID && s.Status == StatusActive {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) hook() {
	if m.beforeWrite != nil {
		fn := m.beforeWrite
		m.beforeWrite = nil
		fn()
	}
}

func (m *memStore) InsertSubscription(_ context.Context, sub *Subscription) error {
	m.hook()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	for _, s := range m.subs {
		if s.UserID == sub.UserID && s.Status == StatusActive {
			return ErrActiveConflict
		}
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *memStore) PromoteTier(_ context.Context, id string, from, to Tier, startAt time.Time) (bool, error) {
	m.hook()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.Status != StatusActive || s.Tier != from {
		return false, nil
	}
	s.Tier = to
	s.StartAt = startAt
	s.EndAt = LifetimeEnd
	return true, nil
}

func (m *memStore) put(sub Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = &sub
}

func (m *memStore) activeFor(userID string) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, s := range m.subs {
		if s.UserID == userID && s.Status == StatusActive {
			out = append(out, *s)
		}
	}
	return out
}

func newTestService(store Store) *Service {
	svc := NewService(store, Pricing{
		Classique: decimal.NewFromInt(2070),
		Cible:     decimal.NewFromInt(5140),
		Upgrade:   decimal.NewFromInt(3070),
	})
	var n int
	svc.newID = func() string {
		n++
		return "sub_" + string(rune('A'+n-1))
	}
	return svc
}

func TestActivateCreatesLifetimeClassique(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	sub, err := svc.ActivateSubscription(context.Background(), "u-1", TierClassique)
	require.NoError(t, err)

	assert.Equal(t, TierClassique, sub.Tier)
	assert.Equal(t, StatusActive, sub.Status)
	assert.True(t, sub.IsLifetime())
	assert.Len(t, store.activeFor("u-1"), 1)
}

func TestActivateClassiqueTwiceIsIdempotent(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	first, err := svc.ActivateSubscription(ctx, "u-1", TierClassique)
	require.NoError(t, err)
	second, err := svc.ActivateSubscription(ctx, "u-1", TierClassique)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.activeFor("u-1"), 1)
}

func TestActivateCibleUpgradesInPlace(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	base, err := svc.ActivateSubscription(ctx, "u-1", TierClassique)
	require.NoError(t, err)

	later := base.StartAt.Add(48 * time.Hour)
	svc.now = func() time.Time { return later }

	upgraded, err := svc.ActivateSubscription(ctx, "u-1", TierCible)
	require.NoError(t, err)

	assert.Equal(t, base.ID, upgraded.ID, "upgrade must mutate the existing record")
	assert.Equal(t, TierCible, upgraded.Tier)
	assert.True(t, upgraded.StartAt.Equal(later))
	assert.True(t, upgraded.IsLifetime())

	active := store.activeFor("u-1")
	require.Len(t, active, 1)
	assert.Equal(t, TierCible, active[0].Tier)
}

func TestActivateCibleIsAbsorbing(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	cible, err := svc.ActivateSubscription(ctx, "u-1", TierCible)
	require.NoError(t, err)

	for _, target := range []Tier{TierClassique, TierCible} {
		got, err := svc.ActivateSubscription(ctx, "u-1", target)
		require.NoError(t, err)
		assert.Equal(t, cible.ID, got.ID)
		assert.Equal(t, TierCible, got.Tier)
	}
	assert.Len(t, store.activeFor("u-1"), 1)
}

func TestActivateSequencesKeepSingleActive(t *testing.T) {
	sequences := [][]Tier{
		{TierClassique, TierClassique, TierCible, TierClassique},
		{TierCible, TierClassique, TierCible},
		{TierClassique, TierCible, TierCible},
		{TierCible},
	}
	for _, seq := range sequences {
		store := newMemStore()
		svc := newTestService(store)
		for _, tier := range seq {
			_, err := svc.ActivateSubscription(context.Background(), "u-1", tier)
			require.NoError(t, err)
		}
		active := store.activeFor("u-1")
		require.Len(t, active, 1, "sequence %v", seq)

		hasCible := false
		for _, tier := range seq {
			if tier == TierCible {
				hasCible = true
			}
		}
		if hasCible {
			assert.Equal(t, TierCible, active[0].Tier, "sequence %v", seq)
		}
	}
}

func TestActivateRetriesAfterConcurrentInsert(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	store.beforeWrite = func() {
		store.put(Subscription{ID: "sub_race", UserID: "u-1", Tier: TierCible, Status: StatusActive, EndAt: LifetimeEnd})
	}

	got, err := svc.ActivateSubscription(context.Background(), "u-1", TierClassique)
	require.NoError(t, err)

	assert.Equal(t, "sub_race", got.ID)
	assert.Equal(t, TierCible, got.Tier)
	assert.Len(t, store.activeFor("u-1"), 1)
}

func TestActivateRetriesAfterLostPromotion(t *testing.T) {
	store := newMemStore()
	store.put(Subscription{ID: "sub_base", UserID: "u-1", Tier: TierClassique, Status: StatusActive, EndAt: LifetimeEnd})
	svc := newTestService(store)
	store.beforeWrite = func() {
		store.mu.Lock()
		store.subs["sub_base"].Tier = TierCible
		store.mu.Unlock()
	}

	got, err := svc.ActivateSubscription(context.Background(), "u-1", TierCible)
	require.NoError(t, err)
	assert.Equal(t, "sub_base", got.ID)
	assert.Equal(t, TierCible, got.Tier)
}

func TestActivatePersistenceFailurePropagates(t *testing.T) {
	store := newMemStore()
	store.insertErr = errors.New("disk full")
	svc := newTestService(store)

	_, err := svc.ActivateSubscription(context.Background(), "u-1", TierCible)
	require.Error(t, err)
	assert.ErrorIs(t, err, suberrors.ErrActivationPersistenceFailure)
	assert.True(t, suberrors.IsRetryableError(err))
	assert.Contains(t, err.Error(), "disk full")
}

func TestActivateRejectsInvalidInput(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.ActivateSubscription(context.Background(), " ", TierCible)
	assert.Error(t, err)

	_, err = svc.ActivateSubscription(context.Background(), "u-1", Tier("PLATINE"))
	assert.Error(t, err)
}

func TestInitiateUpgrade(t *testing.T) {
	ctx := context.Background()

	t.Run("no base plan", func(t *testing.T) {
		svc := newTestService(newMemStore())
		_, err := svc.InitiateUpgrade(ctx, "u-1")
		assert.ErrorIs(t, err, suberrors.ErrNoActiveBasePlan)
		assert.True(t, suberrors.IsDomainError(err))
	})

	t.Run("already on target", func(t *testing.T) {
		store := newMemStore()
		store.put(Subscription{ID: "sub_c", UserID: "u-1", Tier: TierCible, Status: StatusActive})
		svc := newTestService(store)
		_, err := svc.InitiateUpgrade(ctx, "u-1")
		assert.ErrorIs(t, err, suberrors.ErrAlreadyOnTargetPlan)
	})

	t.Run("expired classique does not count", func(t *testing.T) {
		store := newMemStore()
		store.put(Subscription{ID: "sub_old", UserID: "u-1", Tier: TierClassique, Status: StatusExpired})
		svc := newTestService(store)
		_, err := svc.InitiateUpgrade(ctx, "u-1")
		assert.ErrorIs(t, err, suberrors.ErrNoActiveBasePlan)
	})

	t.Run("quotes upgrade price", func(t *testing.T) {
		store := newMemStore()
		store.put(Subscription{ID: "sub_base", UserID: "u-1", Tier: TierClassique, Status: StatusActive})
		svc := newTestService(store)

		quote, err := svc.InitiateUpgrade(ctx, "u-1")
		require.NoError(t, err)
		assert.Equal(t, "sub_base", quote.SubscriptionID)
		assert.True(t, quote.Amount.Equal(decimal.NewFromInt(3070)))
		assert.False(t, quote.Amount.Equal(decimal.NewFromInt(5140)), "upgrade is not the full CIBLE price")
		assert.Equal(t, "XAF", quote.Currency)
		assert.Len(t, store.activeFor("u-1"), 1)
	})
}

func TestActiveSubscriptionPrefersCible(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	got, err := svc.ActiveSubscription(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	store.put(Subscription{ID: "sub_c", UserID: "u-1", Tier: TierCible, Status: StatusActive})
	got, err = svc.ActiveSubscription(context.Background(), "u-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, TierCible, got.Tier)
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier(" classique ")
	require.NoError(t, err)
	assert.Equal(t, TierClassique, tier)

	tier, err = ParseTier("CIBLE")
	require.NoError(t, err)
	assert.Equal(t, TierCible, tier)

	_, err = ParseTier("gold")
	assert.Error(t, err)
}
