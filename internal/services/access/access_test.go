package access

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/subscription-gate/internal/models"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)
	registered := &models.User{ID: 1, TelegramID: 100, Email: "a@b.ru", IsActive: true}
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name          string
		user          *models.User
		entry         *models.WhitelistEntry
		subs          []models.Subscription
		wantStatus    models.AccessStatus
		wantUnlimited bool
		wantUntil     *time.Time
		wantSubID     int64
	}{
		{
			name:       "unknown user needs registration",
			user:       nil,
			wantStatus: models.AccessNeedsRegistration,
		},
		{
			name:       "user without email needs registration",
			user:       &models.User{ID: 2, IsActive: true},
			wantStatus: models.AccessNeedsRegistration,
		},
		{
			name:       "disabled user denied even with whitelist",
			user:       &models.User{ID: 3, Email: "x@y.ru", IsActive: false},
			entry:      &models.WhitelistEntry{},
			wantStatus: models.AccessDenied,
		},
		{
			name: "expired subscription without whitelist denied",
			user: registered,
			subs: []models.Subscription{
				{ID: 1, IsActive: true, EndDate: now.Add(-time.Second)},
			},
			wantStatus: models.AccessDenied,
		},
		{
			name:  "expired subscription with permanent whitelist granted unlimited",
			user:  registered,
			entry: &models.WhitelistEntry{ExpiresAt: nil},
			subs: []models.Subscription{
				{ID: 1, IsActive: true, EndDate: now.Add(-time.Second)},
			},
			wantStatus:    models.AccessGranted,
			wantUnlimited: true,
		},
		{
			name:       "whitelist with future expiry granted until expiry",
			user:       registered,
			entry:      &models.WhitelistEntry{ExpiresAt: &future},
			wantStatus: models.AccessGranted,
			wantUntil:  &future,
		},
		{
			name:  "subscription outlasting whitelist expiry wins",
			user:  registered,
			entry: &models.WhitelistEntry{ExpiresAt: &future},
			subs: []models.Subscription{
				{ID: 6, IsActive: true, EndDate: now.Add(72 * time.Hour)},
			},
			wantStatus: models.AccessGranted,
			wantUntil:  ptr(now.Add(72 * time.Hour)),
			wantSubID:  6,
		},
		{
			name:  "whitelist expiry later than subscription wins",
			user:  registered,
			entry: &models.WhitelistEntry{ExpiresAt: ptr(now.Add(96 * time.Hour))},
			subs: []models.Subscription{
				{ID: 6, IsActive: true, EndDate: now.Add(72 * time.Hour)},
			},
			wantStatus: models.AccessGranted,
			wantUntil:  ptr(now.Add(96 * time.Hour)),
		},
		{
			name:       "expired whitelist falls through to denied",
			user:       registered,
			entry:      &models.WhitelistEntry{ExpiresAt: &past},
			wantStatus: models.AccessDenied,
		},
		{
			name: "end date equal to now is not access",
			user: registered,
			subs: []models.Subscription{
				{ID: 1, IsActive: true, EndDate: now},
			},
			wantStatus: models.AccessDenied,
		},
		{
			name: "inactive subscription ignored",
			user: registered,
			subs: []models.Subscription{
				{ID: 1, IsActive: false, EndDate: future},
			},
			wantStatus: models.AccessDenied,
		},
		{
			name: "latest end date wins",
			user: registered,
			subs: []models.Subscription{
				{ID: 5, IsActive: true, EndDate: now.Add(time.Hour)},
				{ID: 2, IsActive: true, EndDate: now.Add(48 * time.Hour)},
				{ID: 9, IsActive: false, EndDate: now.Add(96 * time.Hour)},
			},
			wantStatus: models.AccessGranted,
			wantUntil:  ptr(now.Add(48 * time.Hour)),
			wantSubID:  2,
		},
		{
			name: "tie broken by highest id",
			user: registered,
			subs: []models.Subscription{
				{ID: 3, IsActive: true, EndDate: future},
				{ID: 8, IsActive: true, EndDate: future},
				{ID: 4, IsActive: true, EndDate: future},
			},
			wantStatus: models.AccessGranted,
			wantUntil:  &future,
			wantSubID:  8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.user, tt.entry, tt.subs, now)

			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantUnlimited, got.Unlimited)
			assert.Equal(t, tt.wantSubID, got.SubscriptionID)
			if tt.wantUntil == nil {
				assert.Nil(t, got.Until)
			} else {
				require.NotNil(t, got.Until)
				assert.True(t, tt.wantUntil.Equal(*got.Until))
			}
		})
	}
}

// Любая активная неистёкшая подписка даёт доступ независимо от whitelist.
func TestEvaluate_ActiveSubscriptionAlwaysGranted(t *testing.T) {
	now := time.Now()
	user := &models.User{ID: 1, Email: "a@b.ru", IsActive: true}
	past := now.Add(-time.Minute)
	entries := []*models.WhitelistEntry{nil, {}, {ExpiresAt: &past}}

	for offset := time.Second; offset < 1000*time.Hour; offset *= 3 {
		subs := []models.Subscription{{ID: 1, IsActive: true, EndDate: now.Add(offset)}}
		for _, e := range entries {
			got := Evaluate(user, e, subs, now)
			assert.True(t, got.Granted(), "offset %s", offset)
		}
	}
}

// Решение по срочной записи whitelist перестаёт быть верным вместе с ней,
// поэтому закешированный доступ не переживает ExpiresAt.
func TestEvaluate_ExpiringWhitelistGrantIsBounded(t *testing.T) {
	now := time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)
	user := &models.User{ID: 1, Email: "a@b.ru", IsActive: true}
	expires := now.Add(time.Hour)

	got := Evaluate(user, &models.WhitelistEntry{ExpiresAt: &expires}, nil, now)
	require.True(t, got.Granted())
	assert.False(t, got.Unlimited)
	assert.True(t, got.ValidAt(now.Add(59*time.Minute)))
	assert.False(t, got.ValidAt(expires))

	permanent := Evaluate(user, &models.WhitelistEntry{}, nil, now)
	assert.True(t, permanent.Unlimited)
	assert.Nil(t, permanent.Until)
}

func TestEvaluate_DoesNotMutateInput(t *testing.T) {
	now := time.Now()
	user := &models.User{ID: 1, Email: "a@b.ru", IsActive: true}
	subs := []models.Subscription{
		{ID: 1, IsActive: true, EndDate: now.Add(time.Hour)},
		{ID: 2, IsActive: true, EndDate: now.Add(2 * time.Hour)},
	}
	snapshot := append([]models.Subscription(nil), subs...)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := Evaluate(user, nil, subs, now)
			assert.Equal(t, int64(2), got.SubscriptionID)
		}()
	}
	wg.Wait()

	assert.Equal(t, snapshot, subs)
}

func ptr[T any](v T) *T { return &v }
