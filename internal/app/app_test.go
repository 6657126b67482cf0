package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/wardwatch/internal/application/services"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/pkg/config"
)

func TestNew_SQLiteWithoutRedisOrProvider(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"encounter_code":"E1","bed_code":"10A-01","ward_code":"10A","diagnosis":"pneumonia"},
			{"encounter_code":"E2","bed_code":"10A-02","ward_code":"10A","diagnosis":"cellulitis"}
		]`))
	}))
	t.Cleanup(feed.Close)

	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_SQLITE_PATH", ":memory:")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("FEED_BASE_URL", feed.URL)
	t.Setenv("SYNC_ABSOLUTE_FLOOR", "1")

	cfg, err := config.Load()
	require.NoError(t, err)

	ctx := context.Background()
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Nil(t, a.Redis)
	assert.Nil(t, a.SharedCache)
	assert.Nil(t, a.EventBus)

	result := a.Sync.RunCycle(ctx, services.CycleOptions{Trigger: entities.SyncTriggerCLI})
	assert.False(t, result.FetchFailed)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Persisted)
	assert.Zero(t, result.Errors)
	assert.True(t, result.SanityGate.Passed)

	live, err := a.Patients.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, live, 2)

	baseline, err := a.Patients.GetLatestBaseline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, baseline.Total)
	assert.Equal(t, 2, baseline.PerWard["10A"])

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNew_InvalidWardPattern(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_SQLITE_PATH", ":memory:")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("SYNC_WARD_PATTERN", "([")

	cfg, err := config.Load()
	require.NoError(t, err)

	_, err = New(context.Background(), cfg)
	assert.Error(t, err)
}
