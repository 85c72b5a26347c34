package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdleScheduler(t *testing.T) (*Scheduler, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	provider := &fakeProvider{}
	cfg := testConfig()
	// Long intervals so no ticker fires during the test.
	cfg.LostUserInterval = time.Hour
	cfg.FullSyncInterval = time.Hour
	cfg.ConditionalSyncInterval = time.Hour
	orch, _ := newTestOrchestrator(repo, provider, cfg)
	return NewScheduler(orch, repo, cfg), repo
}

func TestSchedulerStartStop(t *testing.T) {
	s, _ := newIdleScheduler(t)

	s.StartMode(ModeNormal)
	assert.True(t, s.IsRunning())
	assert.Equal(t, ModeNormal, s.Mode())

	// Double start is a no-op.
	s.StartMode(ModeAggressive)
	assert.Equal(t, ModeNormal, s.Mode())

	s.Stop()
	assert.False(t, s.IsRunning())

	// Double stop is a no-op too.
	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestSchedulerTriggerNowRunsOnce(t *testing.T) {
	s, repo := newIdleScheduler(t)
	s.StartMode(ModeEmergency)
	defer s.Stop()

	s.TriggerNow(ModeNormal)

	require.NotZero(t, repo.listCalls, "manual trigger must drive a full sync")
}

func TestSchedulerTriggerSkipsActiveRun(t *testing.T) {
	s, repo := newIdleScheduler(t)

	s.orch.setRunning(true, ModeNormal)
	defer s.orch.setRunning(false, ModeNormal)

	s.TriggerNow(ModeNormal)
	assert.Zero(t, repo.listCalls)
	assert.Empty(t, repo.applied)
}
