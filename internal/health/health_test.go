package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/breaker"
	"calwatch/internal/source"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestAggregator() (*Aggregator, *breaker.Registry) {
	reg := breaker.NewRegistry(breaker.DefaultConfig())
	return NewAggregator(reg, DefaultThresholds(), func() time.Time { return t0 }), reg
}

func TestSummary_NoActivityIsUnknown(t *testing.T) {
	a, _ := newTestAggregator()
	s := a.Summary()
	assert.Equal(t, LevelUnknown, s.Status)
	assert.Equal(t, 100.0, s.SuccessRate)
	assert.Empty(t, s.Alerts)
	assert.NotNil(t, s.OpenBreakers)
}

func TestSummary_DegradedScenario(t *testing.T) {
	a, reg := newTestAggregator()
	for i := 0; i < 15; i++ {
		a.RecordSuccess("S", 4, 0)
		reg.RecordSuccess("S", t0)
	}
	for i := 0; i < 3; i++ {
		a.RecordFailure("S", source.KindNetwork)
		reg.RecordFailure("S", t0)
	}

	s := a.Summary()
	assert.Equal(t, LevelDegraded, s.Status)
	assert.Equal(t, 83.3, s.SuccessRate)
	assert.Equal(t, 18, s.RequestsTotal)
	assert.Equal(t, 15, s.RequestsSuccessful)
	assert.Equal(t, 3, s.RequestsFailed)
	assert.Equal(t, 3, s.NetworkErrors)
	assert.Equal(t, 60, s.EventsProcessed)
	assert.Empty(t, s.OpenBreakers)
	assert.Empty(t, s.Alerts)
}

func TestSummary_Levels(t *testing.T) {
	cases := []struct {
		ok, fail int
		want     Level
	}{
		{9, 1, LevelHealthy},
		{10, 0, LevelHealthy},
		{89, 11, LevelDegraded},
		{7, 3, LevelDegraded},
		{69, 31, LevelUnhealthy},
		{0, 4, LevelUnhealthy},
	}
	for _, tc := range cases {
		a, _ := newTestAggregator()
		for i := 0; i < tc.ok; i++ {
			a.RecordSuccess("S", 1, 0)
		}
		for i := 0; i < tc.fail; i++ {
			a.RecordFailure("S", source.KindServer)
		}
		assert.Equal(t, tc.want, a.Summary().Status, "ok=%d fail=%d", tc.ok, tc.fail)
	}
}

func TestSummary_CustomThresholds(t *testing.T) {
	a := NewAggregator(nil, Thresholds{Healthy: 99, Degraded: 95}, nil)
	for i := 0; i < 97; i++ {
		a.RecordSuccess("S", 1, 0)
	}
	for i := 0; i < 3; i++ {
		a.RecordFailure("S", source.KindParse)
	}
	assert.Equal(t, LevelDegraded, a.Summary().Status)
}

func TestSummary_Alerts(t *testing.T) {
	a, reg := newTestAggregator()
	a.RecordFailure("cal-b", source.KindAuth)
	a.RecordFailure("cal-c", source.KindNetwork)
	a.RecordPersistenceFailure()
	a.RecordVerificationFailure("cal-c")
	for i := 0; i < 5; i++ {
		reg.RecordFailure("cal-a", t0)
	}

	s := a.Summary()
	require.Equal(t, LevelUnhealthy, s.Status)
	require.Len(t, s.OpenBreakers, 1)

	levels := make([]string, 0, len(s.Alerts))
	for _, al := range s.Alerts {
		levels = append(levels, al.Level)
	}
	assert.Equal(t, []string{"critical", "warning", "error", "error", "warning"}, levels)
	assert.Contains(t, s.Alerts[1].Message, "cal-a")
	assert.Contains(t, s.Alerts[2].Message, "cal-b")
	assert.Contains(t, s.Alerts[4].Message, "cal-c")

	// Alerts clear once the condition resolves.
	reg.RecordSuccess("cal-a", t0)
	a.Reset(ScopeMetrics)
	assert.Empty(t, a.Summary().Alerts)
}

func TestSummary_ConditionAlertsClearOnRecovery(t *testing.T) {
	a, _ := newTestAggregator()
	a.RecordFailure("cal-a", source.KindAuth)
	a.RecordFailure("cal-b", source.KindAuth)
	a.RecordPersistenceFailure()
	a.RecordVerificationFailure("cal-a")
	for i := 0; i < 20; i++ {
		a.RecordSuccess("cal-c", 1, 0)
	}

	s := a.Summary()
	require.Equal(t, LevelHealthy, s.Status)
	assert.Equal(t, []string{"cal-a", "cal-b"}, s.AuthFailing)
	assert.Equal(t, []string{"cal-a"}, s.VerificationFailing)
	assert.True(t, s.PersistenceFailing)
	require.Len(t, s.Alerts, 3)

	a.RecordSuccess("cal-a", 1, 0)
	a.RecordVerificationSuccess("cal-a")
	a.RecordPersistenceSuccess()
	s = a.Summary()
	assert.Equal(t, []string{"cal-b"}, s.AuthFailing)
	require.Len(t, s.Alerts, 1)
	assert.Contains(t, s.Alerts[0].Message, "cal-b")

	a.RecordSuccess("cal-b", 1, 0)
	s = a.Summary()
	assert.Empty(t, s.Alerts)
	assert.Equal(t, 2, s.AuthErrors, "counters keep the history")
	assert.Equal(t, 1, s.PersistenceFailures)
	assert.Equal(t, 1, s.VerificationFailures)
}

func TestSummary_Idempotent(t *testing.T) {
	a, reg := newTestAggregator()
	a.RecordSuccess("S", 3, 1)
	a.RecordFailure("S", source.KindServer)
	reg.RecordFailure("x", t0)

	assert.Equal(t, a.Summary(), a.Summary())
}

func TestReset_Independence(t *testing.T) {
	a, reg := newTestAggregator()
	a.RecordSuccess("S", 2, 0)
	a.RecordFailure("S", source.KindNetwork)
	for i := 0; i < 5; i++ {
		reg.RecordFailure("cal", t0)
	}

	a.Reset(ScopeBreakers)
	s := a.Summary()
	assert.Equal(t, 2, s.RequestsTotal)
	assert.Equal(t, 1, s.NetworkErrors)
	assert.Empty(t, s.OpenBreakers)
	assert.Empty(t, reg.Snapshot())

	for i := 0; i < 5; i++ {
		reg.RecordFailure("cal", t0)
	}
	a.Reset(ScopeMetrics)
	s = a.Summary()
	assert.Zero(t, s.RequestsTotal)
	assert.Zero(t, s.NetworkErrors)
	assert.Len(t, s.OpenBreakers, 1)

	a.RecordSuccess("S", 1, 0)
	a.Reset(ScopeAll)
	s = a.Summary()
	assert.Zero(t, s.RequestsTotal)
	assert.Empty(t, s.OpenBreakers)
}

func TestParseScope(t *testing.T) {
	for in, want := range map[string]Scope{"metrics": ScopeMetrics, "Breakers": ScopeBreakers, "all": ScopeAll, "": ScopeAll} {
		got, err := ParseScope(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseScope("everything")
	assert.Error(t, err)
}

func TestLogSummary_ReturnsSummary(t *testing.T) {
	a, _ := newTestAggregator()
	a.RecordSuccess("S", 1, 0)
	assert.Equal(t, LevelHealthy, a.LogSummary().Status)
}
