package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/docs/1.pdf", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	assert.NotNil(t, allocationsTotal)
	assert.NotNil(t, outcomesTotal)
	assert.NotNil(t, rotationsTotal)
}

func TestObserveHelpers(t *testing.T) {
	beforeAlloc := counterOrInit(func() float64 { return testutil.ToFloat64(allocationsTotal) })
	ObserveAllocation()
	assert.InDelta(t, beforeAlloc+1, testutil.ToFloat64(allocationsTotal), 1e-9)

	beforeBlocked := testutil.ToFloat64(outcomesTotal.WithLabelValues("blocked"))
	ObserveOutcome("blocked")
	assert.InDelta(t, beforeBlocked+1, testutil.ToFloat64(outcomesTotal.WithLabelValues("blocked")), 1e-9)

	ObserveRotation("scheduled", "success")
	assert.GreaterOrEqual(t, testutil.ToFloat64(rotationsTotal.WithLabelValues("scheduled", "success")), 1.0)

	beforeBytes := testutil.ToFloat64(artifactBytesTotal.WithLabelValues("docs.example.org"))
	ObserveArtifact("https://docs.example.org/a.pdf", 2048)
	ObserveArtifact("https://docs.example.org/b.pdf", 0)
	assert.InDelta(t, beforeBytes+2048, testutil.ToFloat64(artifactBytesTotal.WithLabelValues("docs.example.org")), 1e-9)

	ObserveFetchAttempt("https://docs.example.org/a.pdf", "200", 150*time.Millisecond)
	assert.Positive(t, testutil.CollectAndCount(fetchDurationSeconds))

	beforeCookies := testutil.ToFloat64(cookiePersistFailuresTotal)
	ObserveCookiePersistFailure()
	assert.InDelta(t, beforeCookies+1, testutil.ToFloat64(cookiePersistFailuresTotal), 1e-9)

	ObservePacingDelay("docs.example.org", time.Second)
	assert.Positive(t, testutil.CollectAndCount(pacingDelaySeconds))
}

// counterOrInit makes sure collectors exist before a baseline is read.
func counterOrInit(read func() float64) float64 {
	Init()
	return read()
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://docs.example.org/x.pdf", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
