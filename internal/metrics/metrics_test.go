package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/scatter/internal/nodepool"
)

func TestObservePool(t *testing.T) {
	p := nodepool.New([]string{"metrics-n1", "metrics-n2"})
	p.Allocate(3)

	ObservePool(p)

	assert.Equal(t, 2.0, testutil.ToFloat64(GaugeNodeAssigned.WithLabelValues("metrics-n1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(GaugeNodeAssigned.WithLabelValues("metrics-n2")))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "succeeded", Outcome(true))
	assert.Equal(t, "failed", Outcome(false))
}

func TestCountersRegistered(t *testing.T) {
	before := testutil.ToFloat64(CounterSubjobsCompleted.WithLabelValues(Outcome(false)))
	CounterSubjobsCompleted.WithLabelValues(Outcome(false)).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CounterSubjobsCompleted.WithLabelValues(Outcome(false))))
}
