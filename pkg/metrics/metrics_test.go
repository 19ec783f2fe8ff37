package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/lemonade-sdk/lemonade-router/pkg/options"
)

func TestObserveLoadIncrementsCounterByOutcome(t *testing.T) {
	r := NewRecorder()
	before := testutil.ToFloat64(LoadsTotal.WithLabelValues("org/model", "ok"))

	r.ObserveLoad("org/model", options.RecipeLlamaCpp, 50*time.Millisecond, true)

	after := testutil.ToFloat64(LoadsTotal.WithLabelValues("org/model", "ok"))
	assert.Equal(t, before+1, after)
}

func TestObserveEvictionIncrementsCounter(t *testing.T) {
	r := NewRecorder()
	before := testutil.ToFloat64(EvictionsTotal.WithLabelValues("org/evicted"))

	r.ObserveEviction("org/evicted")

	after := testutil.ToFloat64(EvictionsTotal.WithLabelValues("org/evicted"))
	assert.Equal(t, before+1, after)
}

func TestObserveRequestIncrementsCounter(t *testing.T) {
	r := NewRecorder()
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("org/model", "success"))

	r.ObserveRequest("org/model", "success", 25*time.Millisecond)

	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("org/model", "success"))
	assert.Equal(t, before+1, after)
}
