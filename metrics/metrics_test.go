package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg), "registering again should be tolerated")

	before := testutil.ToFloat64(Views.WithLabelValues(OutcomeWon))
	Views.WithLabelValues(OutcomeWon).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Views.WithLabelValues(OutcomeWon)))
}
