package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causality/internal/fault"
)

func TestQuota_Spend(t *testing.T) {
	q := newQuota(3)
	for range 3 {
		require.NoError(t, q.Spend("i1"))
	}

	err := q.Spend("i1")
	require.Error(t, err)
	assert.True(t, IsQuotaError(err))
	assert.Equal(t, fault.KindResourceExhaustion, fault.KindOf(err))
	assert.Equal(t, 4, q.Used())
}

func TestQuota_Unlimited(t *testing.T) {
	q := newQuota(0)
	for range 10_000 {
		require.NoError(t, q.Spend("i1"))
	}
	assert.Equal(t, 10_000, q.Used())
}
