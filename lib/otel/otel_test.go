package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, p.Meter)
	assert.Nil(t, p.Tracer)
	assert.Nil(t, p.LogHandler)
	assert.NoError(t, p.Shutdown(context.Background()))
}
