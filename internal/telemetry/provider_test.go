package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	t.Setenv(EnvEndpoint, "")

	shutdown, err := Setup(context.Background(), "orthostream-test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_ExplicitlyDisabled(t *testing.T) {
	t.Setenv(EnvEndpoint, "http://127.0.0.1:4318")
	t.Setenv(EnvEnabled, "FALSE")

	shutdown, err := Setup(context.Background(), "orthostream-test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
