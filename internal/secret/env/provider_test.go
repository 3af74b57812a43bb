package env

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/secret"
)

func TestProvider_Get(t *testing.T) {
	t.Setenv("APILENS_TEST_KEY", "sk-env")
	t.Setenv("APILENS_TEST_EMPTY", "")

	p := New()
	v, err := p.Get(context.Background(), "APILENS_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", v)

	_, err = p.Get(context.Background(), "APILENS_TEST_EMPTY")
	assert.ErrorIs(t, err, secret.ErrNotFound)

	_, err = p.Get(context.Background(), "APILENS_TEST_UNSET_XYZ")
	assert.ErrorIs(t, err, secret.ErrNotFound)
}

func TestProvider_ThroughManager(t *testing.T) {
	t.Setenv("APILENS_TEST_KEY", "sk-env")

	m := secret.NewManager()
	m.Register("env", New())

	v, err := m.Get(context.Background(), "env://APILENS_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", v)
}
