package idgen_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/plaenen/eventcore/pkg/idgen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULIDIsSortable(t *testing.T) {
	a := idgen.NewULID()
	b := idgen.NewULID()

	_, err := ulid.Parse(a)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.LessOrEqual(t, a, b)
}

func TestNewUUID(t *testing.T) {
	_, err := uuid.Parse(idgen.NewUUID())
	assert.NoError(t, err)
}
