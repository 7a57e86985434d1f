package idgen_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/plaenen/subscriptions/pkg/idgen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUID(t *testing.T) {
	a := idgen.UUID{}.NewID()
	b := idgen.UUID{}.NewID()

	_, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestULID(t *testing.T) {
	seen := make(map[string]bool)
	for range 10 {
		id := idgen.ULID{}.NewID()
		_, err := ulid.ParseStrict(id)
		require.NoError(t, err)
		seen[id] = true
	}
	assert.Len(t, seen, 10)
}

func TestSequence(t *testing.T) {
	seq := &idgen.Sequence{Prefix: "evt"}
	assert.Equal(t, "evt-1", seq.NewID())
	assert.Equal(t, "evt-2", seq.NewID())

	var gen idgen.Generator = seq
	assert.Equal(t, "evt-3", gen.NewID())
}
