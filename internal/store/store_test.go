package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mycel/internal/types"
)

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0.125, -1, 0, 3.5e-2}
	out, err := decodeVector(encodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeVectorRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "1,2,3", "[1,x]", "[", "[1,2"} {
		_, err := decodeVector(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestDecodeVectorEmpty(t *testing.T) {
	out, err := decodeVector("[]")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestAllowedSensitivities(t *testing.T) {
	assert.Equal(t, []string{"public"}, allowedSensitivities(types.SensitivityPublic))
	assert.Equal(t,
		[]string{"public", "internal", "confidential", "secret"},
		allowedSensitivities(types.SensitivitySecret))
	assert.Equal(t,
		[]string{"public", "internal"},
		allowedSensitivities(types.SensitivityInternal))
}

func TestIsTransientClassification(t *testing.T) {
	assert.False(t, isTransient(types.E(types.CodeNotFound, "x")), "domain errors never retry")
	assert.False(t, isTransient(pgx.ErrNoRows))
	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(&pgconn.PgError{Code: "23505"}), "constraint violations never retry")
	assert.True(t, isTransient(&pgconn.PgError{Code: "08006"}), "connection failure retries")
	assert.True(t, isTransient(&pgconn.PgError{Code: "40001"}), "serialization failure retries")
}

func TestPow3Backoff(t *testing.T) {
	assert.EqualValues(t, 1, pow3(0))
	assert.EqualValues(t, 3, pow3(1))
	assert.EqualValues(t, 9, pow3(2))
}
