package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVectorStringRoundTrip(t *testing.T) {
	in := []float32{0.125, -3.5, 1e-7, 42}

	out, err := StringToVector(VectorToString(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestVectorToStringFormat(t *testing.T) {
	require.Equal(t, "[1,2.5,-3]", VectorToString([]float32{1, 2.5, -3}))
	require.Equal(t, "[]", VectorToString(nil))
}

func TestStringToVectorRejectsGarbage(t *testing.T) {
	_, err := StringToVector("not a vector")
	require.Error(t, err)

	_, err = StringToVector("[1,two,3]")
	require.Error(t, err)
}
