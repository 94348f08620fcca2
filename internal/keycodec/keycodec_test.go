package keycodec_test

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docengine/internal/keycodec"
)

func TestSerializeNumberPreservesOrder(t *testing.T) {
	nums := []float64{-1e9, -100.5, -1, 0, 0.5, 1, 42, 1e9}
	var serialized []string
	for _, n := range nums {
		s, err := keycodec.SerializeValue(n)
		require.NoError(t, err)
		serialized = append(serialized, s)
	}
	sorted := append([]string(nil), serialized...)
	sort.Strings(sorted)
	require.Equal(t, serialized, sorted, "serialized numeric order must match numeric order")
}

func TestSerializeDateUsesEpochMillis(t *testing.T) {
	earlier := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	later := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	se, err := keycodec.SerializeValue(earlier)
	require.NoError(t, err)
	sl, err := keycodec.SerializeValue(later)
	require.NoError(t, err)
	require.Less(t, se, sl)
}

func TestSerializeBool(t *testing.T) {
	f, err := keycodec.SerializeValue(false)
	require.NoError(t, err)
	tr, err := keycodec.SerializeValue(true)
	require.NoError(t, err)
	require.Equal(t, "0", f)
	require.Equal(t, "1", tr)
	require.Less(t, f, tr)
}

func TestSerializeStringVerbatim(t *testing.T) {
	s, err := keycodec.SerializeValue("hello")
	require.NoError(t, err)
	require.Equal(t, "hello", s)
}

func TestSerializeNilIsBadKey(t *testing.T) {
	_, err := keycodec.SerializeValue(nil)
	require.Error(t, err)
}

func TestSerializeCompound(t *testing.T) {
	s, err := keycodec.SerializeCompound([]any{"x", float64(1)})
	require.NoError(t, err)
	require.Contains(t, s, keycodec.CompoundKeySeparator)
}

func TestFormListOfSerializedKeysSimple(t *testing.T) {
	out, err := keycodec.FormListOfSerializedKeys([]any{"a", "b", "c"}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, out)

	single, err := keycodec.FormListOfSerializedKeys("solo", false)
	require.NoError(t, err)
	require.Equal(t, []string{"solo"}, single)
}

func TestFormListOfSerializedKeysCompound(t *testing.T) {
	oneKey, err := keycodec.FormListOfSerializedKeys([]any{"x", float64(1)}, true)
	require.NoError(t, err)
	require.Len(t, oneKey, 1)

	manyKeys, err := keycodec.FormListOfSerializedKeys([]any{
		[]any{"x", float64(1)},
		[]any{"x", float64(2)},
	}, true)
	require.NoError(t, err)
	require.Len(t, manyKeys, 2)
}
