package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitFieldsRowsRoundTrip(t *testing.T) {
	fields := map[string]string{
		"4:ready":    "100",
		"4:training": "20",
		"4:total":    "120",
		"7:ready":    "5",
		"7:total":    "5",
	}

	rows, err := CacheFieldsToRows(SyncUnit, 1, fields)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	back, err := RowsToCacheFields(SyncUnit, rows)
	require.NoError(t, err)

	assert.Equal(t, "100", back["4:ready"])
	assert.Equal(t, "20", back["4:training"])
	assert.Equal(t, "120", back["4:total"])
	assert.Equal(t, "5", back["7:ready"])
	// Warmup materializes every bucket, absent ones as zero
	assert.Equal(t, "0", back["4:upgrading"])
	assert.Equal(t, "0", back["7:dead"])
}

func TestUnitFieldsMalformed(t *testing.T) {
	_, err := CacheFieldsToRows(SyncUnit, 1, map[string]string{"nodelimiter": "5"})
	assert.Error(t, err)

	_, err = CacheFieldsToRows(SyncUnit, 1, map[string]string{"4:ready": "notanumber"})
	assert.Error(t, err)
}

func TestResourceFieldsRowsRoundTrip(t *testing.T) {
	fields := map[string]string{
		"food": "1000",
		"wood": "500",
		"ruby": "3",
	}

	rows, err := CacheFieldsToRows(SyncResources, 1, fields)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	back, err := RowsToCacheFields(SyncResources, rows)
	require.NoError(t, err)
	assert.Equal(t, fields, back)
}

func TestItemRowsDropZeroQuantities(t *testing.T) {
	rows, err := CacheFieldsToRows(SyncItem, 1, map[string]string{"10": "3", "11": "0"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	back, err := RowsToCacheFields(SyncItem, rows)
	require.NoError(t, err)
	assert.Equal(t, "3", back["10"])
	_, present := back["11"]
	assert.False(t, present, "zero-quantity rows must not rehydrate")
}

func TestRowClassesPassVerbatim(t *testing.T) {
	fields := map[string]string{"3": `{"level":2,"status":"idle"}`}

	rows, err := CacheFieldsToRows(SyncBuilding, 1, fields)
	require.NoError(t, err)
	assert.Equal(t, []byte(fields["3"]), rows["3"])

	back, err := RowsToCacheFields(SyncBuilding, rows)
	require.NoError(t, err)
	assert.Equal(t, fields, back)
}

func TestBucketSumInvariant(t *testing.T) {
	g := &UnitGroup{Ready: 10, Training: 5, Upgrading: 2, Dead: 1, Total: 18}
	assert.Equal(t, g.Total, g.BucketSum())
}
