package syncmodel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCloudDataDeleted(t *testing.T) {
	tombstone := CloudData{Key: ObjectKey{Table: "t", RowID: "1"}}
	require.True(t, tombstone.Deleted())

	live := CloudData{Key: ObjectKey{Table: "t", RowID: "1"}, Data: Fields{"a": 1}}
	require.False(t, live.Deleted())
}

func TestCloudDataEqualIgnoresSubMillisecond(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 123_000_000, time.UTC)
	a := CloudData{Key: ObjectKey{Table: "t", RowID: "1"}, Data: Fields{"x": "y"}, Modified: base}
	b := CloudData{Key: ObjectKey{Table: "t", RowID: "1"}, Data: Fields{"x": "y"}, Modified: base.Add(400 * time.Microsecond)}

	require.True(t, a.Equal(b))

	c := b
	c.Data = Fields{"x": "z"}
	require.False(t, a.Equal(c))
}

func TestResyncFlagsHas(t *testing.T) {
	flags := ResyncFlags(ResyncDownload | ResyncCheckLocalData)
	require.True(t, flags.Has(ResyncDownload))
	require.True(t, flags.Has(ResyncCheckLocalData))
	require.False(t, flags.Has(ResyncUpload))
	require.False(t, flags.Has(ResyncClearLocalData))
}

func TestStoreResultString(t *testing.T) {
	require.Equal(t, "applied", Applied.String())
	require.Equal(t, "rejected_stale", RejectedStale.String())
}
