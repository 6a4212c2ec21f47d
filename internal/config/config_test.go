package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
)

func TestLoadFileParsesHuJSON(t *testing.T) {
	path := t.TempDir() + "/galdrdb.hujson"
	require.NoError(t, os.WriteFile(path, []byte(`{
		// bigger pages for this workload
		"page_size": 8192,
		"use_wal": true,
		"cache_bytes": 1048576, // trailing comma is fine
	}`), 0o644))

	o, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8192, o.PageSize)
	assert.True(t, o.UseWAL)
	assert.False(t, o.UseMmap)
	assert.Equal(t, 1<<20, o.CacheBytes)
}

func TestLoadFileKeepsDefaultsForAbsentFields(t *testing.T) {
	path := t.TempDir() + "/galdrdb.hujson"
	require.NoError(t, os.WriteFile(path, []byte(`{"use_mmap": true}`), 0o644))

	o, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Default().PageSize, o.PageSize)
	assert.True(t, o.UseMmap)
}

func TestLoadFileRejectsBadPageSize(t *testing.T) {
	path := t.TempDir() + "/galdrdb.hujson"
	require.NoError(t, os.WriteFile(path, []byte(`{"page_size": 1000}`), 0o644))

	_, err := LoadFile(path)
	assert.Equal(t, galdrerr.KindInvalidArgument, galdrerr.KindOf(err))
}

func TestValidateRejectsNonPowerOfTwo(t *testing.T) {
	o := Default()
	o.PageSize = 5000
	assert.Error(t, o.Validate())
}
