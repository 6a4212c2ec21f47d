package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, MinPageSize)
	h := Header{
		PageSize:     MinPageSize,
		CatalogRoot:  42,
		FreeListHead: 7,
		NextTxID:     100,
		NextPageID:   55,
		Flags:        FlagWALEnabled,
	}
	h.Encode(buf)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.True(t, got.WALEnabled())
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, MinPageSize)
	buf[0] = 'X'
	_, err := Decode(buf)
	require.Error(t, err)
}

func TestValidatePageSize(t *testing.T) {
	assert.NoError(t, ValidatePageSize(4096))
	assert.NoError(t, ValidatePageSize(65536))
	assert.Error(t, ValidatePageSize(4097))
	assert.Error(t, ValidatePageSize(2048))
	assert.Error(t, ValidatePageSize(70000))
}

func TestFileDeviceReadYourWrites(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/db.galdr"
	require.NoError(t, CreateFile(path, MinPageSize, false))

	dev, err := OpenFileDevice(path, MinPageSize)
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.Grow(3))

	payload := make([]byte, MinPageSize)
	for i := range payload {
		payload[i] = 0x42
	}
	require.NoError(t, dev.WritePage(types.PageID(1), payload))

	out := make([]byte, MinPageSize)
	require.NoError(t, dev.ReadPage(types.PageID(1), out))
	assert.Equal(t, payload, out)
}
