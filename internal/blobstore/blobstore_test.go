package blobstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	data := []byte("hello world")
	hash, _, err := store.Put(data, CodecNone)
	require.NoError(t, err)

	got, err := store.Get(hash)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestPutIsIdempotent(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	data := []byte("same bytes")
	h1, _, err := store.Put(data, CodecNone)
	require.NoError(t, err)
	h2, _, err := store.Put(data, CodecNone)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestZstdRoundTripDecompresses(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	data := []byte("compressible compressible compressible compressible")
	hash, _, err := store.Put(data, CodecZstd)
	require.NoError(t, err)

	stored, err := store.Get(hash)
	require.NoError(t, err)
	require.NotEqual(t, data, stored) // stored bytes are the compressed form

	logical, err := store.GetDecompressed(hash, CodecZstd)
	require.NoError(t, err)
	require.Equal(t, data, logical)
}

func TestHashIsOfStoredNotOriginalBytes(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	data := []byte("identical content, different codecs, different hashes maybe")
	plainHash, _, err := store.Put(data, CodecNone)
	require.NoError(t, err)
	zstdHash, _, err := store.Put(data, CodecZstd)
	require.NoError(t, err)
	require.NotEqual(t, plainHash, zstdHash)
}

func TestGetMissingReturnsNil(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get("sha256:" + "00000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestHas(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	hash, _, err := store.Put([]byte("x"), CodecNone)
	require.NoError(t, err)

	ok, err := store.Has(hash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Has("sha256:" + "11111111111111111111111111111111111111111111111111111111111111")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestToCidRoundTripsSha256(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	data := []byte("cid me")
	hash, _, err := store.Put(data, CodecNone)
	require.NoError(t, err)

	c, err := ToCid(hash)
	require.NoError(t, err)
	require.True(t, c.Defined())

	blk, err := Block(hash, data)
	require.NoError(t, err)
	require.Equal(t, c, blk.Cid())
	require.Equal(t, data, blk.RawData())
}

func TestCacheServesAfterBackingFileRemoved(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	data := []byte("cached bytes")
	hash, _, err := store.Put(data, CodecNone)
	require.NoError(t, err)

	// Remove the on-disk file out from under the store: Get must still be
	// answered from the CID-keyed read cache populated by Put.
	path, err := store.pathFor(hash)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	got, err := store.Get(hash)
	require.NoError(t, err)
	require.Equal(t, data, got)
}
