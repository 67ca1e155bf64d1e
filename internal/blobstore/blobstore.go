// Package blobstore implements the content-addressed blob backend: a
// hash-sharded filesystem layout with atomic writes, optional zstd
// compression, and an LRU read cache keyed by content identifier.
package blobstore

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-multihash"

	"cellar/internal/canon"
	"cellar/internal/rpcerr"
)

// Codec names the compression applied to stored bytes.
type Codec string

const (
	CodecNone Codec = "none"
	CodecZstd Codec = "zstd"
)

const cacheSize = 512

// Store is the content-addressed byte store. The returned hash always
// identifies the *stored* (post-compression) bytes. The read cache is keyed
// by the blob's CID and holds block-wrapped stored bytes.
type Store struct {
	baseDir string

	mu      sync.Mutex
	cache   *lru.Cache[cid.Cid, blocks.Block]
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New opens (creating if needed) a blob backend rooted at baseDir, which
// should be "<data_dir>/blobs".
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, rpcerr.Wrap(rpcerr.IO, "create blob directory", err)
	}
	cache, _ := lru.New[cid.Cid, blocks.Block](cacheSize)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Internal, "init zstd encoder", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Internal, "init zstd decoder", err)
	}

	return &Store{baseDir: baseDir, cache: cache, encoder: enc, decoder: dec}, nil
}

func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return nil
}

// pathFor returns the hash-sharded on-disk location for a "sha256:<hex>" hash.
func (s *Store) pathFor(hash string) (string, error) {
	algo, hex, ok := splitHash(hash)
	if !ok {
		return "", rpcerr.New(rpcerr.InvalidArgument, "malformed blob hash: "+hash)
	}
	return filepath.Join(s.baseDir, algo, hex[:2], hex), nil
}

func splitHash(hash string) (algo, hexPart string, ok bool) {
	for i := 0; i < len(hash); i++ {
		if hash[i] == ':' {
			algo, hexPart = hash[:i], hash[i+1:]
			break
		}
	}
	if algo == "" || len(hexPart) < 2 {
		return "", "", false
	}
	for _, c := range hexPart {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", "", false
		}
	}
	return algo, hexPart, true
}

// Put compresses data per codec (if requested), stores it atomically, and
// returns the hash of the stored bytes. Idempotent: an existing target
// short-circuits without rewriting.
func (s *Store) Put(data []byte, codec Codec) (hash string, storedSize int, err error) {
	stored := data
	if codec == CodecZstd {
		s.mu.Lock()
		stored = s.encoder.EncodeAll(data, nil)
		s.mu.Unlock()
	}

	hash = canon.Sha256Hex(stored)
	path, err := s.pathFor(hash)
	if err != nil {
		return "", 0, err
	}

	if _, statErr := os.Stat(path); statErr == nil {
		return hash, len(stored), nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, rpcerr.Wrap(rpcerr.IO, "create blob shard directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", 0, rpcerr.Wrap(rpcerr.IO, "create temp blob file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(stored); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", 0, rpcerr.Wrap(rpcerr.IO, "write temp blob file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", 0, rpcerr.Wrap(rpcerr.IO, "close temp blob file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		// Another writer may have won the race for identical bytes;
		// the existing file is authoritative either way.
		os.Remove(tmpName)
		if _, statErr := os.Stat(path); statErr != nil {
			return "", 0, rpcerr.Wrap(rpcerr.IO, "rename temp blob file", err)
		}
	}

	s.cachePut(hash, stored)
	return hash, len(stored), nil
}

// Get returns the stored (still-compressed) bytes for hash, or nil if absent.
func (s *Store) Get(hash string) ([]byte, error) {
	if b, ok := s.cacheGet(hash); ok {
		return b, nil
	}
	path, err := s.pathFor(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, rpcerr.Wrap(rpcerr.IO, "read blob", err)
	}
	s.cachePut(hash, data)
	return data, nil
}

// GetDecompressed returns the logical (decompressed) bytes for hash given
// its recorded codec.
func (s *Store) GetDecompressed(hash string, codec Codec) ([]byte, error) {
	stored, err := s.Get(hash)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, nil
	}
	if codec != CodecZstd {
		return stored, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decoder.DecodeAll(stored, nil)
}

// Has reports whether hash is present in the backend, without reading it.
func (s *Store) Has(hash string) (bool, error) {
	path, err := s.pathFor(hash)
	if err != nil {
		return false, err
	}
	if _, ok := s.cacheGet(hash); ok {
		return true, nil
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, rpcerr.Wrap(rpcerr.IO, "stat blob", err)
}

// Delete removes the on-disk blob for hash. Used only by garbage collection;
// callers are responsible for catalog refcount bookkeeping.
func (s *Store) Delete(hash string) error {
	path, err := s.pathFor(hash)
	if err != nil {
		return err
	}
	s.cacheRemove(hash)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return rpcerr.Wrap(rpcerr.IO, "remove blob", err)
	}
	return nil
}

func (s *Store) cachePut(hash string, data []byte) {
	blk, err := Block(hash, data)
	if err != nil {
		// Non-sha256 hashes have no CID form; they just bypass the cache.
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(blk.Cid(), blk)
}

func (s *Store) cacheGet(hash string) ([]byte, bool) {
	c, err := ToCid(hash)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.cache.Get(c)
	if !ok {
		return nil, false
	}
	return blk.RawData(), true
}

func (s *Store) cacheRemove(hash string) {
	c, err := ToCid(hash)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(c)
}

// ToCid wraps a "sha256:<hex>" blob hash as a raw-codec CID, the key form
// the read cache uses internally; the external identity format remains the
// plain "sha256:<hex>" string everywhere in the tool surface.
func ToCid(hash string) (cid.Cid, error) {
	algo, hexPart, ok := splitHash(hash)
	if !ok || algo != "sha256" {
		return cid.Undef, fmt.Errorf("blobstore: not a sha256 hash: %s", hash)
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return cid.Undef, err
	}
	mh, err := multihash.Encode(raw, multihash.SHA2_256)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// Block wraps stored bytes as a go-block-format Block keyed by its CID, the
// value form the read cache holds.
func Block(hash string, data []byte) (blocks.Block, error) {
	c, err := ToCid(hash)
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(data, c)
}
