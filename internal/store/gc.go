package store

import "cellar/internal/blobstore"

// CollectGarbage removes every blob whose catalog refcount is zero, both
// its on-disk bytes and its catalog row. Orphan blobs are retained until
// this pass runs; nothing removes them implicitly.
func (s *Store) CollectGarbage(blobs *blobstore.Store) (collected int, err error) {
	hashes, err := s.ZeroRefcountBlobs()
	if err != nil {
		return 0, err
	}
	for _, h := range hashes {
		if err := blobs.Delete(h); err != nil {
			return collected, err
		}
		if err := s.DeleteBlobRow(h); err != nil {
			return collected, err
		}
		collected++
	}
	return collected, nil
}
