package snapshot

import (
	"archive/tar"
	"bytes"

	"cellar/internal/rpcerr"
)

// Export renders a snapshot as a deterministic tar bundle: entries in
// manifest (lexicographic) order, mode 0644, mtime/uid/gid zeroed, GNU
// format headers, so the same snapshot always exports byte-identical bytes.
func (e *Engine) Export(snapshotID string) ([]byte, error) {
	entries, err := e.manifestEntries(snapshotID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for _, ent := range entries {
		data, err := e.readBlob(ent)
		if err != nil {
			return nil, err
		}
		hdr := &tar.Header{
			Name:     ent.Path,
			Mode:     0o644,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatGNU,
		}
		if err := w.WriteHeader(hdr); err != nil {
			return nil, rpcerr.Wrap(rpcerr.Internal, "write tar header", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, rpcerr.Wrap(rpcerr.Internal, "write tar entry body", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, rpcerr.Wrap(rpcerr.Internal, "close tar writer", err)
	}
	return buf.Bytes(), nil
}
