package index

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Snapshots are a startup shortcut, not a durability mechanism. The store
// stays the complete source for reconstruction; a snapshot that fails to
// load or no longer matches the store fingerprint is simply discarded.

var snapshotMagic = [8]byte{'E', 'M', 'I', 'D', 'X', '0', '0', '1'}

// ErrBadSnapshot marks a snapshot that cannot be trusted.
var ErrBadSnapshot = errors.New("bad index snapshot")

type snapshotDoc struct {
	ID       uuid.UUID
	Terms    map[string]int
	Length   int
	Subjects []string
	Task     int
	Created  time.Time
	Modified time.Time
}

type snapshotFile struct {
	NoteCount   int
	MaxModified int64
	Docs        []snapshotDoc
}

// WriteSnapshot serializes the index to w, tagged with the store
// fingerprint it was built from.
func (x *Index) WriteSnapshot(w io.Writer, noteCount int, maxModified int64) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if _, err := w.Write(snapshotMagic[:]); err != nil {
		return err
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	file := snapshotFile{
		NoteCount:   noteCount,
		MaxModified: maxModified,
		Docs:        make([]snapshotDoc, 0, len(x.docs)),
	}
	for id, e := range x.docs {
		file.Docs = append(file.Docs, snapshotDoc{
			ID:       id,
			Terms:    e.terms,
			Length:   e.length,
			Subjects: e.subjects,
			Task:     int(e.task),
			Created:  e.created,
			Modified: e.modified,
		})
	}
	if err := gob.NewEncoder(zw).Encode(&file); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// ReadSnapshot replaces the index contents from r if the snapshot was
// built from a store matching the given fingerprint. On any mismatch or
// decode error the index is left empty and ErrBadSnapshot is returned so
// the caller rebuilds from the store.
func (x *Index) ReadSnapshot(r io.Reader, noteCount int, maxModified int64) error {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if magic != snapshotMagic {
		return fmt.Errorf("%w: unknown header", ErrBadSnapshot)
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	defer zr.Close()

	var file snapshotFile
	if err := gob.NewDecoder(zr).Decode(&file); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if file.NoteCount != noteCount || file.MaxModified != maxModified {
		return fmt.Errorf("%w: store changed since snapshot", ErrBadSnapshot)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.resetLocked()
	for _, d := range file.Docs {
		x.insertTermsLocked(d.ID, d.Terms, d.Length, d.Subjects, TaskState(d.Task), d.Created, d.Modified)
	}
	return nil
}
