// Package snapshotload implements the snapshot load pipeline of spec
// section 4.7: unpack the zstd-compressed tarball(s), plan which
// account files the manifest says to load, parse them in parallel
// across worker engines, merge their bins and arenas into the caller's
// index and file map, then validate via the Merkle account hash.
package snapshotload

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// manifestMagic tags the start of a written manifest file so ReadManifest
// can reject a file that isn't one instead of decoding garbage.
const manifestMagic uint32 = 0x41434354

// FileRef is one manifest entry under accounts/: the account file for
// slot.id, with its expected on-disk length.
type FileRef struct {
	Slot   uint64
	FileID uint64
	Length int64
}

// Manifest is the bincode-equivalent metadata spec 4.7 says accompanies
// a snapshot tarball: which files belong to the snapshot, and the
// Merkle root/capitalization those files are expected to produce once
// loaded.
type Manifest struct {
	Files []FileRef

	AccountsHash  [32]byte
	Capitalization uint64

	// Incremental is set only when the manifest accompanies an
	// incremental snapshot layered on top of a full one (spec 4.7.1).
	Incremental          bool
	IncrementalMinSlot   uint64
	IncrementalHash      [32]byte
	IncrementalCapitalization uint64
}

// filename renders a FileRef's expected filename under accounts/, per
// spec 4.7 step 2's "<slot>.<id>" naming.
func (f FileRef) filename() string {
	return itoa(f.Slot) + "." + itoa(f.FileID)
}

// WriteManifest serializes m to path in the bincode-equivalent flat
// layout spec 4.7 expects to accompany a snapshot tarball: a magic
// header, the file list, then the full and incremental hash/
// capitalization fields. Written by snapshotgen, read back here by
// whatever unpacks a tarball before calling Load.
func WriteManifest(path string, m Manifest) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("snapshotload: create manifest %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	if err := binary.Write(w, binary.BigEndian, manifestMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(m.Files))); err != nil {
		return err
	}
	for _, fr := range m.Files {
		if err := binary.Write(w, binary.BigEndian, fr.Slot); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, fr.FileID); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint64(fr.Length)); err != nil {
			return err
		}
	}
	if _, err := w.Write(m.AccountsHash[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, m.Capitalization); err != nil {
		return err
	}
	if err := writeBool(w, m.Incremental); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, m.IncrementalMinSlot); err != nil {
		return err
	}
	if _, err := w.Write(m.IncrementalHash[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, m.IncrementalCapitalization); err != nil {
		return err
	}
	return w.Flush()
}

func writeBool(w io.Writer, b bool) error {
	v := byte(0)
	if b {
		v = 1
	}
	_, err := w.Write([]byte{v})
	return err
}

// ReadManifest decodes a manifest previously written by WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("snapshotload: open manifest %s: %w", path, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var magic, n uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return Manifest{}, err
	}
	if magic != manifestMagic {
		return Manifest{}, fmt.Errorf("snapshotload: %s: not a manifest file", path)
	}
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return Manifest{}, err
	}

	m := Manifest{Files: make([]FileRef, n)}
	for i := range m.Files {
		if err := binary.Read(r, binary.BigEndian, &m.Files[i].Slot); err != nil {
			return Manifest{}, err
		}
		if err := binary.Read(r, binary.BigEndian, &m.Files[i].FileID); err != nil {
			return Manifest{}, err
		}
		var length uint64
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return Manifest{}, err
		}
		m.Files[i].Length = int64(length)
	}

	if _, err := io.ReadFull(r, m.AccountsHash[:]); err != nil {
		return Manifest{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &m.Capitalization); err != nil {
		return Manifest{}, err
	}
	incByte, err := r.ReadByte()
	if err != nil {
		return Manifest{}, err
	}
	m.Incremental = incByte != 0
	if err := binary.Read(r, binary.BigEndian, &m.IncrementalMinSlot); err != nil {
		return Manifest{}, err
	}
	if _, err := io.ReadFull(r, m.IncrementalHash[:]); err != nil {
		return Manifest{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &m.IncrementalCapitalization); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
