package calseg

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	binSignature  = "XCPGOSLAVE_BIN__"
	binVersion    = uint16(0x0100)
	maxNameLength = 31
)

// Store persists calibration segment working pages to a single binary
// file, written on STORE_CAL_REQ and read back at startup to restore the
// last-known calibration state. Save writes every registered segment; it
// does not consult the freeze flag set via SetFreeze.
type Store struct {
	Path string
}

// NewStore creates a Store writing to path.
func NewStore(path string) *Store { return &Store{Path: path} }

type segmentDescriptor struct {
	name  string
	size  uint16
	index uint8
}

func writeFixedString(w io.Writer, s string, n int) error {
	buf := make([]byte, n)
	copy(buf, s)
	_, err := w.Write(buf)
	return err
}

func readFixedString(r io.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}

// Save writes every segment in reg to the store's file, in registration
// order: a header carrying the signature, version, and EPK, followed by a
// descriptor and data block per segment.
func (st *Store) Save(reg *Registry) error {
	f, err := os.Create(st.Path)
	if err != nil {
		return fmt.Errorf("calseg: create persistence file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeFixedString(w, binSignature, len(binSignature)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, binVersion); err != nil {
		return err
	}
	if err := writeFixedString(w, reg.EPK(), maxNameLength+1); err != nil {
		return err
	}

	segments := reg.All()
	if err := binary.Write(w, binary.LittleEndian, uint16(len(segments))); err != nil {
		return err
	}

	for i, s := range segments {
		if err := writeFixedString(w, s.Name, maxNameLength+1); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(s.Size)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(i)); err != nil {
			return err
		}
		if _, err := w.Write(s.WorkingSnapshot()); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Load reads a persistence file written by Save and, for every segment it
// names that also exists in reg under the same name and size, publishes
// the stored bytes as that segment's working page. Segments present in
// the file but absent from reg, or registered with a different size, are
// counted in the returned skipped count rather than treated as a hard
// error. A file whose EPK doesn't match reg's is ignored as a whole
// (0, 0, nil), so every segment keeps its defaults.
func (st *Store) Load(reg *Registry) (loaded, skipped int, err error) {
	f, openErr := os.Open(st.Path)
	if openErr != nil {
		if os.IsNotExist(openErr) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("calseg: open persistence file: %w", openErr)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	sig, err := readFixedString(r, len(binSignature))
	if err != nil {
		return 0, 0, err
	}
	if sig != binSignature {
		return 0, 0, fmt.Errorf("calseg: persistence file %q has invalid signature", st.Path)
	}

	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return 0, 0, err
	}

	fileEpk, err := readFixedString(r, maxNameLength+1)
	if err != nil {
		return 0, 0, err
	}
	if fileEpk != reg.EPK() {
		return 0, 0, nil
	}

	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return 0, 0, err
	}

	for i := uint16(0); i < count; i++ {
		name, err := readFixedString(r, maxNameLength+1)
		if err != nil {
			return loaded, skipped, err
		}
		var size, index uint16
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return loaded, skipped, err
		}
		if err := binary.Read(r, binary.LittleEndian, &index); err != nil {
			return loaded, skipped, err
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return loaded, skipped, err
		}

		idx, ok := reg.byName[name]
		if !ok {
			skipped++
			continue
		}
		seg, _ := reg.Get(idx)
		if seg == nil || seg.Size != int(size) {
			skipped++
			continue
		}
		if err := seg.WriteAt(0, data); err != nil {
			skipped++
			continue
		}
		if err := seg.Publish(); err != nil {
			skipped++
			continue
		}
		loaded++
	}
	return loaded, skipped, nil
}
