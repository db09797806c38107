package binding

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/jmorganca/hlops/target"
)

// ManifestSuffix is appended to the extension name to name the manifest
// written next to the built module.
const ManifestSuffix = ".manifest"

var ErrEmptyManifest = errors.New("manifest has no entries")

// Entry pairs a registered pipeline name with the raw header it came from.
type Entry struct {
	Pipeline string `cbor:"1,keyasint"`
	Header   string `cbor:"2,keyasint"`
}

// Manifest lists the entry points of an extension module in registration
// order.
type Manifest struct {
	BuildID       uuid.UUID          `cbor:"1,keyasint"`
	ExtensionName string             `cbor:"2,keyasint,omitempty"`
	Accelerator   target.Accelerator `cbor:"3,keyasint"`
	Created       time.Time          `cbor:"4,keyasint"`
	Entries       []Entry            `cbor:"5,keyasint"`
}

// NewManifest derives a manifest from raw header file names.
func NewManifest(headers []string, accelerator target.Accelerator) Manifest {
	m := Manifest{
		BuildID:     uuid.New(),
		Accelerator: accelerator,
		Created:     time.Now().UTC().Truncate(time.Second),
		Entries:     make([]Entry, 0, len(headers)),
	}
	for _, h := range headers {
		m.Entries = append(m.Entries, Entry{Pipeline: Stem(h), Header: filepath.Base(h)})
	}
	return m
}

// Names returns the registered pipeline names in order.
func (m Manifest) Names() []string {
	names := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		names[i] = e.Pipeline
	}
	return names
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func WriteManifest(w io.Writer, m Manifest) error {
	return encMode.NewEncoder(w).Encode(m)
}

func ReadManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	if err := cbor.NewDecoder(r).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if len(m.Entries) == 0 {
		return Manifest{}, ErrEmptyManifest
	}
	return m, nil
}

// ManifestPath returns the manifest location for a module named ext in dir.
func ManifestPath(dir, ext string) string {
	return filepath.Join(dir, ext+ManifestSuffix)
}

func LoadManifest(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()

	return ReadManifest(f)
}
