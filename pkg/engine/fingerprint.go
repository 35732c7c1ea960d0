package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"

	"github.com/mkeeter/halfspace/pkg/world"
)

// Fingerprint summarizes a block definition and the fingerprints of its
// direct dependencies. Equal fingerprints mean a cached result is reusable.
type Fingerprint string

const fingerprintDomain = "halfspace/block/v1"

// fingerprintWriter writes length-prefixed fields so that no two distinct
// field sequences share an encoding.
type fingerprintWriter struct {
	h hash.Hash
}

func newFingerprintWriter() *fingerprintWriter {
	w := &fingerprintWriter{h: sha256.New()}
	w.field(fingerprintDomain)
	return w
}

func (w *fingerprintWriter) field(s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	w.h.Write(n[:])
	w.h.Write([]byte(s))
}

func (w *fingerprintWriter) sum() Fingerprint {
	return Fingerprint(hex.EncodeToString(w.h.Sum(nil)))
}

// dependency is one resolved reference of a block being evaluated.
type dependency struct {
	ref      Reference
	producer world.BlockID
	found    bool
	result   *Result
}

// fingerprint hashes a block's kind and definition text followed by each
// dependency in reference order. The display name is not part of it, so a
// rename alone never invalidates the block's own result.
func fingerprint(b *world.Block, deps []dependency) Fingerprint {
	w := newFingerprintWriter()
	w.field(string(b.Kind()))

	switch def := b.Def.(type) {
	case world.Script:
		w.field(def.Text)
		slots := make([]string, 0, len(def.Inputs))
		for slot := range def.Inputs {
			slots = append(slots, slot)
		}
		sort.Strings(slots)
		w.field(strconv.Itoa(len(slots)))
		for _, slot := range slots {
			w.field(slot)
			w.field(def.Inputs[slot])
		}
	case world.Value:
		w.field(def.Input)
	}

	w.field(strconv.Itoa(len(deps)))
	for _, d := range deps {
		w.field(d.ref.Name)
		w.field(d.ref.Output)
		switch {
		case !d.found:
			w.field("missing")
		case d.result == nil || d.result.Fingerprint == "":
			w.field("unavailable")
			w.field(d.producer.String())
		default:
			w.field("producer")
			w.field(d.producer.String())
			w.field(string(d.result.Fingerprint))
		}
	}
	return w.sum()
}
