// Package document reads and writes saved halfspace documents.
//
// A document is a tagged, versioned JSON file holding the world (blocks,
// display order and the next block id), free-form metadata and opaque
// per-block view state. Older major versions are migrated on load; unknown
// major versions are rejected.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/mkeeter/halfspace/pkg/world"
)

const (
	// Tag identifies a halfspace document.
	Tag = "halfspace"

	// MajorVersion is the major version written by Save.
	MajorVersion = 2

	// MinorVersion is the minor version written by Save.
	MinorVersion = 1
)

// SupportedMajors lists the major versions Load accepts.
var SupportedMajors = []int{1, 2}

// Meta is free-form document metadata.
type Meta struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Document is a loaded document.
type Document struct {
	Meta  Meta
	World *world.World

	// Views holds opaque per-block view state. Every key is a live block.
	Views map[world.BlockID]json.RawMessage

	// Version is the version the document was read at. Migrated documents
	// keep their original version here; Save always writes the current one.
	Version Version
}

// New creates an empty document.
func New() *Document {
	return &Document{
		World:   world.New(),
		Views:   make(map[world.BlockID]json.RawMessage),
		Version: Current(),
	}
}

// Current returns the version written by Save.
func Current() Version {
	return Version{Major: MajorVersion, Minor: MinorVersion}
}

// Migrated returns true if the document was read from an older version.
func (d *Document) Migrated() bool {
	return d.Version.Major != MajorVersion
}

type header struct {
	Tag   string `json:"tag"`
	Major int    `json:"major"`
	Minor int    `json:"minor"`
}

type fileV2 struct {
	Tag   string                     `json:"tag" validate:"eq=halfspace"`
	Major int                        `json:"major" validate:"eq=2"`
	Minor int                        `json:"minor" validate:"gte=0"`
	Meta  *Meta                      `json:"meta,omitempty"`
	World worldV2                    `json:"world"`
	Views map[string]json.RawMessage `json:"views"`
}

type worldV2 struct {
	NextIndex uint64             `json:"next_index"`
	Order     []uint64           `json:"order" validate:"unique"`
	Blocks    map[string]blockV2 `json:"blocks" validate:"dive"`
}

type blockV2 struct {
	Script *scriptV2 `json:"Script,omitempty" validate:"required_without=Value,excluded_with=Value"`
	Value  *valueV2  `json:"Value,omitempty" validate:"required_without=Script,excluded_with=Script"`
}

type scriptV2 struct {
	Name   string            `json:"name"`
	Script string            `json:"script"`
	Inputs map[string]string `json:"inputs"`
}

type valueV2 struct {
	Name  string `json:"name"`
	Input string `json:"input"`
}

// Codec decodes and encodes documents.
type Codec struct {
	schemas  *SchemaRegistry
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewCodec creates a codec that logs migrations and rejections to logger.
func NewCodec(logger zerolog.Logger) (*Codec, error) {
	schemas, err := NewSchemaRegistry()
	if err != nil {
		return nil, err
	}
	return &Codec{
		schemas:  schemas,
		validate: validator.New(),
		logger:   logger.With().Str("component", "document").Logger(),
	}, nil
}

var (
	defaultCodec     *Codec
	defaultCodecErr  error
	defaultCodecOnce sync.Once
)

func getDefaultCodec() (*Codec, error) {
	defaultCodecOnce.Do(func() {
		defaultCodec, defaultCodecErr = NewCodec(zerolog.Nop())
	})
	return defaultCodec, defaultCodecErr
}

// Load reads a document with the default codec.
func Load(r io.Reader) (*Document, error) {
	c, err := getDefaultCodec()
	if err != nil {
		return nil, err
	}
	return c.Load(r)
}

// Save writes a document at the current version with the default codec.
func Save(w io.Writer, doc *Document) error {
	c, err := getDefaultCodec()
	if err != nil {
		return err
	}
	return c.Save(w, doc)
}

// Load reads and decodes a document.
func (c *Codec) Load(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return c.Decode(data)
}

// Decode decodes a document, migrating older major versions.
func (c *Codec) Decode(data []byte) (*Document, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, &ValidationError{Reason: "malformed JSON", Err: err}
	}
	if h.Tag != Tag {
		return nil, &BadTagError{Expected: Tag, Actual: h.Tag}
	}

	found := Version{Major: h.Major, Minor: h.Minor}
	var (
		file *fileV2
		err  error
	)
	switch h.Major {
	case 1:
		file, err = c.decodeV1(data, found)
	case 2:
		file, err = c.decodeV2(data, found)
	default:
		c.logger.Warn().Str("version", found.String()).Msg("Rejected document with unknown major version")
		return nil, &SchemaVersionError{Found: found, Supported: SupportedMajors, Current: Current()}
	}
	if err != nil {
		return nil, err
	}

	doc, err := fromWire(file)
	if err != nil {
		return nil, err
	}
	doc.Version = found
	if doc.Migrated() {
		c.logger.Info().
			Str("from", found.String()).
			Str("to", Current().String()).
			Int("blocks", doc.World.Len()).
			Msg("Migrated document")
	}
	return doc, nil
}

// tooNew wraps a decoding failure of a document with a newer minor
// version, whose new fields are the likely cause.
func tooNew(found, current Version, err error) error {
	if found.Minor > current.Minor {
		return &SchemaVersionError{Found: found, Supported: SupportedMajors, Current: current, TooNew: true}
	}
	return err
}

func (c *Codec) decodeV2(data []byte, found Version) (*fileV2, error) {
	current := Current()
	if err := c.schemas.ValidateJSON(schemaV2, data); err != nil {
		return nil, tooNew(found, current, &ValidationError{Reason: "schema mismatch", Err: err})
	}

	var file fileV2
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, tooNew(found, current, &ValidationError{Reason: "malformed document", Err: err})
	}
	if err := c.validate.Struct(&file); err != nil {
		return nil, tooNew(found, current, &ValidationError{Reason: "invalid fields", Err: err})
	}
	return &file, nil
}

// Encode encodes a document at the current version.
func (c *Codec) Encode(doc *Document) ([]byte, error) {
	file := toWire(doc)
	if err := c.validate.Struct(file); err != nil {
		return nil, fmt.Errorf("refusing to write invalid document: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(file); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return buf.Bytes(), nil
}

// Save encodes a document and writes it to w.
func (c *Codec) Save(w io.Writer, doc *Document) error {
	data, err := c.Encode(doc)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	return nil
}

func fromWire(file *fileV2) (*Document, error) {
	blocks := make([]*world.Block, 0, len(file.World.Blocks))
	for key, wb := range file.World.Blocks {
		id, err := world.ParseBlockID(key)
		if err != nil {
			return nil, &ValidationError{Reason: "bad block key", Err: err}
		}
		b := &world.Block{ID: id}
		switch {
		case wb.Script != nil:
			inputs := wb.Script.Inputs
			if inputs == nil {
				inputs = map[string]string{}
			}
			b.Name = wb.Script.Name
			b.Def = world.Script{Text: wb.Script.Script, Inputs: inputs}
		case wb.Value != nil:
			b.Name = wb.Value.Name
			b.Def = world.Value{Input: wb.Value.Input}
		}
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].ID < blocks[j].ID })

	order := make([]world.BlockID, len(file.World.Order))
	for i, id := range file.World.Order {
		order[i] = world.BlockID(id)
	}

	w, err := world.Restore(world.BlockID(file.World.NextIndex), order, blocks)
	if err != nil {
		return nil, &ValidationError{Reason: "inconsistent world", Err: err}
	}

	doc := &Document{
		World: w,
		Views: make(map[world.BlockID]json.RawMessage, len(file.Views)),
	}
	if file.Meta != nil {
		doc.Meta = *file.Meta
	}
	for key, view := range file.Views {
		id, err := world.ParseBlockID(key)
		if err != nil {
			return nil, &ValidationError{Reason: "bad view key", Err: err}
		}
		if _, ok := w.Block(id); !ok {
			return nil, &ValidationError{Reason: fmt.Sprintf("view for unknown block %d", id)}
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, view); err != nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("view for block %d", id), Err: err}
		}
		doc.Views[id] = compact.Bytes()
	}
	return doc, nil
}

func toWire(doc *Document) *fileV2 {
	w := doc.World
	file := &fileV2{
		Tag:   Tag,
		Major: MajorVersion,
		Minor: MinorVersion,
		World: worldV2{
			NextIndex: uint64(w.NextIndex()),
			Order:     make([]uint64, 0, w.Len()),
			Blocks:    make(map[string]blockV2, w.Len()),
		},
		Views: make(map[string]json.RawMessage, len(doc.Views)),
	}
	if doc.Meta != (Meta{}) {
		meta := doc.Meta
		file.Meta = &meta
	}

	for _, b := range w.Blocks() {
		file.World.Order = append(file.World.Order, uint64(b.ID))
		var wb blockV2
		switch def := b.Def.(type) {
		case world.Script:
			inputs := def.Inputs
			if inputs == nil {
				inputs = map[string]string{}
			}
			wb.Script = &scriptV2{Name: b.Name, Script: def.Text, Inputs: inputs}
		case world.Value:
			wb.Value = &valueV2{Name: b.Name, Input: def.Input}
		}
		file.World.Blocks[b.ID.String()] = wb
	}
	for id, view := range doc.Views {
		if _, ok := w.Block(id); ok {
			file.Views[id.String()] = view
		}
	}
	return file
}
