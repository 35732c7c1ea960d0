package document

import (
	"encoding/json"
)

// Major version 1 stored every block as a script, without a kind tag.

const minorV1 = 2

type fileV1 struct {
	Tag   string                     `json:"tag"`
	Major int                        `json:"major"`
	Minor int                        `json:"minor"`
	Meta  *Meta                      `json:"meta,omitempty"`
	World worldV1                    `json:"world"`
	Views map[string]json.RawMessage `json:"views"`
}

type worldV1 struct {
	NextIndex uint64             `json:"next_index"`
	Order     []uint64           `json:"order" validate:"unique"`
	Blocks    map[string]blockV1 `json:"blocks"`
}

type blockV1 struct {
	Name   string            `json:"name"`
	Script string            `json:"script"`
	Inputs map[string]string `json:"inputs"`
}

func (c *Codec) decodeV1(data []byte, found Version) (*fileV2, error) {
	current := Version{Major: 1, Minor: minorV1}
	if err := c.schemas.ValidateJSON(schemaV1, data); err != nil {
		return nil, tooNew(found, current, &ValidationError{Reason: "schema mismatch", Err: err})
	}

	var file fileV1
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, tooNew(found, current, &ValidationError{Reason: "malformed document", Err: err})
	}
	if err := c.validate.Struct(&file); err != nil {
		return nil, tooNew(found, current, &ValidationError{Reason: "invalid fields", Err: err})
	}
	return migrateV1(&file), nil
}

// migrateV1 converts a version 1 document. Blocks become script blocks;
// view state is carried over unchanged.
func migrateV1(v1 *fileV1) *fileV2 {
	file := &fileV2{
		Tag:   v1.Tag,
		Major: MajorVersion,
		Minor: MinorVersion,
		Meta:  v1.Meta,
		World: worldV2{
			NextIndex: v1.World.NextIndex,
			Order:     v1.World.Order,
			Blocks:    make(map[string]blockV2, len(v1.World.Blocks)),
		},
		Views: v1.Views,
	}
	for key, b := range v1.World.Blocks {
		file.World.Blocks[key] = blockV2{Script: &scriptV2{
			Name:   b.Name,
			Script: b.Script,
			Inputs: b.Inputs,
		}}
	}
	return file
}
