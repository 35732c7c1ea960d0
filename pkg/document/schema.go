package document

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds the CUE schemas of each document major version.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in document schemas.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(schemaV1, builtinV1Schema); err != nil {
		return nil, err
	}
	if err := sr.RegisterSchema(schemaV2, builtinV2Schema); err != nil {
		return nil, err
	}
	return sr, nil
}

// RegisterSchema compiles a CUE schema under the given name. The schema
// must define a #Document definition.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath("#Document"))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define #Document", name)
	}

	sr.schemas[name] = def
	return nil
}

// ValidateJSON checks raw JSON against a named schema.
func (sr *SchemaRegistry) ValidateJSON(name string, data []byte) error {
	sr.mu.RLock()
	schema, ok := sr.schemas[name]
	sr.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	val := sr.ctx.CompileBytes(data)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}
	return nil
}

// ListSchemas returns the registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const (
	schemaV1 = "document/v1"
	schemaV2 = "document/v2"
)

const builtinV1Schema = `
#Index: =~"^[0-9]+$"

#Block: {
	name:   string
	script: string
	inputs: {[string]: string}
}

#Document: {
	tag:   "halfspace"
	major: 1
	minor: int & >=0
	meta?: {...}
	world: {
		next_index: int & >=0
		order: [...(int & >=0)]
		blocks: {[#Index]: #Block}
	}
	views?: {[#Index]: _}
	dock?: _
}
`

const builtinV2Schema = `
#Index: =~"^[0-9]+$"

#Script: {
	name:   string
	script: string
	inputs: {[string]: string}
}

#Value: {
	name:  string
	input: string
}

#Block: {Script: #Script} | {Value: #Value}

#Document: {
	tag:   "halfspace"
	major: 2
	minor: int & >=0
	meta?: {
		name?:        string
		description?: string
		...
	}
	world: {
		next_index: int & >=0
		order: [...(int & >=0)]
		blocks: {[#Index]: #Block}
	}
	views?: {[#Index]: _}
	dock?: _
}
`
