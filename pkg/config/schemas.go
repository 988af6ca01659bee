package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// DescriptorSchema is the name of the built-in deployment descriptor schema.
const DescriptorSchema = "descriptor"

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(DescriptorSchema, builtinDescriptorSchema, "#Descriptor"); err != nil {
		panic(fmt.Sprintf("built-in descriptor schema: %v", err))
	}

	return sr
}

// RegisterSchema compiles a CUE source and registers the value at path
// (e.g. "#Descriptor") under name. An empty path registers the whole source.
func (sr *SchemaRegistry) RegisterSchema(name, source, path string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if path != "" {
		val = val.LookupPath(cue.ParsePath(path))
		if !val.Exists() {
			return fmt.Errorf("schema %s has no definition %s", name, path)
		}
	}

	sr.schemas[name] = val
	return nil
}

// Context returns the CUE runtime schemas are compiled in. Values unified
// with a schema must come from the same runtime.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies a CUE value with a named schema without validating it.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	return schema.Unify(val), nil
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(name string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified, err := sr.Unify(name, dataVal)
	if err != nil {
		return err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
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

const builtinDescriptorSchema = `
#Name: =~"^[a-z0-9]([-a-z0-9]*[a-z0-9])?$"

#Descriptor: {
	cluster: #Cluster
	environments?: [...#Environment]
}

#Cluster: {
	id:            #Name
	organization?: string
	provider:      "aws" | "azure" | "gcp" | "scaleway" | "on_premise"
	region?:       string

	// Minor versions only, e.g. "1.30" or "1.30.2".
	kubernetes_version?: =~"^1\\.[0-9]+(\\.[0-9]+)?$"

	network?: {
		cidr:   =~"^[0-9.]+/[0-9]{1,2}$"
		zones?: [...string]
	}
	node_groups?: [...#NodeGroup]
	addons?: [...#Addon]
	labels?: {[string]: string}
}

#NodeGroup: {
	name:          #Name
	instance_type: string & !=""
	min_size:      int & >=0
	max_size:      int & >0 & >=min_size
}

#Addon: {
	name:          #Name
	chart:         string & !=""
	repo_url?:     =~"^(https?|oci)://"
	version?:      string
	namespace?:    #Name
	values_files?: [...string]
	values?: {...}
	depends_on?: [...#Name]
}

#Environment: {
	id:         #Name
	namespace?: #Name
	images?: [...#Image]
	databases?: [...#Database]
	applications?: [...#Application]
	routers?: [...#Router]
	labels?: {[string]: string}
}

#Image: {
	name:        string & !=""
	context:     string & !=""
	dockerfile?: string
	tag?:        string
	build_args?: {[string]: string}
}

#Database: {
	name:     #Name
	engine:   "postgresql" | "mysql" | "redis" | "mongodb"
	version?: string
	managed?: bool
	size?:    string
}

#Application: {
	name:      #Name
	image:     string & !=""
	chart?:    string
	manifest?: string
	replicas?: int & >=0
	port?:     int & >=1 & <=65535
	env?: {[string]: string}
	databases?: [...#Name]
}

#Router: {
	name:  #Name
	host?: string
	tls?:  bool
	routes: [#Route, ...#Route]
}

#Route: {
	path:        =~"^/"
	application: #Name
}
`
