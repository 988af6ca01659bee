package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Loader reads deployment descriptors from YAML, JSON or CUE sources and
// validates them in three passes: the CUE schema, struct tags and the
// cross-references between components.
type Loader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewLoader creates a descriptor loader.
func NewLoader(logger zerolog.Logger) *Loader {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	schemas := NewSchemaRegistry()
	return &Loader{
		// Values only unify within one runtime.
		ctx:       schemas.Context(),
		schemas:   schemas,
		validator: v,
		logger:    logger.With().Str("component", "descriptor_loader").Logger(),
	}
}

// Schemas returns the loader's schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads a descriptor from a file or a CUE package directory.
func (l *Loader) Load(ctx context.Context, path string) (*ParsedDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat descriptor: %w", err)
	}

	var (
		desc  *Descriptor
		files []string
		errs  ValidationErrors
	)
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case info.IsDir():
		desc, files, errs = l.loadDirectory(path)
	case ext == ".yaml" || ext == ".yml":
		desc, errs = l.loadYAML(path)
		files = []string{path}
	case ext == ".cue" || ext == ".json":
		desc, errs = l.loadCUEFile(path)
		files = []string{path}
	default:
		return nil, fmt.Errorf("unsupported descriptor format %q", ext)
	}
	if len(errs) > 0 {
		return nil, errs
	}

	applyDefaults(desc)
	if errs := l.Validate(desc); len(errs) > 0 {
		for i := range errs {
			if errs[i].File == "" && len(files) == 1 {
				errs[i].File = files[0]
			}
		}
		return nil, errs
	}

	l.logger.Debug().
		Str("cluster_id", desc.Cluster.ID).
		Int("environments", len(desc.Environments)).
		Strs("files", files).
		Msg("Descriptor loaded")

	return &ParsedDescriptor{
		Descriptor:  desc,
		SourceFiles: files,
		ParsedAt:    time.Now(),
	}, nil
}

// Parse reads a descriptor from in-memory content in the given format
// ("yaml", "json" or "cue").
func (l *Loader) Parse(content []byte, format string) (*Descriptor, error) {
	var (
		desc *Descriptor
		errs ValidationErrors
	)
	switch format {
	case "yaml", "yml":
		desc, errs = l.decodeYAML("", content)
	case "json", "cue":
		desc, errs = l.decodeCUE(l.ctx.CompileBytes(content))
	default:
		return nil, fmt.Errorf("unsupported descriptor format %q", format)
	}
	if len(errs) > 0 {
		return nil, errs
	}

	applyDefaults(desc)
	if errs := l.Validate(desc); len(errs) > 0 {
		return nil, errs
	}
	return desc, nil
}

// Validate runs the schema, struct and reference checks on a decoded
// descriptor.
func (l *Loader) Validate(desc *Descriptor) ValidationErrors {
	if err := l.schemas.ValidateAgainstSchema(DescriptorSchema, desc); err != nil {
		errs := convertCUEErrors(err)
		// Encoded values carry no source positions; drop the schema's own.
		for i := range errs {
			errs[i].File, errs[i].Line, errs[i].Column = "", 0, 0
		}
		return errs
	}

	if err := l.validator.Struct(desc); err != nil {
		var errs ValidationErrors
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					Path:    strings.TrimPrefix(fe.Namespace(), "Descriptor."),
					Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
				})
			}
			return errs
		}
		return ValidationErrors{{Message: err.Error()}}
	}

	return checkReferences(desc)
}

func (l *Loader) loadYAML(path string) (*Descriptor, ValidationErrors) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, ValidationErrors{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}
	return l.decodeYAML(path, content)
}

func (l *Loader) decodeYAML(path string, content []byte) (*Descriptor, ValidationErrors) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var desc Descriptor
	if err := dec.Decode(&desc); err != nil {
		return nil, ValidationErrors{{File: path, Message: err.Error()}}
	}
	return &desc, nil
}

func (l *Loader) loadCUEFile(path string) (*Descriptor, ValidationErrors) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, ValidationErrors{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}
	return l.decodeCUE(l.ctx.CompileBytes(content, cue.Filename(path)))
}

// loadDirectory loads a directory as a CUE package.
func (l *Loader) loadDirectory(dir string) (*Descriptor, []string, ValidationErrors) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, nil, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, nil, convertCUEErrors(inst.Err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	desc, errs := l.decodeCUE(l.ctx.BuildInstance(inst))
	return desc, files, errs
}

// decodeCUE unifies a value with the descriptor schema so CUE errors carry
// source positions, then decodes it.
func (l *Loader) decodeCUE(val cue.Value) (*Descriptor, ValidationErrors) {
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified, err := l.schemas.Unify(DescriptorSchema, val)
	if err != nil {
		return nil, ValidationErrors{{Message: err.Error()}}
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var desc Descriptor
	if err := unified.Decode(&desc); err != nil {
		return nil, convertCUEErrors(err)
	}
	return &desc, nil
}

// convertCUEErrors converts CUE errors to validation errors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = ValidationErrors{{Message: err.Error()}}
	}
	return out
}

func applyDefaults(desc *Descriptor) {
	for i := range desc.Cluster.Addons {
		if desc.Cluster.Addons[i].Namespace == "" {
			desc.Cluster.Addons[i].Namespace = desc.Cluster.Addons[i].Name
		}
	}
	for i := range desc.Environments {
		env := &desc.Environments[i]
		for j := range env.Images {
			if env.Images[j].Dockerfile == "" {
				env.Images[j].Dockerfile = "Dockerfile"
			}
		}
		for j := range env.Applications {
			if env.Applications[j].Replicas == 0 {
				env.Applications[j].Replicas = 1
			}
		}
	}
}

// checkReferences verifies name uniqueness and that every cross-reference
// names a declared component.
func checkReferences(desc *Descriptor) ValidationErrors {
	var errs ValidationErrors
	fail := func(path, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	unique := func(path string, names []string) map[string]bool {
		seen := make(map[string]bool, len(names))
		for i, name := range names {
			if seen[name] {
				fail(fmt.Sprintf("%s[%d].name", path, i), "duplicate name %q", name)
			}
			seen[name] = true
		}
		return seen
	}

	var groups, addonNames []string
	for _, ng := range desc.Cluster.NodeGroups {
		groups = append(groups, ng.Name)
	}
	unique("cluster.node_groups", groups)

	for _, a := range desc.Cluster.Addons {
		addonNames = append(addonNames, a.Name)
	}
	addons := unique("cluster.addons", addonNames)
	for i, a := range desc.Cluster.Addons {
		for _, dep := range a.DependsOn {
			if !addons[dep] {
				fail(fmt.Sprintf("cluster.addons[%d].depends_on", i), "unknown addon %q", dep)
			}
			if dep == a.Name {
				fail(fmt.Sprintf("cluster.addons[%d].depends_on", i), "addon %q depends on itself", dep)
			}
		}
	}

	var envIDs []string
	for _, env := range desc.Environments {
		envIDs = append(envIDs, env.ID)
	}
	seenEnv := make(map[string]bool)
	for i, id := range envIDs {
		if seenEnv[id] {
			fail(fmt.Sprintf("environments[%d].id", i), "duplicate environment %q", id)
		}
		seenEnv[id] = true
	}

	for i, env := range desc.Environments {
		base := fmt.Sprintf("environments[%d]", i)

		var names []string
		for _, img := range env.Images {
			names = append(names, img.Name)
		}
		unique(base+".images", names)

		names = nil
		for _, db := range env.Databases {
			names = append(names, db.Name)
		}
		databases := unique(base+".databases", names)

		names = nil
		for _, app := range env.Applications {
			names = append(names, app.Name)
		}
		apps := unique(base+".applications", names)

		for j, app := range env.Applications {
			if app.Chart != "" && app.Manifest != "" {
				fail(fmt.Sprintf("%s.applications[%d]", base, j), "chart and manifest are mutually exclusive")
			}
			if _, ok := env.Image(app.Image); !ok && !strings.ContainsAny(app.Image, "/:") {
				fail(fmt.Sprintf("%s.applications[%d].image", base, j), "unknown image %q", app.Image)
			}
			for _, db := range app.Databases {
				if !databases[db] {
					fail(fmt.Sprintf("%s.applications[%d].databases", base, j), "unknown database %q", db)
				}
			}
		}

		names = nil
		for _, r := range env.Routers {
			names = append(names, r.Name)
		}
		unique(base+".routers", names)

		for j, r := range env.Routers {
			for k, route := range r.Routes {
				if !apps[route.Application] {
					fail(fmt.Sprintf("%s.routers[%d].routes[%d].application", base, j, k),
						"unknown application %q", route.Application)
				}
			}
		}
	}

	return errs
}
