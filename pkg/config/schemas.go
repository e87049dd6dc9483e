package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"strata/core"
)

// schemaFile is the YAML shape of a schema definition file: a list of named
// record schemas whose fields map to engine types.
type schemaFile struct {
	Schemas []schemaDef `yaml:"schemas"`
}

type schemaDef struct {
	Name   string     `yaml:"name"`
	Fields []fieldDef `yaml:"fields"`
}

type fieldDef struct {
	Name   string     `yaml:"name"`
	Type   string     `yaml:"type"`
	Unit   string     `yaml:"unit"`
	Fields []fieldDef `yaml:"fields"` // nested records
	Elem   string     `yaml:"elem"`   // list element type
}

var kindsByName = map[string]core.Kind{
	"bool":     core.KindBool,
	"int64":    core.KindInt64,
	"uint64":   core.KindUint64,
	"double":   core.KindFloat64,
	"duration": core.KindDuration,
	"time":     core.KindTime,
	"string":   core.KindString,
	"pattern":  core.KindPattern,
	"ip":       core.KindIP,
	"subnet":   core.KindSubnet,
	"blob":     core.KindBlob,
}

// LoadSchemas reads a schema definition file into engine types.
func LoadSchemas(path string) ([]core.Type, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schemas: read %s: %w", path, err)
	}
	return ParseSchemas(data)
}

// ParseSchemas decodes schema definitions from YAML.
func ParseSchemas(data []byte) ([]core.Type, error) {
	var file schemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("schemas: decode: %w", err)
	}
	out := make([]core.Type, 0, len(file.Schemas))
	for _, def := range file.Schemas {
		if def.Name == "" {
			return nil, fmt.Errorf("schemas: schema without a name")
		}
		fields, err := fieldTypes(def.Fields)
		if err != nil {
			return nil, fmt.Errorf("schemas: %s: %w", def.Name, err)
		}
		out = append(out, core.RecordType(fields...).Named(def.Name))
	}
	return out, nil
}

func fieldTypes(defs []fieldDef) ([]core.FieldType, error) {
	out := make([]core.FieldType, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("field without a name")
		}
		t, err := fieldType(def)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", def.Name, err)
		}
		out = append(out, core.FieldType{Name: def.Name, Type: t})
	}
	return out, nil
}

func fieldType(def fieldDef) (core.Type, error) {
	switch {
	case len(def.Fields) > 0:
		nested, err := fieldTypes(def.Fields)
		if err != nil {
			return core.Type{}, err
		}
		return core.RecordType(nested...), nil
	case def.Type == "list":
		elemKind, ok := kindsByName[def.Elem]
		if !ok {
			return core.Type{}, fmt.Errorf("unknown list element type %q", def.Elem)
		}
		return core.ListType(core.ScalarType(elemKind)), nil
	}
	kind, ok := kindsByName[def.Type]
	if !ok {
		return core.Type{}, fmt.Errorf("unknown type %q", def.Type)
	}
	t := core.ScalarType(kind)
	if def.Unit != "" {
		t = t.WithAttrs(core.Attr{Key: "unit", Value: def.Unit})
	}
	return t, nil
}
