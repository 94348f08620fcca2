package schema

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"docengine/internal/dberr"
)

// tomlDocument mirrors DbSchema. primary_key_path / key_path are decoded as
// `any` because TOML has no native way to express "string or array of
// strings" in a struct tag; toKeyPath below normalizes either shape into a
// KeyPath, matching the "compound iff list of length >= 2" rule from
// spec.md §4.3.
type tomlDocument struct {
	Version           uint32      `toml:"version"`
	LastUsableVersion uint32      `toml:"last_usable_version"`
	Stores            []tomlStore `toml:"stores"`
}

type tomlStore struct {
	Name              string      `toml:"name"`
	PrimaryKeyPath    any         `toml:"primary_key_path"`
	EstimatedObjBytes uint32      `toml:"estimated_obj_bytes"`
	Indexes           []tomlIndex `toml:"indexes"`
}

type tomlIndex struct {
	Name               string `toml:"name"`
	KeyPath            any    `toml:"key_path"`
	Unique             bool   `toml:"unique"`
	MultiEntry         bool   `toml:"multi_entry"`
	FullText           bool   `toml:"full_text"`
	IncludeDataInIndex bool   `toml:"include_data_in_index"`
	DoNotBackfill      bool   `toml:"do_not_backfill"`
}

// ParseTOML reads a TOML schema document (the declarative, data-driven
// alternative to building a DbSchema from Go struct literals) from r.
func ParseTOML(r io.Reader) (*DbSchema, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("schema: read toml: %w", err)
	}
	var doc tomlDocument
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse toml: %w", err)
	}
	return doc.toDbSchema()
}

// ParseTOMLFile opens path and parses it as a TOML schema document.
func ParseTOMLFile(path string) (*DbSchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("schema: open %q: %w", path, err)
	}
	defer f.Close()
	return ParseTOML(f)
}

func (d tomlDocument) toDbSchema() (*DbSchema, error) {
	out := &DbSchema{
		Version:           d.Version,
		LastUsableVersion: d.LastUsableVersion,
	}
	for _, s := range d.Stores {
		pk, err := toKeyPath(s.PrimaryKeyPath)
		if err != nil {
			return nil, fmt.Errorf("schema: store %q: %w", s.Name, err)
		}
		store := StoreSchema{
			Name:              s.Name,
			PrimaryKeyPath:    pk,
			EstimatedObjBytes: s.EstimatedObjBytes,
		}
		for _, idx := range s.Indexes {
			kp, err := toKeyPath(idx.KeyPath)
			if err != nil {
				return nil, fmt.Errorf("schema: store %q index %q: %w", s.Name, idx.Name, err)
			}
			store.Indexes = append(store.Indexes, IndexSchema{
				Name:               idx.Name,
				KeyPath:            kp,
				Unique:             idx.Unique,
				MultiEntry:         idx.MultiEntry,
				FullText:           idx.FullText,
				IncludeDataInIndex: idx.IncludeDataInIndex,
				DoNotBackfill:      idx.DoNotBackfill,
			})
		}
		out.Stores = append(out.Stores, store)
	}
	return out, nil
}

// toKeyPath normalizes a TOML string or array-of-strings value into a
// KeyPath.
func toKeyPath(v any) (KeyPath, error) {
	switch val := v.(type) {
	case nil:
		return nil, dberr.New(dberr.BadKey, "keyPath is required")
	case string:
		return KeyPath{val}, nil
	case []string:
		return KeyPath(val), nil
	case []any:
		out := make(KeyPath, len(val))
		for i, el := range val {
			s, ok := el.(string)
			if !ok {
				return nil, dberr.New(dberr.BadKey, "keyPath components must be strings")
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, dberr.New(dberr.BadKey, fmt.Sprintf("keyPath: unsupported TOML type %T", v))
	}
}
