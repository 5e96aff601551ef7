// Package properties merges operator overrides into server.properties.
//
// server.properties.template is the pristine copy. Every start regenerates
// server.properties from it, so overrides never accumulate across runs.
package properties

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/magiconair/properties"
)

const (
	FileName     = "server.properties"
	TemplateName = "server.properties.template"
)

// ErrNoProperties is returned when neither the properties file nor its template exists
var ErrNoProperties = fmt.Errorf("please provide %s or %s file", FileName, TemplateName)

// Change is one requested override
type Change struct {
	Key   string
	Value string
	Old   string // previous template value, empty for rejected keys
}

// String formats an applied change as `key -> value [old]`
func (c Change) String() string {
	return fmt.Sprintf("%s -> %s [%s]", c.Key, c.Value, c.Old)
}

// Result partitions the requested overrides. Nothing is dropped silently.
type Result struct {
	Applied  []Change
	Rejected []Change
	// TemplateCreated is set when the template was seeded from server.properties
	TemplateCreated bool
}

// AppliedMap returns the applied overrides keyed by property name
func (r *Result) AppliedMap() map[string]string {
	applied := make(map[string]string, len(r.Applied))
	for _, change := range r.Applied {
		applied[change.Key] = change.Value
	}
	return applied
}

// Apply regenerates serverDir/server.properties from the template with overrides applied.
// Keys missing from the template are rejected.
func Apply(serverDir string, overrides map[string]string) (*Result, error) {
	propertiesPath := filepath.Join(serverDir, FileName)
	templatePath := filepath.Join(serverDir, TemplateName)
	result := &Result{}

	if _, err := os.Stat(templatePath); errors.Is(err, os.ErrNotExist) {
		if _, err := os.Stat(propertiesPath); err != nil {
			return nil, ErrNoProperties
		}
		if err := copyFile(propertiesPath, templatePath); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", TemplateName, err)
		}
		result.TemplateCreated = true
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", TemplateName, err)
	}

	loader := properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	props, err := loader.LoadFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", TemplateName, err)
	}

	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := overrides[key]
		old, ok := props.Get(key)
		if !ok {
			result.Rejected = append(result.Rejected, Change{Key: key, Value: value})
			continue
		}
		if _, _, err := props.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", key, err)
		}
		result.Applied = append(result.Applied, Change{Key: key, Value: value, Old: old})
	}

	if err := write(propertiesPath, props); err != nil {
		return nil, err
	}
	return result, nil
}

func write(path string, props *properties.Properties) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+FileName+".*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", FileName, err)
	}
	tmpPath := tmp.Name()

	_, err = props.WriteComment(tmp, "# ", properties.UTF8)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", FileName, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
