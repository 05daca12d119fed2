package boundary

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/quakemap/internal/fetcher"
	"github.com/sells-group/quakemap/internal/model"
)

// Source is one overlay entry of a boundaries file.
type Source struct {
	Name      string `yaml:"name"`
	Source    string `yaml:"source"`
	Color     string `yaml:"color"`
	NameField string `yaml:"name_field"`
}

// LoadManifest reads a YAML document with a top-level "boundaries" list.
func LoadManifest(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "boundary: read %s", path)
	}

	var wrapper struct {
		Boundaries []Source `yaml:"boundaries"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "boundary: parse %s", path)
	}
	for i, s := range wrapper.Boundaries {
		if s.Source == "" {
			return nil, eris.Errorf("boundary: entry %d in %s has no source", i, path)
		}
	}
	return wrapper.Boundaries, nil
}

// LoadAll loads every source, clipped to clip when set.
func LoadAll(ctx context.Context, sources []Source, f fetcher.Fetcher, clip *model.Bounds) ([]model.Overlay, error) {
	out := make([]model.Overlay, 0, len(sources))
	for _, s := range sources {
		ov, err := Load(ctx, s.Source, f, Options{
			Name:      s.Name,
			Color:     s.Color,
			NameField: s.NameField,
			Clip:      clip,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "boundary: load %q", s.Source)
		}
		out = append(out, ov)
	}
	return out, nil
}
