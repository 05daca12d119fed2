// Package regions resolves named geographic regions to bounding boxes.
package regions

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/model"
)

// Region is a named bounding box.
type Region struct {
	Name        string       `yaml:"-" json:"name"`
	Description string       `yaml:"description" json:"description,omitempty"`
	Bounds      model.Bounds `yaml:"-" json:"bounds"`
	// BBox is minLon, minLat, maxLon, maxLat.
	BBox []float64 `yaml:"bbox" json:"-"`
	// MinMagnitude overrides the default magnitude threshold when set.
	MinMagnitude *float64 `yaml:"min_magnitude,omitempty" json:"min_magnitude,omitempty"`
	Builtin      bool     `yaml:"-" json:"builtin"`
}

// Registry holds regions by lower-cased name.
type Registry struct {
	byName map[string]Region
}

var builtins = []Region{
	{Name: "world", Description: "Whole globe", Bounds: model.WorldBounds},
	{Name: "australia", Description: "Australian continent and Tasmania", Bounds: model.Bounds{MinLat: -44, MinLon: 112, MaxLat: -10, MaxLon: 154}},
	{Name: "japan", Description: "Japanese archipelago", Bounds: model.Bounds{MinLat: 30, MinLon: 128, MaxLat: 46, MaxLon: 146}},
	{Name: "indonesia", Description: "Indonesian archipelago", Bounds: model.Bounds{MinLat: -11, MinLon: 95, MaxLat: 6, MaxLon: 141}},
	{Name: "new-zealand", Description: "North and South Islands", Bounds: model.Bounds{MinLat: -48, MinLon: 166, MaxLat: -34, MaxLon: 179}},
	{Name: "chile", Description: "Chilean subduction margin", Bounds: model.Bounds{MinLat: -56, MinLon: -76, MaxLat: -17, MaxLon: -66}},
	{Name: "california", Description: "California and the San Andreas system", Bounds: model.Bounds{MinLat: 32, MinLon: -125, MaxLat: 42, MaxLon: -114}},
	{Name: "alaska", Description: "Alaska and the Aleutian arc east of the antimeridian", Bounds: model.Bounds{MinLat: 51, MinLon: -180, MaxLat: 72, MaxLon: -129}},
	{Name: "turkey", Description: "Anatolia", Bounds: model.Bounds{MinLat: 35, MinLon: 25, MaxLat: 43, MaxLon: 45}},
	{Name: "himalaya", Description: "Nepal and the Himalayan front", Bounds: model.Bounds{MinLat: 26, MinLon: 78, MaxLat: 32, MaxLon: 92}},
}

// Builtin returns a registry with the bundled regions.
func Builtin() *Registry {
	r := &Registry{byName: make(map[string]Region, len(builtins))}
	for _, reg := range builtins {
		reg.Builtin = true
		r.byName[reg.Name] = reg
	}
	return r
}

// Load returns the bundled regions overlaid with those defined in the YAML
// file at path. An empty path yields the bundled regions only.
func Load(path string) (*Registry, error) {
	r := Builtin()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "regions: read %s", path)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "regions: %s", path)
	}
	for _, d := range defs {
		r.byName[d.Name] = d
	}
	return r, nil
}

// Parse decodes a document with a top-level "regions" mapping of name to
// definition.
func Parse(data []byte) ([]Region, error) {
	var wrapper struct {
		Regions map[string]Region `yaml:"regions"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "regions: parse yaml")
	}

	out := make([]Region, 0, len(wrapper.Regions))
	for name, reg := range wrapper.Regions {
		reg.Name = strings.ToLower(strings.TrimSpace(name))
		if reg.Name == "" {
			return nil, eris.New("regions: empty region name")
		}
		if len(reg.BBox) != 4 {
			return nil, eris.Errorf("regions: %s: bbox needs 4 values, got %d", reg.Name, len(reg.BBox))
		}
		reg.Bounds = model.Bounds{MinLon: reg.BBox[0], MinLat: reg.BBox[1], MaxLon: reg.BBox[2], MaxLat: reg.BBox[3]}
		if err := reg.Bounds.Validate(); err != nil {
			return nil, eris.Wrapf(err, "regions: %s", reg.Name)
		}
		if reg.MinMagnitude != nil && *reg.MinMagnitude < 0 {
			return nil, eris.Errorf("regions: %s: min_magnitude must be >= 0", reg.Name)
		}
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Lookup finds a region by name, ignoring case.
func (r *Registry) Lookup(name string) (Region, bool) {
	reg, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return reg, ok
}

// List returns every region sorted by name.
func (r *Registry) List() []Region {
	out := make([]Region, 0, len(r.byName))
	for _, reg := range r.byName {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve turns a region name or a "minLon,minLat,maxLon,maxLat" string into
// bounds. Both empty means no spatial filter. Supplying both is an invalid
// query.
func (r *Registry) Resolve(name, bbox string) (*model.Bounds, error) {
	switch {
	case name != "" && bbox != "":
		return nil, apperr.InvalidQuery("regions: use either a region name or a bbox, not both")
	case name != "":
		reg, ok := r.Lookup(name)
		if !ok {
			return nil, apperr.InvalidQuery("regions: unknown region %q", name)
		}
		b := reg.Bounds
		return &b, nil
	case bbox != "":
		b, err := model.ParseBBox(bbox)
		if err != nil {
			return nil, apperr.InvalidQuery("regions: %v", err)
		}
		return &b, nil
	}
	return nil, nil
}
