package raster

import (
	"fmt"
	"image/color"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules drives classification: the area threshold and which tag
// key/values exclude a building from normal rendering.
type Rules struct {
	// AreaThresholdM2 is the geodesic area below which a building
	// classifies as below-area-threshold.
	AreaThresholdM2 float64 `yaml:"area_threshold_m2"`

	// Exclude maps tag keys to excluded values. An empty value list
	// excludes any building carrying the key; "*" matches any value.
	Exclude map[string][]string `yaml:"exclude,omitempty"`

	// Colors optionally overrides the rendered color per class name.
	// Classes keep their fixed order; only the color changes.
	Colors map[string]string `yaml:"colors,omitempty"`
}

// DefaultRules returns rules with the given area threshold and no
// tag exclusions.
func DefaultRules(areaThresholdM2 float64) *Rules {
	return &Rules{AreaThresholdM2: areaThresholdM2}
}

// LoadRules reads a rules YAML file. A zero area threshold in the file
// falls back to the given default.
func LoadRules(path string, defaultThresholdM2 float64) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
	}
	if r.AreaThresholdM2 == 0 {
		r.AreaThresholdM2 = defaultThresholdM2
	}
	return &r, nil
}

// Excluded checks the building's tags against the exclusion rules.
func (r *Rules) Excluded(tags map[string]string) bool {
	if len(r.Exclude) == 0 {
		return false
	}
	for key, values := range r.Exclude {
		tagValue, ok := tags[key]
		if !ok {
			continue
		}
		if len(values) == 0 {
			return true
		}
		for _, v := range values {
			if v == tagValue || v == "*" {
				return true
			}
		}
	}
	return false
}

// Palette maps classes to rendered colors. Index-based and total, so
// repeated runs on unchanged input are byte-identical.
type Palette [NumClasses]color.NRGBA

// DefaultPalette returns the built-in color table.
func DefaultPalette() Palette {
	return Palette{
		ClassUnclassified:       {R: 128, G: 128, B: 128, A: 255},
		ClassNormal:             {R: 0, G: 255, B: 0, A: 255},
		ClassBelowAreaThreshold: {R: 255, G: 200, B: 0, A: 255},
		ClassExcludedTags:       {R: 255, G: 0, B: 0, A: 255},
	}
}

// For returns the color for a class; out-of-range classes render as
// unclassified.
func (p Palette) For(c Class) color.NRGBA {
	if c < 0 || c >= NumClasses {
		return p[ClassUnclassified]
	}
	return p[c]
}

// PaletteFromRules applies color overrides from the rules file to the
// default palette.
func PaletteFromRules(r *Rules) (Palette, error) {
	p := DefaultPalette()
	for name, hex := range r.Colors {
		class, ok := classByName(name)
		if !ok {
			return p, fmt.Errorf("unknown class %q in colors", name)
		}
		c, err := ParseHexColor(hex)
		if err != nil {
			return p, fmt.Errorf("class %q: %w", name, err)
		}
		p[class] = c
	}
	return p, nil
}

func classByName(name string) (Class, bool) {
	for c := Class(0); c < NumClasses; c++ {
		if c.String() == name {
			return c, true
		}
	}
	return ClassUnclassified, false
}

// ParseHexColor parses "#rrggbb" into an opaque color.
func ParseHexColor(s string) (color.NRGBA, error) {
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid hex color %q: %w", s, err)
	}
	return color.NRGBA{R: r, G: g, B: b, A: 255}, nil
}
