package layers

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the supported layer geometries.
type Kind string

const (
	// KindPoint renders point features.
	KindPoint Kind = "point"
	// KindLine renders line features.
	KindLine Kind = "line"
	// KindPolygon renders polygon features.
	KindPolygon Kind = "polygon"
	// KindRaster renders raster imagery.
	KindRaster Kind = "raster"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidLayerName indicates that a layer name is empty or exceeds storage bounds.
	ErrInvalidLayerName = errors.New("layers: invalid layer name")
	// ErrUnknownKind indicates an unsupported layer kind value.
	ErrUnknownKind = errors.New("layers: unknown layer kind")
)

// LayerName represents a validated layer identifier.
type LayerName string

// NewLayerName validates raw input and returns a LayerName.
func NewLayerName(rawInput string) (LayerName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLayerName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidLayerName, maxIdentifierLength)
	}
	return LayerName(trimmed), nil
}

// String returns the underlying layer name.
func (n LayerName) String() string {
	return string(n)
}

// ParseKind validates a raw kind value.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindPoint:
		return KindPoint, nil
	case KindLine:
		return KindLine, nil
	case KindPolygon:
		return KindPolygon, nil
	case KindRaster:
		return KindRaster, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
	}
}

// Style captures presentation parameters for a layer.
type Style struct {
	Color string
	Size  float64
}

// Source names the backing dataset for a layer.
type Source struct {
	Table string
	Query string
}

// Extent bounds a layer geographically in degrees.
type Extent struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// TimeSpan bounds a temporal layer, dates formatted as 2006-01-02.
type TimeSpan struct {
	First string
	Last  string
}

// Descriptor is the serializable description of a renderable layer. It is the
// value carried through the event log; turning it into drawable geometry is
// the renderer's concern.
type Descriptor struct {
	Kind     Kind
	Name     string
	Style    Style
	Source   Source
	Extent   Extent
	TimeSpan TimeSpan
}

// Validate reports whether the descriptor can be published.
func (d Descriptor) Validate() error {
	if _, err := NewLayerName(d.Name); err != nil {
		return err
	}
	if _, err := ParseKind(string(d.Kind)); err != nil {
		return err
	}
	return nil
}

// Identity reduces the descriptor to the fields that identify a layer in a
// scene. Remove operations serialize only this reduced form.
func (d Descriptor) Identity() Descriptor {
	return Descriptor{
		Kind:   d.Kind,
		Name:   d.Name,
		Source: Source{Table: d.Source.Table},
	}
}

// Key returns the string under which a scene tracks the layer.
func (d Descriptor) Key() string {
	return d.Name + "|" + d.Source.Table
}

// AnimationSettings carries the parameters of a temporal animation.
type AnimationSettings struct {
	Speed         float64
	Accumulate    bool
	DateTimeStep  bool
	TimeWindow    bool
	NumDaysToShow int
}

// MovieClip positions a movie quad in the scene.
type MovieClip struct {
	Position Vec3
	Width    Vec3
	Height   Vec3
	Path     string
}
