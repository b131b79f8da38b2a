package layers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidVec3 indicates that a stored vector string could not be parsed.
var ErrInvalidVec3 = errors.New("layers: invalid vector")

// Vec3 is a three component vector stored as whitespace separated text, the
// format shared by every node reading the movie payload table.
type Vec3 struct {
	X float64
	Y float64
	Z float64
}

// String renders the vector in its wire form "x y z".
func (v Vec3) String() string {
	return strconv.FormatFloat(v.X, 'g', -1, 64) + " " +
		strconv.FormatFloat(v.Y, 'g', -1, 64) + " " +
		strconv.FormatFloat(v.Z, 'g', -1, 64)
}

// ParseVec3 parses the wire form produced by String.
func ParseVec3(rawInput string) (Vec3, error) {
	parts := strings.Fields(rawInput)
	if len(parts) != 3 {
		return Vec3{}, fmt.Errorf("%w: %q", ErrInvalidVec3, rawInput)
	}
	components := make([]float64, 3)
	for index, part := range parts {
		value, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return Vec3{}, fmt.Errorf("%w: %q", ErrInvalidVec3, rawInput)
		}
		components[index] = value
	}
	return Vec3{X: components[0], Y: components[1], Z: components[2]}, nil
}
