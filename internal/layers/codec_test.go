package layers

import (
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		descriptor Descriptor
	}{
		{
			name: "point-layer-full",
			descriptor: Descriptor{
				Kind:     KindPoint,
				Name:     "wnv_cases",
				Style:    Style{Color: "#ff0000", Size: 2.5},
				Source:   Source{Table: "cases", Query: "SELECT * FROM cases"},
				Extent:   Extent{MinLon: -114.8, MinLat: 31.3, MaxLon: -109.0, MaxLat: 37.0},
				TimeSpan: TimeSpan{First: "2004-01-01", Last: "2004-12-31"},
			},
		},
		{
			name: "polygon-layer-no-temporal",
			descriptor: Descriptor{
				Kind:   KindPolygon,
				Name:   "counties",
				Style:  Style{Color: "#00ff00", Size: 1},
				Source: Source{Table: "county_shapes"},
			},
		},
		{
			name: "raster-defaults",
			descriptor: Descriptor{
				Kind: KindRaster,
				Name: "basemap",
			},
		},
		{
			name: "line-negative-extent",
			descriptor: Descriptor{
				Kind:   KindLine,
				Name:   "rivers",
				Extent: Extent{MinLon: -180, MinLat: -90, MaxLon: 180, MaxLat: 90},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.descriptor)
			if err != nil {
				t.Fatalf("unexpected encode error: %v", err)
			}
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			if decoded != tt.descriptor {
				t.Fatalf("round trip mismatch:\nwant %#v\ngot  %#v", tt.descriptor, decoded)
			}
		})
	}
}

func TestEncodeRejectsUnknownKind(t *testing.T) {
	_, err := Encode(Descriptor{Kind: "sphere", Name: "x"})
	if err == nil {
		t.Fatalf("expected encode error for unknown kind")
	}
}

func TestDecodeRejectsMalformedDocument(t *testing.T) {
	if _, err := Decode("not xml at all <"); err == nil {
		t.Fatalf("expected decode error for malformed document")
	}
	if _, err := Decode(`<layer type="cube"></layer>`); err == nil {
		t.Fatalf("expected decode error for unknown kind")
	}
	if _, err := Decode(`<layer type="point"><field name="style_size">abc</field></layer>`); err == nil {
		t.Fatalf("expected decode error for non numeric field")
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	document := `<layer type="point"><field name="name">cases</field><field name="future_field">x</field></layer>`
	decoded, err := Decode(document)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.Name != "cases" {
		t.Fatalf("expected name to survive, got %q", decoded.Name)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	full := Descriptor{
		Kind:     KindPoint,
		Name:     "wnv_cases",
		Style:    Style{Color: "#ff0000", Size: 2.5},
		Source:   Source{Table: "cases", Query: "SELECT * FROM cases"},
		TimeSpan: TimeSpan{First: "2004-01-01", Last: "2004-12-31"},
	}

	identity := full.Identity()
	if identity.Style != (Style{}) || identity.Source.Query != "" || identity.TimeSpan != (TimeSpan{}) {
		t.Fatalf("identity should drop non identifying fields: %#v", identity)
	}
	if identity.Key() != full.Key() {
		t.Fatalf("identity must keep the scene key: %q vs %q", identity.Key(), full.Key())
	}

	encoded, err := Encode(identity)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded != identity {
		t.Fatalf("identity round trip mismatch: %#v vs %#v", identity, decoded)
	}
}

func TestEncodedDocumentShape(t *testing.T) {
	encoded, err := Encode(Descriptor{Kind: KindPoint, Name: "cases"})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if !strings.HasPrefix(encoded, `<layer type="point">`) {
		t.Fatalf("unexpected document prefix: %s", encoded)
	}
	if !strings.Contains(encoded, `<field name="name">cases</field>`) {
		t.Fatalf("expected name field in document: %s", encoded)
	}
}

func TestNewLayerName(t *testing.T) {
	if _, err := NewLayerName("  "); err == nil {
		t.Fatalf("expected error for blank name")
	}
	if _, err := NewLayerName(strings.Repeat("a", 191)); err == nil {
		t.Fatalf("expected error for oversized name")
	}
	name, err := NewLayerName(" cases ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name.String() != "cases" {
		t.Fatalf("expected trimmed name, got %q", name.String())
	}
}

func TestVec3RoundTrip(t *testing.T) {
	tests := []Vec3{
		{},
		{X: 1, Y: 2, Z: 3},
		{X: -12.25, Y: 0.5, Z: 1e6},
	}
	for _, vector := range tests {
		parsed, err := ParseVec3(vector.String())
		if err != nil {
			t.Fatalf("unexpected parse error for %q: %v", vector.String(), err)
		}
		if parsed != vector {
			t.Fatalf("round trip mismatch: %#v vs %#v", vector, parsed)
		}
	}
}

func TestParseVec3Rejects(t *testing.T) {
	for _, raw := range []string{"", "1 2", "1 2 3 4", "a b c"} {
		if _, err := ParseVec3(raw); err == nil {
			t.Fatalf("expected parse error for %q", raw)
		}
	}
}
