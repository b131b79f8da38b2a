package layers

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

// Field names used in the serialized document. These are shared by every node
// reading the layer payload table and must not change independently.
const (
	fieldName      = "name"
	fieldColor     = "style_color"
	fieldSize      = "style_size"
	fieldTable     = "source_table"
	fieldQuery     = "source_query"
	fieldMinLon    = "extent_min_lon"
	fieldMinLat    = "extent_min_lat"
	fieldMaxLon    = "extent_max_lon"
	fieldMaxLat    = "extent_max_lat"
	fieldTimeFirst = "time_first"
	fieldTimeLast  = "time_last"
)

type xmlField struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlLayer struct {
	XMLName xml.Name   `xml:"layer"`
	Type    string     `xml:"type,attr"`
	Fields  []xmlField `xml:"field"`
}

// Encode serializes a descriptor into its self-describing XML document: a
// type name plus a flat list of named fields.
func Encode(descriptor Descriptor) (string, error) {
	if _, err := ParseKind(string(descriptor.Kind)); err != nil {
		return "", err
	}

	document := xmlLayer{
		Type: string(descriptor.Kind),
		Fields: []xmlField{
			{Name: fieldName, Value: descriptor.Name},
			{Name: fieldColor, Value: descriptor.Style.Color},
			{Name: fieldSize, Value: formatFloat(descriptor.Style.Size)},
			{Name: fieldTable, Value: descriptor.Source.Table},
			{Name: fieldQuery, Value: descriptor.Source.Query},
			{Name: fieldMinLon, Value: formatFloat(descriptor.Extent.MinLon)},
			{Name: fieldMinLat, Value: formatFloat(descriptor.Extent.MinLat)},
			{Name: fieldMaxLon, Value: formatFloat(descriptor.Extent.MaxLon)},
			{Name: fieldMaxLat, Value: formatFloat(descriptor.Extent.MaxLat)},
			{Name: fieldTimeFirst, Value: descriptor.TimeSpan.First},
			{Name: fieldTimeLast, Value: descriptor.TimeSpan.Last},
		},
	}

	encoded, err := xml.Marshal(document)
	if err != nil {
		return "", fmt.Errorf("layers: encode failed: %w", err)
	}
	return string(encoded), nil
}

// Decode parses a document produced by Encode. Unknown field names are
// ignored so newer writers remain readable.
func Decode(data string) (Descriptor, error) {
	var document xmlLayer
	if err := xml.Unmarshal([]byte(data), &document); err != nil {
		return Descriptor{}, fmt.Errorf("layers: decode failed: %w", err)
	}

	kind, err := ParseKind(document.Type)
	if err != nil {
		return Descriptor{}, err
	}

	descriptor := Descriptor{Kind: kind}
	for _, field := range document.Fields {
		switch field.Name {
		case fieldName:
			descriptor.Name = field.Value
		case fieldColor:
			descriptor.Style.Color = field.Value
		case fieldSize:
			if descriptor.Style.Size, err = parseFloat(field); err != nil {
				return Descriptor{}, err
			}
		case fieldTable:
			descriptor.Source.Table = field.Value
		case fieldQuery:
			descriptor.Source.Query = field.Value
		case fieldMinLon:
			if descriptor.Extent.MinLon, err = parseFloat(field); err != nil {
				return Descriptor{}, err
			}
		case fieldMinLat:
			if descriptor.Extent.MinLat, err = parseFloat(field); err != nil {
				return Descriptor{}, err
			}
		case fieldMaxLon:
			if descriptor.Extent.MaxLon, err = parseFloat(field); err != nil {
				return Descriptor{}, err
			}
		case fieldMaxLat:
			if descriptor.Extent.MaxLat, err = parseFloat(field); err != nil {
				return Descriptor{}, err
			}
		case fieldTimeFirst:
			descriptor.TimeSpan.First = field.Value
		case fieldTimeLast:
			descriptor.TimeSpan.Last = field.Value
		}
	}

	return descriptor, nil
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'g', -1, 64)
}

func parseFloat(field xmlField) (float64, error) {
	if field.Value == "" {
		return 0, nil
	}
	value, err := strconv.ParseFloat(field.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("layers: field %s is not numeric: %w", field.Name, err)
	}
	return value, nil
}
