package trace

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	_ "modernc.org/sqlite"
)

// ParseGeoJSON extracts one trace per LineString (or MultiLineString member)
// from a GeoJSON geometry, feature or feature collection. Trace ids are
// derived from idPrefix and the feature "id" when present.
func ParseGeoJSON(idPrefix string, data []byte) ([]*Trace, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}

	var out []*Trace
	add := func(id string, g orb.Geometry) {
		switch v := g.(type) {
		case orb.LineString:
			out = append(out, New(id, v))
		case orb.MultiLineString:
			for i, ls := range v {
				out = append(out, New(fmt.Sprintf("%s.%d", id, i), ls))
			}
		}
	}

	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("parse feature collection: %w", err)
		}
		for i, f := range fc.Features {
			add(featureID(idPrefix, i, f), f.Geometry)
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("parse feature: %w", err)
		}
		add(featureID(idPrefix, 0, f), f.Geometry)
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("parse geometry: %w", err)
		}
		add(idPrefix, g.Geometry())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no line geometry in %s", idPrefix)
	}
	return out, nil
}

func featureID(prefix string, i int, f *geojson.Feature) string {
	if f.ID != nil {
		return fmt.Sprintf("%s/%v", prefix, f.ID)
	}
	return fmt.Sprintf("%s/%d", prefix, i)
}

// ParseJSONPath extracts traces from arbitrary JSON. The selector must match
// one or more arrays of [lon, lat] pairs, e.g. "$.rides[*].coords".
func ParseJSONPath(idPrefix string, data []byte, selector string) ([]*Trace, error) {
	x, err := jp.ParseString(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", selector, err)
	}
	doc, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}

	var out []*Trace
	for i, match := range x.Get(doc) {
		arr, ok := match.([]any)
		if !ok {
			return nil, fmt.Errorf("match %d of '%s' is not an array", i, selector)
		}
		ls := make(orb.LineString, 0, len(arr))
		for j, raw := range arr {
			p, err := toPoint(raw)
			if err != nil {
				return nil, fmt.Errorf("match %d point %d: %w", i, j, err)
			}
			ls = append(ls, p)
		}
		out = append(out, New(fmt.Sprintf("%s/%d", idPrefix, i), ls))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("jsonpath '%s' matched nothing", selector)
	}
	return out, nil
}

func toPoint(v any) (orb.Point, error) {
	pair, ok := v.([]any)
	if !ok || len(pair) < 2 {
		return orb.Point{}, fmt.Errorf("expected [lon, lat], got %T", v)
	}
	lon, err := toFloat(pair[0])
	if err != nil {
		return orb.Point{}, err
	}
	lat, err := toFloat(pair[1])
	if err != nil {
		return orb.Point{}, err
	}
	return orb.Point{lon, lat}, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// LoadFile reads traces from a GeoJSON file, or from any JSON file when a
// JSONPath selector is given.
func LoadFile(path, selector string) ([]*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if selector != "" {
		return ParseJSONPath(id, data, selector)
	}
	return ParseGeoJSON(id, data)
}

// StreamSQLite iterates over the traces table of a SQLite database
// (id TEXT, geojson TEXT), calling fn for each trace. Only one row is parsed
// at a time.
func StreamSQLite(dbPath string, fn func(t *Trace) error) error {
	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	defer func() { _ = db.Close() }() // safe to ignore

	rows, err := db.Query("SELECT id, geojson FROM traces ORDER BY id")
	if err != nil {
		return fmt.Errorf("query traces: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		traces, err := ParseGeoJSON(id, []byte(raw))
		if err != nil {
			return fmt.Errorf("trace %s: %w", id, err)
		}
		for _, t := range traces {
			if err := fn(t); err != nil {
				return err
			}
		}
	}
	return rows.Err()
}
