package detection

import (
	"fmt"

	"proctor/internal/pipeline"
)

// Helpers for reading google.protobuf.Struct payloads, where every number
// arrives as float64.

func getFloat(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func getBool(m map[string]any, key string) (bool, bool) {
	v, ok := m[key].(bool)
	return v, ok
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getList(m map[string]any, key string) []any {
	if v, ok := m[key].([]any); ok {
		return v
	}
	return nil
}

func getMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func decodeBBox(v any) (pipeline.BBox, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return pipeline.BBox{}, fmt.Errorf("bbox is %T, want object", v)
	}
	return pipeline.BBox{
		X: int(getFloat(m, "x")),
		Y: int(getFloat(m, "y")),
		W: int(getFloat(m, "w")),
		H: int(getFloat(m, "h")),
	}, nil
}

func encodeBBox(b pipeline.BBox) map[string]any {
	return map[string]any{"x": b.X, "y": b.Y, "w": b.W, "h": b.H}
}

// decodePoints reads [[x, y], ...]
func decodePoints(list []any) []pipeline.Point {
	if len(list) == 0 {
		return nil
	}
	points := make([]pipeline.Point, 0, len(list))
	for _, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) < 2 {
			continue
		}
		x, _ := pair[0].(float64)
		y, _ := pair[1].(float64)
		points = append(points, pipeline.Point{X: x, Y: y})
	}
	return points
}

func encodePoints(points []pipeline.Point) []any {
	out := make([]any, 0, len(points))
	for _, p := range points {
		out = append(out, []any{p.X, p.Y})
	}
	return out
}
