// Package stats provides pure statistics helpers over (x, y) point series.
// Series are expected to be sorted ascending by X; X is a unix timestamp and
// Y a cumulative count.
package stats

import (
	"math"
)

// SecondsPerDay converts between unix timestamps and day-based windows.
const SecondsPerDay = 60 * 60 * 24

// extrapolationPoints is how far back from the last point the trailing
// linear extrapolation reaches.
const extrapolationPoints = 9

// minInterpolatableLen guards interpolation against nearly empty series.
const minInterpolatableLen = 10

// Point is a single sample of a time series.
type Point struct {
	X int64   `json:"x"`
	Y float64 `json:"y"`
}

// Bounds describes the envelope of a series.
type Bounds struct {
	First Point
	Last  Point
	MinX  int64
	MaxX  int64
	MinY  float64
	MaxY  float64
}

// GetBounds scans the series once and returns its envelope plus a monotonic
// flag: true when the extremes coincide with the first and last points. The
// caller decides whether a non-monotonic series is worth logging.
func GetBounds(series []Point) (Bounds, bool) {
	if len(series) == 0 {
		return Bounds{}, true
	}
	b := Bounds{
		First: series[0],
		Last:  series[len(series)-1],
		MinX:  series[0].X,
		MaxX:  series[0].X,
		MinY:  series[0].Y,
		MaxY:  series[0].Y,
	}
	for _, p := range series[1:] {
		if p.X < b.MinX {
			b.MinX = p.X
		}
		if p.X > b.MaxX {
			b.MaxX = p.X
		}
		if p.Y < b.MinY {
			b.MinY = p.Y
		}
		if p.Y > b.MaxY {
			b.MaxY = p.Y
		}
	}
	monotonic := b.MinX == b.First.X && b.MaxX == b.Last.X &&
		b.MinY == b.First.Y && b.MaxY == b.Last.Y
	return b, monotonic
}

// Clip returns the order-preserving subset of series within the given
// bounds. A zero bound is ignored, so Clip(s, left, right, 0, 0) clips on X
// only. The input is never mutated.
func Clip(series []Point, left, right int64, bottom, top float64) []Point {
	out := make([]Point, 0, len(series))
	for _, p := range series {
		if left != 0 && p.X < left {
			continue
		}
		if right != 0 && p.X > right {
			continue
		}
		if bottom != 0 && p.Y < bottom {
			continue
		}
		if top != 0 && p.Y > top {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Slope computes the star growth rate (units/day) of the series within the
// [left, right] window. seriesStart is the X of the series' own first point;
// windows reaching before it are undefined. The second return is false when
// the slope is undefined: window precedes the data, fewer than 2 in-window
// points, window shorter than a day, or in-window delta below 1.
func Slope(series []Point, left, right, seriesStart int64) (float64, bool) {
	if left < seriesStart {
		return 0, false
	}
	window := Clip(series, left, right, 0, 0)
	if len(window) < 2 {
		return 0, false
	}
	b, _ := GetBounds(window)
	// The denominator is the full window span, not the in-window X delta.
	dxDays := float64(right-left) / SecondsPerDay
	dyUnits := b.MaxY - b.MinY
	if dxDays < 1 || dyUnits < 1 {
		return 0, false
	}
	return RoundTo(dyUnits/dxDays, 2), true
}

// InterpolateY estimates Y at x. Samples before the first point return 0;
// samples past the last point are linearly extrapolated from the trailing
// points; in-range samples are linearly interpolated between the bracketing
// pair. Series shorter than 10 points always return 0.
func InterpolateY(series []Point, x int64) float64 {
	if len(series) < minInterpolatableLen {
		return 0
	}
	first := series[0]
	if x <= first.X {
		return 0
	}
	last := series[len(series)-1]
	if x > last.X {
		anchor := series[len(series)-extrapolationPoints]
		return interpolateLinear(anchor, last, x)
	}
	for prevIdx := len(series) - 1; prevIdx >= 0; prevIdx-- {
		prev := series[prevIdx]
		if x > prev.X {
			if prevIdx == len(series)-1 {
				return prev.Y
			}
			return interpolateLinear(prev, series[prevIdx+1], x)
		}
		if x == prev.X {
			return prev.Y
		}
	}
	return -1
}

func interpolateLinear(prev, next Point, x int64) float64 {
	if prev.X == next.X {
		return next.Y
	}
	alpha := float64(x-prev.X) / float64(next.X-prev.X)
	return math.Round(prev.Y*(1-alpha) + next.Y*alpha)
}

// RoundTo rounds n to the given number of decimals.
func RoundTo(n float64, decimals int) float64 {
	factor := math.Pow(10, float64(decimals))
	return math.Round(n*factor) / factor
}
