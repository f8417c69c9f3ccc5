package ocr

import "math"

// Width of the box, zero for inverted boxes.
func (b BoundingBox) Width() float64 { return math.Max(0, b.X2-b.X1) }

// Height of the box, zero for inverted boxes.
func (b BoundingBox) Height() float64 { return math.Max(0, b.Y2-b.Y1) }

// Area of the box.
func (b BoundingBox) Area() float64 { return b.Width() * b.Height() }

// IsEmpty reports whether the box has no area.
func (b BoundingBox) IsEmpty() bool { return b.Area() <= 0 }

// Intersect returns the overlapping box, which may be empty.
func (b BoundingBox) Intersect(o BoundingBox) BoundingBox {
	return BoundingBox{
		X1: math.Max(b.X1, o.X1),
		Y1: math.Max(b.Y1, o.Y1),
		X2: math.Min(b.X2, o.X2),
		Y2: math.Min(b.Y2, o.Y2),
	}
}

// Union returns the smallest box covering both boxes. An empty receiver is
// ignored so Union can be folded from the zero value.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	if b.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return b
	}
	return BoundingBox{
		X1: math.Min(b.X1, o.X1),
		Y1: math.Min(b.Y1, o.Y1),
		X2: math.Max(b.X2, o.X2),
		Y2: math.Max(b.Y2, o.Y2),
	}
}

// IoU is the intersection-over-union of two boxes. It is symmetric, 1 for
// identical non-empty boxes and 0 for disjoint or degenerate ones.
func IoU(a, b BoundingBox) float64 {
	inter := a.Intersect(b).Area()
	if inter <= 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return Clamp01(inter / union)
}
