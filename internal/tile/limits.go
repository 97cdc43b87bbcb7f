package tile

// Limits decides which positions exist in the pyramid.
type Limits interface {
	IsValid(p Pos) bool
}

// LimitsFunc adapts a function to Limits.
type LimitsFunc func(p Pos) bool

func (f LimitsFunc) IsValid(p Pos) bool { return f(p) }

// BoxLimits bounds the pyramid by a box of level-0 tile coordinates
// (inclusive on both ends) and a number of levels. A coarser position is valid
// when any part of the space it covers overlaps the box.
type BoxLimits struct {
	Min    [3]int32
	Max    [3]int32
	Levels uint8
}

// NewBoxLimits returns limits covering [min, max] at level 0 with the given level count.
func NewBoxLimits(min, max [3]int32, levels uint8) BoxLimits {
	if levels == 0 {
		levels = 1
	}
	if levels > MaxLevels {
		levels = MaxLevels
	}
	return BoxLimits{Min: min, Max: max, Levels: levels}
}

func (b BoxLimits) IsValid(p Pos) bool {
	if p.Level >= b.Levels {
		return false
	}
	c := [3]int32{p.X, p.Y, p.Z}
	for i := range c {
		if c[i] < b.Min[i]>>p.Level || c[i] > b.Max[i]>>p.Level {
			return false
		}
	}
	return true
}

// TopLevel returns the coarsest valid level.
func (b BoxLimits) TopLevel() uint8 {
	return b.Levels - 1
}
