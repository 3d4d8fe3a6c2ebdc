package material

// Cursor selects which unit of a material is visible at a presentation
// time. CTS is the presentation time of the displayed unit, in
// milliseconds; a unit stays visible until CTS plus its duration.
type Cursor struct {
	CTS   float64
	Step  float64
	Index int

	// Durations, if set, overrides Step per index and makes the index wrap.
	Durations []float64

	started bool
}

// tsEpsilon absorbs the rounding of accumulated fractional steps.
const tsEpsilon = 1e-6

func NewCursor(step float64) *Cursor {
	return &Cursor{Step: step, Index: -1}
}

// NewVariableCursor returns a looping cursor over units with individual durations.
func NewVariableCursor(durations []float64) *Cursor {
	return &Cursor{Durations: durations, Index: -1}
}

func (c *Cursor) IsStarted() bool {
	return c.started
}

// Start makes the first unit visible at ts.
func (c *Cursor) Start(ts float64) {
	c.CTS = ts
	c.Index = 0
	c.started = true
}

func (c *Cursor) duration() float64 {
	if n := len(c.Durations); n > 0 {
		return c.Durations[c.Index%n]
	}
	return c.Step
}

// Due reports whether the displayed unit has expired by ts.
func (c *Cursor) Due(ts float64) bool {
	d := c.duration()
	if d <= 0 {
		return false
	}
	return c.CTS+d <= ts+tsEpsilon
}

// Advance moves to the next unit.
func (c *Cursor) Advance() {
	c.CTS += c.duration()
	c.Index++
	if n := len(c.Durations); n > 0 && c.Index >= n {
		c.Index = 0
	}
}

// CatchUp moves CTS forward without changing the displayed unit, used
// when no new unit is available.
func (c *Cursor) CatchUp(ts float64) {
	d := c.duration()
	if d <= 0 {
		return
	}
	for c.CTS+d <= ts+tsEpsilon {
		c.CTS += d
	}
}

// Resync replaces the step and rebases the clock at ts.
func (c *Cursor) Resync(step, ts float64) {
	c.Step = step
	c.CTS = ts
}

// Reset forgets the displayed unit.
func (c *Cursor) Reset() {
	c.CTS = 0
	c.Index = -1
	c.started = false
}

// Seek advances through expired units, calling next for each one, and
// reports whether the displayed unit changed. It stops early when next
// reports no unit is available.
func (c *Cursor) Seek(ts float64, next func() bool) bool {
	if !c.started {
		if !next() {
			return false
		}
		c.Start(ts)
		return true
	}
	changed := false
	for c.Due(ts) {
		if !next() {
			c.CatchUp(ts)
			break
		}
		c.Advance()
		changed = true
	}
	return changed
}
