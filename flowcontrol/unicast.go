package flowcontrol

// Unicast follows the single receiver of a unicast channel. The limit never moves back.
type Unicast struct {
	limit         int64
	initialWindow int
}

// NewUnicast creates a unicast strategy.
func NewUnicast(p Params) *Unicast {
	return &Unicast{
		limit:         p.InitialPosition + int64(p.InitialWindow),
		initialWindow: p.InitialWindow,
	}
}

// OnStatusMessage implements Strategy.
func (u *Unicast) OnStatusMessage(_ int64, position int64, window int32, _ int64) int64 {
	if proposed := position + int64(window); proposed > u.limit {
		u.limit = proposed
	}
	return u.limit
}

// InitialWindowLength implements Strategy.
func (u *Unicast) InitialWindowLength(mtu int) int {
	return initialWindow(u.initialWindow, mtu)
}

// OnIdle implements Strategy.
func (u *Unicast) OnIdle(int64) int64 {
	return u.limit
}

// Limit implements Strategy.
func (u *Unicast) Limit() int64 {
	return u.limit
}
