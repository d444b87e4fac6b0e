package share

// DefaultTarget is the number of shares that completes a token
const DefaultTarget = 1000

// Progress returns the completion percentage of a token, capped at 100
func Progress(found, target int64) int {
	if target <= 0 {
		return 100
	}
	if found <= 0 {
		return 0
	}
	if found >= target {
		return 100
	}
	return int(found * 100 / target)
}

// Complete reports whether found shares reach target
func Complete(found, target int64) bool {
	return found >= target
}

// Receipt is where a token stands after a store took one of its shares
type Receipt struct {
	Found  int64
	Target int64
	// Duplicate means the share was already stored
	Duplicate bool
	// JustCompleted is set only for the share that took the token to its target
	JustCompleted bool
}

// Percent is the token's completion percentage
func (r *Receipt) Percent() int {
	return Progress(r.Found, r.Target)
}

// Completed reports whether the token has reached its target
func (r *Receipt) Completed() bool {
	return Complete(r.Found, r.Target)
}
