package core

import "time"

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d has elapsed, on a goroutine of its choosing.
// The controller uses it for the simulated typing delays; tests substitute a
// manual implementation.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// WallClock schedules with time.AfterFunc.
var WallClock Scheduler = wallClock{}
