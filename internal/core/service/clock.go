package service

import "time"

// Clock creates the call timers. Tests replace it to fire timers by hand.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type timerPurpose int

const (
	ringingTimer timerPurpose = iota
	connectingTimer
)

func (p timerPurpose) String() string {
	if p == ringingTimer {
		return "ringing"
	}
	return "connecting"
}

// timerHandle is the single owned timer of one purpose. A zero id means
// disarmed.
type timerHandle struct {
	id    uint64
	timer Timer
}
