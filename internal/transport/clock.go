package transport

import "time"

// Clock abstracts the backoff sleep so tests can run reconnect loops
// without real delays.
type Clock interface {
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
