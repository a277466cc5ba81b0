package library

import (
	"github.com/sasha-s/go-deadlock"
)

// ValidateSaneExecutionTime trips the deadlock detector if the returned
// closure is not called within the detector's window, which catches
// handlers that wedge the dispatch loop.
func ValidateSaneExecutionTime() func() {
	mu := deadlock.Mutex{}
	mu.Lock()
	go func() {
		mu.Lock()
		mu.Unlock()
	}()
	return func() {
		mu.Unlock()
	}
}
