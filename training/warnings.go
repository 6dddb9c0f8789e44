package training

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	warnMu      sync.Mutex
	warnHandler = func(msg string) {
		hclog.Default().Warn(msg)
	}
)

// Warn emits a non-fatal warning through the process-wide handler.
func Warn(msg string) {
	warnMu.Lock()
	h := warnHandler
	warnMu.Unlock()
	h(msg)
}

// Warnf is Warn with formatting.
func Warnf(format string, args ...any) {
	Warn(fmt.Sprintf(format, args...))
}

// SetWarnHandler replaces the warning handler and returns the previous one.
func SetWarnHandler(h func(msg string)) func(msg string) {
	warnMu.Lock()
	defer warnMu.Unlock()
	prev := warnHandler
	warnHandler = h
	return prev
}
