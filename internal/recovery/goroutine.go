package recovery

import (
	"runtime/debug"

	"github.com/rs/zerolog"
)

// SafeGo runs fn in a goroutine with panic recovery, so a fire-and-forget
// task cannot take the daemon down. The panic and stack are logged.
func SafeGo(logger zerolog.Logger, name string, fn func()) {
	go Run(logger, name, fn)
}

// Run executes fn on the calling goroutine with the same recovery as SafeGo.
// It returns true when fn completed without panicking.
func Run(logger zerolog.Logger, name string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("task", name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")
			ok = false
		}
	}()
	fn()
	return true
}

// SafeGoWithCleanup is SafeGo with a cleanup hook that runs whether or not
// fn panicked.
func SafeGoWithCleanup(logger zerolog.Logger, name string, fn func(), cleanup func()) {
	go func() {
		if cleanup != nil {
			defer cleanup()
		}
		Run(logger, name, fn)
	}()
}
