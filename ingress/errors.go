package ingress

import "errors"

// Failure kinds for the lifecycle manager. Errors returned by Handler
// methods wrap exactly one of these so callers can match with
// errors.Is and derive the process exit status.
var (
	// ErrConfig: a bad configuration value, caught before any kernel
	// interaction.
	ErrConfig = errors.New("configuration error")

	// ErrLoad: the engine or its resources could not be brought up.
	ErrLoad = errors.New("load error")

	// ErrAttach: the engine could not be bound to the interface's
	// ingress path.
	ErrAttach = errors.New("attach error")

	// ErrRuntime: the event poll loop failed.
	ErrRuntime = errors.New("runtime error")
)

// ExitCode maps a lifecycle failure to the process exit status: 0 on a
// clean shutdown, a stable non-zero code per failure kind otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfig):
		return 2
	case errors.Is(err, ErrLoad):
		return 3
	case errors.Is(err, ErrAttach):
		return 4
	case errors.Is(err, ErrRuntime):
		return 5
	}
	return 1
}
