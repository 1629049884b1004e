package runner

import "fmt"

// CycleError reports a failure inside a single voting cycle. The run loop
// logs it and keeps polling rather than stopping the runner.
type CycleError struct {
	Space string
	Op    string
	Err   error
}

func (e *CycleError) Error() string {
	if e.Space != "" {
		return fmt.Sprintf("space %s: %s: %v", e.Space, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

func (r *Runner) cycleError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CycleError{Space: r.space, Op: op, Err: err}
}
