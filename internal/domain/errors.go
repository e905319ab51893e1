// Package domain provides core domain models and types for the
// portfolio construction engine.
package domain

import "fmt"

// DataError indicates malformed or missing input data: broken date series,
// dimension mismatches among weights/returns/volumes, or gaps the loader
// cannot repair.
type DataError struct {
	Op  string
	Msg string
	Err error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *DataError) Unwrap() error { return e.Err }

// NumericalError indicates a numerical failure: singular covariance,
// non-positive volatility/tracking-error denominators, or a beta too close
// to zero for a ratio to be meaningful.
type NumericalError struct {
	Op  string
	Msg string
	Err error
}

func (e *NumericalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *NumericalError) Unwrap() error { return e.Err }

// ConstraintInfeasibleError indicates constraint enforcement exhausted its
// iteration budget without reaching a feasible weight vector.
type ConstraintInfeasibleError struct {
	Iterations int
	Violations []string
}

func (e *ConstraintInfeasibleError) Error() string {
	return fmt.Sprintf("constraints infeasible after %d iterations (%d open violations)",
		e.Iterations, len(e.Violations))
}

// ConfigurationError indicates invalid configuration: negative cost
// parameters, non-positive average daily volume, or out-of-range limits.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}
