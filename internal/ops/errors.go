package ops

import "errors"

// Operation errors.
var (
	// ErrUnknownOperation is returned when an operation name is not in the catalog.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrColumnNotFound is returned when every requested column is absent.
	ErrColumnNotFound = errors.New("column not found")

	// ErrMissingRequiredArg is returned when a required parameter is missing.
	ErrMissingRequiredArg = errors.New("missing required parameter")

	// ErrInvalidArgType is returned when a parameter has the wrong type.
	ErrInvalidArgType = errors.New("invalid parameter type")

	// ErrUnknownArg is returned for parameters the operation does not declare.
	ErrUnknownArg = errors.New("unknown parameter")

	// ErrArity is returned when an operation receives the wrong number of inputs.
	ErrArity = errors.New("wrong number of inputs")

	// ErrNotNumeric is returned when an aggregation has no numeric column to work on.
	ErrNotNumeric = errors.New("no numeric column")
)
