package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrUndeclaredOperator   = errors.New("undeclared operator")
	ErrStagePosition        = errors.New("stage operator must be last in graph")
	ErrNoConnector          = errors.New("no connector for source")
	ErrUnknownFilterOp      = errors.New("unknown filter op")
	ErrUnknownTransformKind = errors.New("unknown transform kind")
	ErrUnknownOperatorType  = errors.New("unknown operator type")
	ErrMissingProperty      = errors.New("missing property")
	ErrInvalidProperty      = errors.New("invalid property")
	ErrNoStorage            = errors.New("no storage configured")
)

// OperatorError identifies the operator whose run aborted the pipeline.
type OperatorError struct {
	Name string
	Type string
	Err  error
}

func (e *OperatorError) Error() string {
	return fmt.Sprintf("operator %s (%s): %v", e.Name, e.Type, e.Err)
}

func (e *OperatorError) Unwrap() error { return e.Err }

// propertyError reads as its message and matches ErrMissingProperty.
type propertyError struct {
	msg string
}

func (e propertyError) Error() string { return e.msg }

func (e propertyError) Is(target error) bool { return target == ErrMissingProperty }

func requires(msg string) error {
	return propertyError{msg: msg}
}
