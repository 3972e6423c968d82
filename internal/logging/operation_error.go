package logging

import "fmt"

// OperationError tags a failure with the store, cache or collaborator call
// that produced it and the animal being processed. AnimalID is empty for
// calls that are not about one animal, such as health pings.
type OperationError struct {
	Operation string
	AnimalID  string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.AnimalID != "" {
		return fmt.Sprintf("%s (animal_id=%s): %v", e.Operation, e.AnimalID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError returns nil for a nil err so call sites can wrap
// unconditionally.
func NewOperationError(operation, animalID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, AnimalID: animalID, Err: err}
}
