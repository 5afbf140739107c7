package app

import "fmt"

// DomainError is a client-visible failure with a stable machine code, such as
// EXAM_EXISTS or PERMISSION_DENIED. Workflow errors carry their own types and
// are translated in mapError; DomainError covers everything raised directly
// by the service layer.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
