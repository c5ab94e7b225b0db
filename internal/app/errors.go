package app

import "fmt"

// DomainError is a failure surfaced to clients. Status is the HTTP status
// to answer with; Code is the stable error class (VALIDATION_ERROR,
// SAVE_ERROR, CHANNEL_ERROR, RESTORE_ERROR, NOT_FOUND) and travels
// unchanged in websocket error frames; Details carries optional structured
// context, e.g. the offending history index on a failed restore.
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
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}
