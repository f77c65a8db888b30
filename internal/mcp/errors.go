package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rpggio/storyloom/internal/domain/chat"
	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/domain/screenplay"
	"github.com/rpggio/storyloom/internal/domain/session"
	"github.com/rpggio/storyloom/internal/provider"
)

// Error codes returned in tool error results.
const (
	CodeProjectNotFound     = "PROJECT_NOT_FOUND"
	CodeChatNotFound        = "CHAT_NOT_FOUND"
	CodeSchemaViolation     = "SCHEMA_VIOLATION"
	CodeCapacityExceeded    = "CAPACITY_EXCEEDED"
	CodePersistenceFailure  = "PERSISTENCE_FAILURE"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeInternal            = "INTERNAL"
)

// APIError represents an MCP error response.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
}

// Error renders the error as JSON so clients can read the code from the
// tool result text.
func (e *APIError) Error() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(data)
}

// MapError maps domain errors to MCP error codes. Unrecognized errors get
// fallbackCode.
func MapError(err error, fallbackCode string) *APIError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, project.ErrProjectNotFound):
		return &APIError{Code: CodeProjectNotFound, Message: msg, RecoveryHint: "Call list_projects to find the project ID"}
	case errors.Is(err, chat.ErrChatNotFound):
		return &APIError{Code: CodeChatNotFound, Message: msg, RecoveryHint: "Run the stage once in this process to start its chat"}
	case errors.Is(err, provider.ErrSchemaViolation):
		return &APIError{Code: CodeSchemaViolation, Message: msg, RecoveryHint: "Retry the step; token usage was recorded"}
	case errors.Is(err, session.ErrCapacityExceeded):
		return &APIError{Code: CodeCapacityExceeded, Message: msg, RecoveryHint: "Check get_budget_report and upload less material"}
	case errors.Is(err, session.ErrPersistence):
		return &APIError{Code: CodePersistenceFailure, Message: msg, RecoveryHint: "The in-memory session changed but was not saved; check the database"}
	case errors.Is(err, chat.ErrCacheUnavailable),
		errors.Is(err, provider.ErrUploadFailed),
		errors.Is(err, provider.ErrChatNotFound):
		return &APIError{Code: CodeProviderUnavailable, Message: msg, RecoveryHint: "Retry later"}
	case errors.Is(err, session.ErrInvalidInput),
		errors.Is(err, session.ErrUnknownStage),
		errors.Is(err, session.ErrNoSources),
		errors.Is(err, session.ErrProjectExists),
		errors.Is(err, project.ErrInvalidInput),
		errors.Is(err, provider.ErrUnsupportedContent),
		errors.Is(err, screenplay.ErrInvalidInput),
		errors.Is(err, screenplay.ErrStepOrder),
		errors.Is(err, screenplay.ErrSceneNotFound),
		errors.Is(err, screenplay.ErrAllScenesWritten):
		return &APIError{Code: CodeInvalidInput, Message: msg}
	}
	if fallbackCode == CodeProviderUnavailable {
		return &APIError{Code: fallbackCode, Message: msg, RecoveryHint: "The provider call failed; retry later"}
	}
	return &APIError{Code: fallbackCode, Message: msg}
}
