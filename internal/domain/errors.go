package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrAdmissionDenied       = fmt.Errorf("admission denied by rate limit")
	ErrToolNotFound          = fmt.Errorf("tool not found")
	ErrToolValidation        = fmt.Errorf("tool arguments failed validation")
	ErrToolFailure           = fmt.Errorf("tool execution failed")
	ErrToolTimeout           = fmt.Errorf("tool execution timed out")
	ErrMaxIterations         = fmt.Errorf("orchestrator reached max iterations")
	ErrThreadNotFound        = fmt.Errorf("thread not found")
	ErrCheckpointUnavailable = fmt.Errorf("checkpoint store unavailable")
	ErrTurnAborted           = fmt.Errorf("turn aborted by caller")
	ErrTurnSuspended         = fmt.Errorf("turn suspended awaiting decision")
	ErrEmbeddingFailed       = fmt.Errorf("embedding generation failed")
	ErrVectorSearch          = fmt.Errorf("vector search failed")
	ErrLexicalSearch         = fmt.Errorf("lexical search failed")
	ErrCorpusStore           = fmt.Errorf("corpus store operation failed")
	ErrConfigLoad            = fmt.Errorf("failed to load configuration")
	ErrProviderRateLimit     = fmt.Errorf("provider rate limit exceeded")
	ErrProviderAuth          = fmt.Errorf("provider authentication failed")
	ErrContextOverflow       = fmt.Errorf("context window exceeded")
	ErrProviderUnavailable   = fmt.Errorf("provider unavailable")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Orchestrator.HandleTurn")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown               ErrorCode = "UNKNOWN"
	CodeAdmissionDenied       ErrorCode = "ADMISSION_DENIED"
	CodeToolNotFound          ErrorCode = "TOOL_NOT_FOUND"
	CodeToolValidation        ErrorCode = "TOOL_VALIDATION"
	CodeToolFailure           ErrorCode = "TOOL_FAILURE"
	CodeToolTimeout           ErrorCode = "TOOL_TIMEOUT"
	CodeMaxIterations         ErrorCode = "MAX_ITERATIONS"
	CodeThreadNotFound        ErrorCode = "THREAD_NOT_FOUND"
	CodeCheckpointUnavailable ErrorCode = "CHECKPOINT_UNAVAILABLE"
	CodeTurnAborted           ErrorCode = "TURN_ABORTED"
	CodeTurnSuspended         ErrorCode = "TURN_SUSPENDED"
	CodeEmbeddingFailed       ErrorCode = "EMBEDDING_FAILED"
	CodeVectorSearch          ErrorCode = "VECTOR_SEARCH"
	CodeLexicalSearch         ErrorCode = "LEXICAL_SEARCH"
	CodeCorpusStore           ErrorCode = "CORPUS_STORE"
	CodeConfigLoad            ErrorCode = "CONFIG_LOAD"
	CodeProviderRateLimit     ErrorCode = "PROVIDER_RATE_LIMIT"
	CodeProviderAuth          ErrorCode = "PROVIDER_AUTH"
	CodeContextOverflow       ErrorCode = "CONTEXT_OVERFLOW"
	CodeProviderUnavailable   ErrorCode = "PROVIDER_UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrAdmissionDenied:       CodeAdmissionDenied,
	ErrToolNotFound:          CodeToolNotFound,
	ErrToolValidation:        CodeToolValidation,
	ErrToolFailure:           CodeToolFailure,
	ErrToolTimeout:           CodeToolTimeout,
	ErrMaxIterations:         CodeMaxIterations,
	ErrThreadNotFound:        CodeThreadNotFound,
	ErrCheckpointUnavailable: CodeCheckpointUnavailable,
	ErrTurnAborted:           CodeTurnAborted,
	ErrTurnSuspended:         CodeTurnSuspended,
	ErrEmbeddingFailed:       CodeEmbeddingFailed,
	ErrVectorSearch:          CodeVectorSearch,
	ErrLexicalSearch:         CodeLexicalSearch,
	ErrCorpusStore:           CodeCorpusStore,
	ErrConfigLoad:            CodeConfigLoad,
	ErrProviderRateLimit:     CodeProviderRateLimit,
	ErrProviderAuth:          CodeProviderAuth,
	ErrContextOverflow:       CodeContextOverflow,
	ErrProviderUnavailable:   CodeProviderUnavailable,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
