package errors

// ErrorCategory groups related update errors for unified handling.
type ErrorCategory string

const (
	ErrCategorySystem     ErrorCategory = "SYSTEM"
	ErrCategoryNetwork    ErrorCategory = "NETWORK"
	ErrCategoryConfig     ErrorCategory = "CONFIG"
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryIntegrity  ErrorCategory = "INTEGRITY"
	ErrCategoryArchive    ErrorCategory = "ARCHIVE"
	ErrCategoryDatabase   ErrorCategory = "DATABASE"
)
