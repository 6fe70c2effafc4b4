package errors

import "time"

// New creates a generic AppError with the supplied metadata.
func New(code string, category ErrorCategory, message string, err error) *AppError {
	return &AppError{
		Code:      code,
		Category:  category,
		Message:   message,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// NewRecoverable creates an AppError flagged as recoverable.
func NewRecoverable(code string, category ErrorCategory, message string, err error) *AppError {
	return New(code, category, message, err).WithRecoverable(true)
}

// SystemError creates a SYSTEM category error instance.
func SystemError(code, message string, err error) *AppError {
	return New(code, ErrCategorySystem, message, err)
}

// NetworkError creates a NETWORK category error instance.
func NetworkError(code, message string, err error) *AppError {
	return NewRecoverable(code, ErrCategoryNetwork, message, err)
}

// ConfigError creates a CONFIG category error instance.
func ConfigError(code, message string, err error) *AppError {
	return New(code, ErrCategoryConfig, message, err)
}

// ValidationError creates a VALIDATION category error instance.
func ValidationError(code, message string, err error) *AppError {
	return New(code, ErrCategoryValidation, message, err)
}

// IntegrityError creates an INTEGRITY category error instance.
func IntegrityError(code, message string, err error) *AppError {
	return New(code, ErrCategoryIntegrity, message, err)
}

// ArchiveError creates an ARCHIVE category error instance.
func ArchiveError(code, message string, err error) *AppError {
	return New(code, ErrCategoryArchive, message, err)
}

// DatabaseError creates a DATABASE category error instance.
func DatabaseError(code, message string, err error) *AppError {
	return New(code, ErrCategoryDatabase, message, err)
}

// IOError creates an IoError in the SYSTEM category.
func IOError(message string, err error) *AppError {
	return New(CodeIoError, ErrCategorySystem, message, err)
}
