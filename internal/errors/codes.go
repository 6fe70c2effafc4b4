package errors

// Error codes surfaced to the presentation layer. Every terminal failure of an
// update attempt carries exactly one of these.
const (
	CodeInvalidFormat            = "InvalidFormat"
	CodeLocalVersionMissing      = "LocalVersionMissing"
	CodeRemoteVersionUnavailable = "RemoteVersionUnavailable"
	CodeNetworkError             = "NetworkError"
	CodeNotFound                 = "NotFound"
	CodeMalformedIndex           = "MalformedIndex"
	CodeChecksumMissing          = "ChecksumMissing"
	CodeChecksumMismatch         = "ChecksumMismatch"
	CodeIoError                  = "IoError"
	CodePathTraversal            = "PathTraversal"
	CodeExtractionError          = "ExtractionError"
	CodeBusy                     = "Busy"
	CodeCancelled                = "Cancelled"
	CodeConfigInvalid            = "ConfigInvalid"
	CodeDatabase                 = "DatabaseError"
)

// Sentinels for errors.Is matching. AppError.Is compares by code, so any
// AppError carrying the same code matches the sentinel.
var (
	ErrInvalidFormat            = &AppError{Code: CodeInvalidFormat, Category: ErrCategoryValidation}
	ErrLocalVersionMissing      = &AppError{Code: CodeLocalVersionMissing, Category: ErrCategorySystem}
	ErrRemoteVersionUnavailable = &AppError{Code: CodeRemoteVersionUnavailable, Category: ErrCategoryNetwork}
	ErrNetwork                  = &AppError{Code: CodeNetworkError, Category: ErrCategoryNetwork}
	ErrNotFound                 = &AppError{Code: CodeNotFound, Category: ErrCategoryNetwork}
	ErrMalformedIndex           = &AppError{Code: CodeMalformedIndex, Category: ErrCategoryValidation}
	ErrChecksumMissing          = &AppError{Code: CodeChecksumMissing, Category: ErrCategoryIntegrity}
	ErrChecksumMismatch         = &AppError{Code: CodeChecksumMismatch, Category: ErrCategoryIntegrity}
	ErrIO                       = &AppError{Code: CodeIoError, Category: ErrCategorySystem}
	ErrPathTraversal            = &AppError{Code: CodePathTraversal, Category: ErrCategoryArchive}
	ErrExtraction               = &AppError{Code: CodeExtractionError, Category: ErrCategoryArchive}
	ErrBusy                     = &AppError{Code: CodeBusy, Category: ErrCategorySystem}
	ErrCancelled                = &AppError{Code: CodeCancelled, Category: ErrCategorySystem}
	ErrConfigInvalid            = &AppError{Code: CodeConfigInvalid, Category: ErrCategoryConfig}
)
