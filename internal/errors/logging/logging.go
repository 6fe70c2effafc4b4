// Package logging renders AppErrors as structured log entries.
package logging

import (
	"context"
	stdErrors "errors"
	"sort"

	apperrors "relupd/internal/errors"
	"relupd/internal/logger"
)

// Log records msg for appErr. Cancelled and Busy are expected outcomes of a
// run and are logged as warnings; everything else is an error.
func Log(ctx context.Context, log logger.Logger, msg string, appErr *apperrors.AppError) {
	if log == nil {
		return
	}
	if appErr == nil {
		log.ErrorContext(ctx, msg)
		return
	}

	switch appErr.Code {
	case apperrors.CodeCancelled, apperrors.CodeBusy:
		log.WarnContext(ctx, msg, Fields(appErr)...)
	default:
		log.ErrorContext(ctx, msg, Fields(appErr)...)
	}
}

// Fields converts appErr into logger fields: code, category, where it was
// raised, the innermost cause, then metadata in key order. Metadata keys
// that collide with these are prefixed with "meta.".
func Fields(appErr *apperrors.AppError) []logger.Field {
	if appErr == nil {
		return nil
	}

	fields := make([]logger.Field, 0, len(appErr.Metadata)+5)
	fields = append(fields,
		logger.String("code", appErr.Code),
		logger.String("category", string(appErr.Category)),
	)
	if where := origin(appErr); where != "" {
		fields = append(fields, logger.String("at", where))
	}
	if appErr.Err != nil {
		fields = append(fields, logger.String("cause", rootCause(appErr.Err).Error()))
	}
	if appErr.Recoverable {
		fields = append(fields, logger.Any("recoverable", true))
	}

	keys := make([]string, 0, len(appErr.Metadata))
	for k := range appErr.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := k
		switch k {
		case "code", "category", "at", "cause", "recoverable":
			name = "meta." + k
		}
		fields = append(fields, logger.Any(name, appErr.Metadata[k]))
	}
	return fields
}

// origin renders module.Operation, or whichever half is set.
func origin(appErr *apperrors.AppError) string {
	switch {
	case appErr.Module != "" && appErr.Operation != "":
		return appErr.Module + "." + appErr.Operation
	case appErr.Module != "":
		return appErr.Module
	default:
		return appErr.Operation
	}
}

// rootCause follows Unwrap to the innermost error.
func rootCause(err error) error {
	for {
		next := stdErrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
