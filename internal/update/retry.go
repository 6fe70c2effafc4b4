package update

import (
	"context"
	stdErrors "errors"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "relupd/internal/errors"
	"relupd/internal/logger"
)

// clearDestination removes a stale file at path so the download can create
// it exclusively. Removal is attempted up to u.deleteAttempts times with a
// constant pause, since the file may be briefly held by another process.
// A permission error ends the loop at once.
func (u *Updater) clearDestination(ctx context.Context, path string) error {
	attempts := 0
	op := func() error {
		attempts++
		err := u.remove(path)
		if err == nil || stdErrors.Is(err, os.ErrNotExist) {
			return nil
		}
		if stdErrors.Is(err, os.ErrPermission) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		u.log.WarnContext(ctx, "destination still locked, retrying",
			logger.String("path", path),
			logger.Int("attempt", attempts),
			logger.Duration("wait", wait),
			logger.Error(err))
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(u.deleteInterval), uint64(u.deleteAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotifyWithTimer(op, policy, notify, u.newTimer())
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperrors.FromContext(ctxErr)
	}

	msg := "destination file is locked"
	if stdErrors.Is(err, os.ErrPermission) {
		msg = "no permission to replace destination file"
	}
	return apperrors.IOError(msg, err).
		WithModule("update").
		WithOperation("clearDestination").
		WithFields(apperrors.Metadata{"path": path, "attempts": attempts})
}
