// Package update drives one update attempt from version check to install.
package update

import (
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"relupd/internal/downloader"
	apperrors "relupd/internal/errors"
	errlog "relupd/internal/errors/logging"
	"relupd/internal/filelock"
	"relupd/internal/installer"
	"relupd/internal/integrity"
	"relupd/internal/logger"
	"relupd/internal/release"
	"relupd/internal/store"
	"relupd/internal/version"
)

const (
	defaultDeleteAttempts = 10
	defaultDeleteInterval = 500 * time.Millisecond
	defaultSettleDelay    = 2 * time.Second
)

// VersionStore reads and writes the installed version record.
type VersionStore interface {
	Read() (version.Version, error)
	Write(v version.Version) error
}

// ReleaseFinder resolves the newest published release.
type ReleaseFinder interface {
	FindLatest(ctx context.Context) (*release.Release, error)
}

// Fetcher downloads a URL into a new file.
type Fetcher interface {
	Download(ctx context.Context, url, dest string, onProgress downloader.ProgressFunc) error
}

// Extractor installs an archive into a directory.
type Extractor interface {
	Install(ctx context.Context, archivePath, targetDir string, onProgress installer.ProgressFunc) error
}

// Journal records finished attempts.
type Journal interface {
	Record(ctx context.Context, a store.Attempt) error
}

// Dependencies are the collaborators an Updater drives.
type Dependencies struct {
	Versions  VersionStore
	Releases  ReleaseFinder
	Fetcher   Fetcher
	Extractor Extractor
}

// Result is the typed terminal outcome of Run.
type Result struct {
	AttemptID string
	Outcome   Outcome
	State     State
	Local     *version.Version
	Remote    *version.Version
	Err       *apperrors.AppError
}

// Code returns the failure code, or "" when the run did not fail.
func (r Result) Code() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Code
}

// Updater runs update attempts for one install root. Only one attempt runs at
// a time per Updater, and per install root when an install lock is set.
type Updater struct {
	root      string
	deps      Dependencies
	presenter Presenter
	journal   Journal
	log       logger.Logger

	assetPattern   *regexp.Regexp
	deleteAttempts int
	deleteInterval time.Duration
	settleDelay    time.Duration
	timeout        time.Duration
	checkOnly      bool
	keepArchive    bool
	lockPath       string

	newTimer func() backoff.Timer
	now      func() time.Time
	remove   func(string) error
	verify   func(string, integrity.Checksum) error

	running atomic.Bool
	state   State
}

// Option customises Updater construction.
type Option func(*Updater)

// WithPresenter sets the presentation layer.
func WithPresenter(p Presenter) Option {
	return func(u *Updater) {
		u.presenter = p
	}
}

// WithJournal records every finished attempt.
func WithJournal(j Journal) Option {
	return func(u *Updater) {
		u.journal = j
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(u *Updater) {
		u.log = log
	}
}

// WithAssetPattern selects the first asset whose name matches re instead of
// the first asset.
func WithAssetPattern(re *regexp.Regexp) Option {
	return func(u *Updater) {
		u.assetPattern = re
	}
}

// WithDeletePolicy sets how often and how far apart removal of a stale
// destination file is attempted.
func WithDeletePolicy(attempts int, interval time.Duration) Option {
	return func(u *Updater) {
		u.deleteAttempts = attempts
		u.deleteInterval = interval
	}
}

// WithSettleDelay sets the pause between download and verification.
func WithSettleDelay(d time.Duration) Option {
	return func(u *Updater) {
		u.settleDelay = d
	}
}

// WithTimeout bounds the whole attempt. Zero disables the deadline.
func WithTimeout(d time.Duration) Option {
	return func(u *Updater) {
		u.timeout = d
	}
}

// WithCheckOnly stops after resolving versions.
func WithCheckOnly(checkOnly bool) Option {
	return func(u *Updater) {
		u.checkOnly = checkOnly
	}
}

// WithKeepArchive keeps the downloaded archive after a successful install.
func WithKeepArchive(keep bool) Option {
	return func(u *Updater) {
		u.keepArchive = keep
	}
}

// WithInstallLock takes an exclusive lock on path for the duration of a run.
func WithInstallLock(path string) Option {
	return func(u *Updater) {
		u.lockPath = path
	}
}

// WithTimer overrides the timer used for retry pauses and the settle delay.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(u *Updater) {
		u.newTimer = newTimer
	}
}

// WithClock overrides the time source used for attempt timestamps.
func WithClock(now func() time.Time) Option {
	return func(u *Updater) {
		u.now = now
	}
}

// New returns an Updater for root.
func New(root string, deps Dependencies, opts ...Option) (*Updater, error) {
	if deps.Versions == nil || deps.Releases == nil || deps.Fetcher == nil || deps.Extractor == nil {
		return nil, apperrors.ConfigError(apperrors.CodeConfigInvalid, "updater dependencies must not be nil", nil).
			WithModule("update").
			WithOperation("New")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, apperrors.IOError("failed to resolve install root", err).
			WithModule("update").
			WithOperation("New").
			WithField("root", root)
	}

	u := &Updater{
		root:           absRoot,
		deps:           deps,
		deleteAttempts: defaultDeleteAttempts,
		deleteInterval: defaultDeleteInterval,
		settleDelay:    defaultSettleDelay,
		newTimer:       newRealTimer,
		now:            time.Now,
		remove:         os.Remove,
		verify:         integrity.VerifyFile,
		state:          StateIdle,
	}
	for _, opt := range opts {
		opt(u)
	}

	if u.presenter == nil {
		u.presenter = NopPresenter{}
	}
	if u.log == nil {
		u.log = logger.Discard()
	}
	if u.deleteAttempts < 1 {
		u.deleteAttempts = 1
	}
	if u.newTimer == nil {
		u.newTimer = newRealTimer
	}
	if u.now == nil {
		u.now = time.Now
	}
	return u, nil
}

// Run performs one attempt and returns its terminal result. A call made
// while another Run is in progress fails with Busy without side effects.
func (u *Updater) Run(ctx context.Context) Result {
	attemptID := uuid.NewString()
	if !u.running.CompareAndSwap(false, true) {
		return Result{
			AttemptID: attemptID,
			Outcome:   OutcomeFailed,
			State:     StateFailed,
			Err: apperrors.SystemError(apperrors.CodeBusy, "an update is already in progress", nil).
				WithModule("update").
				WithOperation("Run"),
		}
	}
	defer u.running.Store(false)

	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}
	ctx = logger.ContextWithAttempt(ctx, logger.Attempt{ID: attemptID})

	started := u.now()
	u.state = StateIdle
	res := Result{AttemptID: attemptID}

	if u.lockPath != "" {
		lock, err := filelock.Acquire(u.lockPath)
		if err != nil {
			code, msg := apperrors.CodeIoError, "failed to take install lock"
			if stdErrors.Is(err, filelock.ErrLocked) {
				code, msg = apperrors.CodeBusy, "another update holds the install lock"
			}
			u.fail(ctx, &res, apperrors.SystemError(code, msg, err).
				WithModule("update").
				WithOperation("Run").
				WithField("lock", u.lockPath))
			u.record(ctx, res, started)
			return res
		}
		defer func() {
			if err := lock.Release(); err != nil {
				u.log.WarnContext(ctx, "failed to release install lock", logger.Error(err))
			}
		}()
	}

	u.run(ctx, &res)
	u.record(ctx, res, started)
	return res
}

func (u *Updater) run(ctx context.Context, res *Result) {
	ctx = u.transition(ctx, StateCheckingVersions)

	local, err := u.deps.Versions.Read()
	if err != nil {
		u.fail(ctx, res, apperrors.SystemError(apperrors.CodeLocalVersionMissing, "installed version is unknown", err).
			WithModule("update").
			WithOperation("CheckingVersions"))
		return
	}
	res.Local = &local
	attempt := logger.AttemptFromContext(ctx)
	attempt.Version = local.Core()
	ctx = logger.ContextWithAttempt(ctx, attempt)

	rel, err := u.deps.Releases.FindLatest(ctx)
	if err != nil {
		u.fail(ctx, res, remoteUnavailable(ctx, err))
		return
	}
	remote := rel.Version
	res.Remote = &remote
	u.presenter.OnVersionsResolved(local, remote)

	if !remote.GreaterThan(local) {
		u.log.InfoContext(ctx, "installed version is current",
			logger.String("local", local.Core()),
			logger.String("remote", remote.Core()))
		u.finish(ctx, res, OutcomeUpToDate)
		return
	}
	if u.checkOnly {
		u.finish(ctx, res, OutcomeUpdateAvailable)
		return
	}

	ctx = u.transition(ctx, StateAwaitingConfirmation)
	if !u.presenter.ConfirmUpdate(local, remote) {
		u.log.InfoContext(ctx, "update declined", logger.String("remote", remote.Core()))
		u.finish(ctx, res, OutcomeDeclined)
		return
	}

	sum, err := integrity.ExtractChecksum(rel.Notes)
	if err != nil {
		u.fail(ctx, res, err)
		return
	}
	asset, err := u.selectAsset(rel)
	if err != nil {
		u.fail(ctx, res, err)
		return
	}
	archivePath := filepath.Join(u.root, asset.Name)

	ctx = u.transition(ctx, StateDownloading)
	if err := u.clearDestination(ctx, archivePath); err != nil {
		u.fail(ctx, res, err)
		return
	}
	err = u.deps.Fetcher.Download(ctx, asset.DownloadURL, archivePath, func(p downloader.Progress) {
		u.presenter.OnProgress(Progress{
			Stage:      StageDownload,
			Fraction:   p.Fraction,
			Rate:       p.Rate,
			BytesDone:  p.BytesDone,
			BytesTotal: p.BytesTotal,
		})
	})
	if err != nil {
		u.fail(ctx, res, err)
		return
	}
	if err := sleep(ctx, u.newTimer, u.settleDelay); err != nil {
		u.fail(ctx, res, err)
		return
	}

	ctx = u.transition(ctx, StateVerifying)
	u.presenter.OnProgress(Progress{Stage: StageVerify, Fraction: Indeterminate, Rate: Indeterminate})
	if err := u.verify(archivePath, sum); err != nil {
		if apperrors.Is(err, apperrors.ErrChecksumMismatch) {
			if rmErr := u.remove(archivePath); rmErr != nil && !stdErrors.Is(rmErr, os.ErrNotExist) {
				u.log.WarnContext(ctx, "failed to remove rejected archive", logger.String("path", archivePath), logger.Error(rmErr))
			}
		}
		u.fail(ctx, res, err)
		return
	}

	ctx = u.transition(ctx, StateInstalling)
	err = u.deps.Extractor.Install(ctx, archivePath, u.root, func(p installer.Progress) {
		u.presenter.OnProgress(Progress{
			Stage:    StageInstall,
			Fraction: p.Fraction,
			Rate:     Indeterminate,
			Entry:    p.Entry,
		})
	})
	if err != nil {
		u.fail(ctx, res, err)
		return
	}

	ctx = u.transition(ctx, StateFinalizing)
	if !u.keepArchive {
		if err := u.remove(archivePath); err != nil && !stdErrors.Is(err, os.ErrNotExist) {
			u.log.WarnContext(ctx, "failed to remove archive", logger.String("path", archivePath), logger.Error(err))
		}
	}
	if err := u.deps.Versions.Write(remote); err != nil {
		u.fail(ctx, res, err)
		return
	}
	u.presenter.OnCompleted(remote)
	u.finish(ctx, res, OutcomeUpdated)
}

// selectAsset picks the asset to download. The name must be a plain file name.
func (u *Updater) selectAsset(rel *release.Release) (release.Asset, error) {
	var (
		asset release.Asset
		found bool
	)
	if u.assetPattern == nil {
		asset, found = rel.FirstAsset()
	} else {
		for _, a := range rel.Assets {
			if u.assetPattern.MatchString(a.Name) {
				asset, found = a, true
				break
			}
		}
	}
	if !found {
		appErr := apperrors.New(apperrors.CodeNotFound, apperrors.ErrCategoryNetwork, "release has no matching asset", nil).
			WithModule("update").
			WithOperation("selectAsset").
			WithField("tag", rel.Tag)
		if u.assetPattern != nil {
			appErr.WithField("asset_pattern", u.assetPattern.String())
		}
		return release.Asset{}, appErr
	}

	name := asset.Name
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || filepath.IsAbs(name) {
		return release.Asset{}, apperrors.ArchiveError(apperrors.CodePathTraversal, "asset name is not a plain file name", nil).
			WithModule("update").
			WithOperation("selectAsset").
			WithField("asset", name)
	}
	return asset, nil
}

func remoteUnavailable(ctx context.Context, err error) *apperrors.AppError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if appErr, ok := apperrors.As(apperrors.FromContext(ctxErr)); ok {
			return appErr
		}
	}
	appErr := apperrors.NetworkError(apperrors.CodeRemoteVersionUnavailable, "latest release could not be determined", err).
		WithModule("update").
		WithOperation("CheckingVersions")
	if cause, ok := apperrors.As(err); ok {
		appErr.WithField("cause_code", cause.Code)
		if status, ok := cause.Field("status"); ok {
			appErr.WithField("status", status)
		}
	}
	return appErr
}

// transition moves to state to and returns ctx tagged with it, so later log
// entries of the attempt carry the state they were written in.
func (u *Updater) transition(ctx context.Context, to State) context.Context {
	from := u.state
	if !CanTransition(from, to) {
		u.log.ErrorContext(ctx, "illegal state transition", logger.String("from", string(from)), logger.String("to", string(to)))
	}
	u.state = to
	u.log.DebugContext(ctx, "state changed", logger.String("from", string(from)), logger.String("to", string(to)))
	u.presenter.OnStateChanged(to)
	return logger.ContextWithState(ctx, string(to))
}

func (u *Updater) finish(ctx context.Context, res *Result, outcome Outcome) {
	ctx = u.transition(ctx, StateDone)
	res.Outcome = outcome
	res.State = StateDone
	u.log.InfoContext(ctx, "update attempt finished", logger.String("outcome", string(outcome)))
}

// fail converts err to an AppError, moves to Failed and notifies the presenter.
// The result is Cancelled only when ctx itself is done; a client timeout that
// merely wraps context.DeadlineExceeded keeps the error it was reported as.
func (u *Updater) fail(ctx context.Context, res *Result, err error) {
	var (
		appErr *apperrors.AppError
		ok     bool
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		appErr, ok = apperrors.As(apperrors.FromContext(ctxErr))
	} else {
		appErr, ok = apperrors.As(err)
	}
	if !ok {
		appErr = apperrors.SystemError(apperrors.CodeIoError, "unexpected failure", err).
			WithModule("update")
	}

	ctx = u.transition(ctx, StateFailed)
	res.Outcome = OutcomeFailed
	res.State = StateFailed
	res.Err = appErr

	errlog.Log(ctx, u.log, "update attempt failed", appErr)
	u.presenter.OnFailed(appErr.Code, appErr.Detail())
}

func (u *Updater) record(ctx context.Context, res Result, started time.Time) {
	if u.journal == nil {
		return
	}
	a := store.Attempt{
		ID:         res.AttemptID,
		StartedAt:  started,
		FinishedAt: u.now(),
		Outcome:    string(res.Outcome),
		ErrorCode:  res.Code(),
	}
	if res.Local != nil {
		a.FromVersion = res.Local.Core()
	}
	if res.Remote != nil {
		a.ToVersion = res.Remote.Core()
	}
	if res.Err != nil {
		a.Detail = res.Err.Detail()
	}
	// The attempt is recorded even when ctx has been cancelled.
	if err := u.journal.Record(context.WithoutCancel(ctx), a); err != nil {
		u.log.WarnContext(ctx, "failed to record update attempt", logger.Error(err))
	}
}
