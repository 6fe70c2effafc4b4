// Package app wires configuration, transport, storage and presentation into
// the updater for one install root.
package app

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"relupd/internal/config"
	"relupd/internal/downloader"
	apperrors "relupd/internal/errors"
	"relupd/internal/installer"
	"relupd/internal/logger"
	"relupd/internal/release"
	"relupd/internal/store"
	"relupd/internal/ui"
	"relupd/internal/update"
)

// LockFileName is the install lock taken for the duration of an update.
const LockFileName = ".relupd.lock"

// Options are the command line inputs.
type Options struct {
	Root       string
	ConfigPath string
	AssumeYes  bool
	CheckOnly  bool
	Version    string
	Out        io.Writer
	LogOutput  io.Writer
	Getenv     func(string) string
}

// App holds the effective configuration for an install root.
type App struct {
	root   string
	cfg    *config.Config
	opts   Options
	logger logger.Logger
}

// New loads configuration for opts.Root and builds the logger.
func New(opts Options) (*App, error) {
	if opts.Root == "" {
		opts.Root = "."
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, apperrors.IOError("failed to resolve install root", err).
			WithModule("app").
			WithOperation("New").
			WithField("root", opts.Root)
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}

	cfg, err := config.Load(root, opts.ConfigPath, opts.Getenv)
	if err != nil {
		return nil, err
	}
	if opts.Version != "" && cfg.UserAgent == "relupd" {
		cfg.UserAgent = "relupd/" + opts.Version
	}

	log, err := NewLogger(cfg, opts.LogOutput)
	if err != nil {
		return nil, err
	}

	return &App{
		root:   root,
		cfg:    cfg,
		opts:   opts,
		logger: log,
	}, nil
}

// NewLogger builds the logger selected by cfg.
func NewLogger(cfg *config.Config, w io.Writer) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, apperrors.ConfigError(apperrors.CodeConfigInvalid, "log_level is invalid", err).
			WithModule("app").
			WithOperation("NewLogger").
			WithField("log_level", cfg.LogLevel)
	}
	opts := []logger.Option{logger.WithOutput(w), logger.WithLevel(level)}
	if strings.EqualFold(cfg.LogFormat, "json") {
		opts = append(opts, logger.WithFormatter(&logger.JSONFormatter{}))
	}
	return logger.NewStandardLogger(opts...), nil
}

// Logger returns the configured logger.
func (a *App) Logger() logger.Logger {
	return a.logger
}

// Config returns the effective configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Update runs one attempt against the console presenter.
func (a *App) Update(ctx context.Context) update.Result {
	console := ui.NewConsole(a.opts.Out, ui.WithAssumeYes(a.opts.AssumeYes))
	defer console.Close()

	var journal update.Journal
	history, err := store.OpenHistory(ctx, a.cfg.HistoryPath(a.root))
	if err != nil {
		a.logger.WarnContext(ctx, "update history unavailable", logger.Error(err))
	} else {
		defer history.Close()
		journal = history
	}

	u, err := a.NewUpdater(console, journal)
	if err != nil {
		appErr, ok := apperrors.As(err)
		if !ok {
			appErr = apperrors.SystemError(apperrors.CodeIoError, "failed to set up updater", err)
		}
		console.OnFailed(appErr.Code, appErr.Detail())
		return update.Result{Outcome: update.OutcomeFailed, State: update.StateFailed, Err: appErr}
	}
	return u.Run(ctx)
}

// NewUpdater builds an Updater from the configuration. journal may be nil.
func (a *App) NewUpdater(presenter update.Presenter, journal update.Journal) (*update.Updater, error) {
	cfg := a.cfg

	versions, err := store.NewVersionFile(a.root, cfg.VersionFile)
	if err != nil {
		return nil, err
	}

	locatorOpts := []release.Option{
		release.WithHTTPClient(downloader.NewHTTPClient(cfg.IndexLimit(), cfg.ConnectTimeout)),
		release.WithUserAgent(cfg.UserAgent),
		release.WithLogger(a.logger.With(logger.String("module", "release"))),
	}
	if cfg.Token != "" {
		locatorOpts = append(locatorOpts, release.WithToken(cfg.Token))
	}
	locator, err := release.NewLocator(cfg.IndexURL, locatorOpts...)
	if err != nil {
		return nil, err
	}

	downloadOpts := []downloader.Option{
		downloader.WithHTTPClient(downloader.NewHTTPClient(cfg.DownloadLimit(), cfg.ConnectTimeout)),
		downloader.WithUserAgent(cfg.UserAgent),
		downloader.WithChunkSize(cfg.ChunkSize),
		downloader.WithProgressInterval(cfg.ProgressInterval),
		downloader.WithLogger(a.logger.With(logger.String("module", "downloader"))),
	}
	if cfg.Token != "" {
		if u, err := url.Parse(cfg.IndexURL); err == nil {
			downloadOpts = append(downloadOpts, downloader.WithToken(cfg.Token, u.Host))
		}
	}

	opts := []update.Option{
		update.WithPresenter(presenter),
		update.WithLogger(a.logger.With(logger.String("module", "update"))),
		update.WithDeletePolicy(cfg.DeleteRetries, cfg.DeleteBackoff),
		update.WithSettleDelay(cfg.Settle()),
		update.WithTimeout(cfg.Timeout),
		update.WithCheckOnly(a.opts.CheckOnly),
		update.WithKeepArchive(cfg.KeepArchive),
		update.WithInstallLock(filepath.Join(a.root, LockFileName)),
	}
	if journal != nil {
		opts = append(opts, update.WithJournal(journal))
	}
	if cfg.AssetPattern != "" {
		re, err := regexp.Compile(cfg.AssetPattern)
		if err != nil {
			return nil, apperrors.ConfigError(apperrors.CodeConfigInvalid, "asset_pattern is not a valid regular expression", err).
				WithModule("app").
				WithOperation("NewUpdater")
		}
		opts = append(opts, update.WithAssetPattern(re))
	}

	deps := update.Dependencies{
		Versions: versions,
		Releases: locator,
		Fetcher:  downloader.New(downloadOpts...),
		Extractor: installer.New(
			installer.WithLogger(a.logger.With(logger.String("module", "installer"))),
			installer.WithKeepArchive(cfg.KeepArchive),
		),
	}
	return update.New(a.root, deps, opts...)
}

// History prints the most recent attempts.
func (a *App) History(ctx context.Context, limit int) error {
	history, err := store.OpenHistory(ctx, a.cfg.HistoryPath(a.root))
	if err != nil {
		return err
	}
	defer history.Close()

	attempts, err := history.Recent(ctx, limit)
	if err != nil {
		return err
	}
	ui.NewPrinter(a.opts.Out).PrintHistory(attempts, time.Now())
	return nil
}
