package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stdErrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"relupd/internal/archivetest"
	"relupd/internal/downloader"
	apperrors "relupd/internal/errors"
	"relupd/internal/filelock"
	"relupd/internal/installer"
	"relupd/internal/logger"
	"relupd/internal/release"
	"relupd/internal/store"
	"relupd/internal/version"
)

// fakeClock fires every timer immediately and records the requested waits.
type fakeClock struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (c *fakeClock) newTimer() backoff.Timer {
	return &fakeTimer{clock: c, ch: make(chan time.Time, 1)}
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type fakeTimer struct {
	clock *fakeClock
	ch    chan time.Time
}

func (t *fakeTimer) Start(d time.Duration) {
	t.clock.mu.Lock()
	t.clock.waits = append(t.clock.waits, d)
	t.clock.mu.Unlock()
	select {
	case t.ch <- time.Now():
	default:
	}
}

func (t *fakeTimer) Stop() {}

func (t *fakeTimer) C() <-chan time.Time {
	return t.ch
}

type recordingPresenter struct {
	approve   bool
	confirms  int
	states    []State
	progress  []Progress
	completed *version.Version
	failed    string
	resolved  [2]string
}

func (p *recordingPresenter) OnStateChanged(s State) {
	p.states = append(p.states, s)
}

func (p *recordingPresenter) OnVersionsResolved(local, remote version.Version) {
	p.resolved = [2]string{local.Core(), remote.Core()}
}

func (p *recordingPresenter) ConfirmUpdate(local, remote version.Version) bool {
	p.confirms++
	return p.approve
}

func (p *recordingPresenter) OnProgress(pr Progress) {
	p.progress = append(p.progress, pr)
}

func (p *recordingPresenter) OnCompleted(v version.Version) {
	p.completed = &v
}

func (p *recordingPresenter) OnFailed(code, detail string) {
	p.failed = code
}

type memoryJournal struct {
	attempts []store.Attempt
}

func (j *memoryJournal) Record(_ context.Context, a store.Attempt) error {
	j.attempts = append(j.attempts, a)
	return nil
}

type harness struct {
	t         *testing.T
	root      string
	archive   []byte
	notes     string
	tag       string
	assetName string
	status    int

	// indexDelay holds the index response; archiveStall sends half the
	// archive and then holds the rest.
	indexDelay   time.Duration
	archiveStall time.Duration
	client       *http.Client

	indexHits   atomic.Int32
	archiveHits atomic.Int32
	server      *httptest.Server

	clock     *fakeClock
	presenter *recordingPresenter
	journal   *memoryJournal
	log       *logger.MockLogger
}

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func newHarness(t *testing.T, local string) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		root:      t.TempDir(),
		tag:       "v1.3.0",
		assetName: "app-1.3.0.zip",
		status:    http.StatusOK,
		clock:     &fakeClock{},
		presenter: &recordingPresenter{approve: true},
		journal:   &memoryJournal{},
		log:       logger.NewMockLogger(),
	}
	h.archive = archivetest.Zip(t,
		archivetest.File{Name: "bin/app", Body: "new binary"},
		archivetest.File{Name: "README.txt", Body: "1.3.0"},
	)
	h.notes = fmt.Sprintf("Release notes\n\nSHA256 Checksum `%s`\n", sum(h.archive))

	if local != "" {
		if err := os.WriteFile(filepath.Join(h.root, "version.txt"), []byte(local+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/releases", func(w http.ResponseWriter, r *http.Request) {
		h.indexHits.Add(1)
		if h.indexDelay > 0 {
			time.Sleep(h.indexDelay)
		}
		if h.status != http.StatusOK {
			w.WriteHeader(h.status)
			return
		}
		fmt.Fprintf(w, `[{"tag_name":"v1.1.0","body":"","assets":[]},{"tag_name":%q,"body":%q,"assets":[{"name":%q,"browser_download_url":%q,"size":%d}]}]`,
			h.tag, h.notes, h.assetName, h.server.URL+"/download/"+h.assetName, len(h.archive))
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		h.archiveHits.Add(1)
		w.Header().Set("Content-Length", fmt.Sprint(len(h.archive)))
		if h.archiveStall > 0 {
			half := len(h.archive) / 2
			_, _ = w.Write(h.archive[:half])
			w.(http.Flusher).Flush()
			time.Sleep(h.archiveStall)
			_, _ = w.Write(h.archive[half:])
			return
		}
		_, _ = w.Write(h.archive)
	})
	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) updater(opts ...Option) *Updater {
	h.t.Helper()
	versions, err := store.NewVersionFile(h.root, "version.txt")
	if err != nil {
		h.t.Fatal(err)
	}
	locatorOpts := []release.Option{}
	fetcherOpts := []downloader.Option{downloader.WithProgressInterval(0)}
	if h.client != nil {
		locatorOpts = append(locatorOpts, release.WithHTTPClient(h.client))
		fetcherOpts = append(fetcherOpts, downloader.WithHTTPClient(h.client))
	}
	locator, err := release.NewLocator(h.server.URL+"/releases", locatorOpts...)
	if err != nil {
		h.t.Fatal(err)
	}
	deps := Dependencies{
		Versions:  versions,
		Releases:  locator,
		Fetcher:   downloader.New(fetcherOpts...),
		Extractor: installer.New(),
	}
	base := []Option{
		WithPresenter(h.presenter),
		WithJournal(h.journal),
		WithLogger(h.log),
		WithTimer(h.clock.newTimer),
	}
	u, err := New(h.root, deps, append(base, opts...)...)
	if err != nil {
		h.t.Fatal(err)
	}
	return u
}

func (h *harness) installedVersion() string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.root, "version.txt"))
	if err != nil {
		h.t.Fatal(err)
	}
	return string(data)
}

func assertFailed(t *testing.T, res Result, want *apperrors.AppError) {
	t.Helper()
	if res.Outcome != OutcomeFailed || res.State != StateFailed {
		t.Fatalf("result = %s/%s, want Failed", res.Outcome, res.State)
	}
	if !apperrors.Is(res.Err, want) {
		t.Fatalf("error = %v, want code %s", res.Err, want.Code)
	}
}

func assertLegalPath(t *testing.T, states []State) {
	t.Helper()
	from := StateIdle
	for _, to := range states {
		if !CanTransition(from, to) {
			t.Fatalf("illegal transition %s -> %s in %v", from, to, states)
		}
		from = to
	}
	if !from.Terminal() {
		t.Fatalf("run ended in non-terminal state %s", from)
	}
}

func TestRunUpdatesToNewerRelease(t *testing.T) {
	h := newHarness(t, "1.2.0")
	if err := os.MkdirAll(filepath.Join(h.root, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(h.root, "bin", "app"), []byte("old binary"), 0o755); err != nil {
		t.Fatal(err)
	}

	res := h.updater().Run(context.Background())
	if res.Err != nil {
		t.Fatalf("Run failed: %v", res.Err)
	}
	if res.Outcome != OutcomeUpdated || res.State != StateDone {
		t.Fatalf("result = %s/%s", res.Outcome, res.State)
	}
	if res.Local.Core() != "1.2.0" || res.Remote.Core() != "1.3.0" {
		t.Fatalf("versions = %s -> %s", res.Local, res.Remote)
	}

	got, err := os.ReadFile(filepath.Join(h.root, "bin", "app"))
	if err != nil || string(got) != "new binary" {
		t.Fatalf("bin/app = %q, %v", got, err)
	}
	if got := h.installedVersion(); got != "1.3.0\n" && got != "1.3.0" {
		t.Fatalf("version record = %q", got)
	}
	if _, err := os.Stat(filepath.Join(h.root, h.assetName)); !os.IsNotExist(err) {
		t.Fatalf("archive still present: %v", err)
	}

	want := []State{StateCheckingVersions, StateAwaitingConfirmation, StateDownloading, StateVerifying, StateInstalling, StateFinalizing, StateDone}
	if fmt.Sprint(h.presenter.states) != fmt.Sprint(want) {
		t.Fatalf("states = %v, want %v", h.presenter.states, want)
	}
	assertLegalPath(t, h.presenter.states)

	if h.presenter.completed == nil || h.presenter.completed.Core() != "1.3.0" {
		t.Fatalf("OnCompleted = %v", h.presenter.completed)
	}
	if h.presenter.resolved != [2]string{"1.2.0", "1.3.0"} {
		t.Fatalf("resolved = %v", h.presenter.resolved)
	}

	var sawDownload, sawVerify bool
	var entries []string
	for _, p := range h.presenter.progress {
		switch p.Stage {
		case StageDownload:
			sawDownload = true
		case StageVerify:
			sawVerify = p.Fraction == Indeterminate
		case StageInstall:
			entries = append(entries, p.Entry)
		}
	}
	if !sawDownload || !sawVerify || len(entries) != 2 {
		t.Fatalf("progress: download=%v verify=%v install=%v", sawDownload, sawVerify, entries)
	}

	if waits := h.clock.recorded(); len(waits) != 1 || waits[0] != 2*time.Second {
		t.Fatalf("waits = %v, want settle delay only", waits)
	}

	if len(h.journal.attempts) != 1 {
		t.Fatalf("journal = %+v", h.journal.attempts)
	}
	a := h.journal.attempts[0]
	if a.ID != res.AttemptID || a.Outcome != string(OutcomeUpdated) || a.FromVersion != "1.2.0" || a.ToVersion != "1.3.0" || a.ErrorCode != "" {
		t.Fatalf("journal attempt = %+v", a)
	}

	if h.log.HasEntry(logger.LevelError, "illegal state transition") {
		t.Fatal("logged an illegal transition")
	}
	var tagged bool
	for _, e := range h.log.GetEntries() {
		if e.Message == "update attempt finished" {
			id, _ := e.Field("attempt_id")
			installed, _ := e.Field("installed_version")
			tagged = id == res.AttemptID && installed == "1.2.0"
		}
	}
	if !tagged {
		t.Fatal("final log entry lacks attempt fields")
	}
}

func TestRunUpToDate(t *testing.T) {
	h := newHarness(t, "1.3.0")

	res := h.updater().Run(context.Background())
	if res.Outcome != OutcomeUpToDate || res.State != StateDone || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if h.archiveHits.Load() != 0 {
		t.Fatalf("archive requested %d times", h.archiveHits.Load())
	}
	if h.presenter.confirms != 0 {
		t.Fatal("confirmation requested for current install")
	}
	assertLegalPath(t, h.presenter.states)
}

func TestRunNewerLocalIsUpToDate(t *testing.T) {
	h := newHarness(t, "2.0.0")

	res := h.updater().Run(context.Background())
	if res.Outcome != OutcomeUpToDate {
		t.Fatalf("outcome = %s", res.Outcome)
	}
}

func TestRunCheckOnly(t *testing.T) {
	h := newHarness(t, "1.2.0")

	res := h.updater(WithCheckOnly(true)).Run(context.Background())
	if res.Outcome != OutcomeUpdateAvailable || res.State != StateDone {
		t.Fatalf("result = %s/%s", res.Outcome, res.State)
	}
	if h.presenter.confirms != 0 || h.archiveHits.Load() != 0 {
		t.Fatalf("confirms=%d archive=%d", h.presenter.confirms, h.archiveHits.Load())
	}
	if got := h.installedVersion(); got != "1.2.0\n" {
		t.Fatalf("version record changed to %q", got)
	}
}

func TestRunDeclined(t *testing.T) {
	h := newHarness(t, "1.2.0")
	h.presenter.approve = false

	res := h.updater().Run(context.Background())
	if res.Outcome != OutcomeDeclined || res.State != StateDone {
		t.Fatalf("result = %s/%s", res.Outcome, res.State)
	}
	if h.archiveHits.Load() != 0 {
		t.Fatal("archive downloaded after decline")
	}
	assertLegalPath(t, h.presenter.states)
}

func TestRunLocalVersionMissing(t *testing.T) {
	h := newHarness(t, "")

	res := h.updater().Run(context.Background())
	assertFailed(t, res, apperrors.ErrLocalVersionMissing)
	if h.indexHits.Load() != 0 {
		t.Fatal("index fetched without a local version")
	}
	if h.presenter.failed != apperrors.CodeLocalVersionMissing {
		t.Fatalf("OnFailed code = %q", h.presenter.failed)
	}
	if len(h.journal.attempts) != 1 || h.journal.attempts[0].ErrorCode != apperrors.CodeLocalVersionMissing {
		t.Fatalf("journal = %+v", h.journal.attempts)
	}
}

func TestRunLocalVersionGarbage(t *testing.T) {
	h := newHarness(t, "not a version")

	res := h.updater().Run(context.Background())
	assertFailed(t, res, apperrors.ErrLocalVersionMissing)
	if !apperrors.Is(res.Err.Err, apperrors.ErrInvalidFormat) {
		t.Fatalf("cause = %v", res.Err.Err)
	}
}

func TestRunRemoteUnavailable(t *testing.T) {
	h := newHarness(t, "1.2.0")
	h.status = http.StatusServiceUnavailable

	res := h.updater().Run(context.Background())
	assertFailed(t, res, apperrors.ErrRemoteVersionUnavailable)
	if status, ok := res.Err.Field("status"); !ok || status != http.StatusServiceUnavailable {
		t.Fatalf("status field = %v, %v", status, ok)
	}
	assertLegalPath(t, h.presenter.states)
}

func TestRunIndexClientTimeoutIsRemoteUnavailable(t *testing.T) {
	h := newHarness(t, "1.2.0")
	h.indexDelay = 300 * time.Millisecond
	h.client = &http.Client{Timeout: 50 * time.Millisecond}

	res := h.updater().Run(context.Background())
	assertFailed(t, res, apperrors.ErrRemoteVersionUnavailable)
	if code, _ := res.Err.Field("cause_code"); code != apperrors.CodeNetworkError {
		t.Fatalf("cause_code = %v", code)
	}
	if h.log.HasEntry(logger.LevelWarn, "update attempt failed") {
		t.Fatal("a client timeout must not be logged as a cancellation")
	}
}

func TestRunDownloadClientTimeoutIsNetworkError(t *testing.T) {
	h := newHarness(t, "1.2.0")
	h.archiveStall = 300 * time.Millisecond
	h.client = &http.Client{Timeout: 50 * time.Millisecond}

	res := h.updater().Run(context.Background())
	assertFailed(t, res, apperrors.ErrNetwork)
	if _, err := os.Stat(filepath.Join(h.root, h.assetName)); !os.IsNotExist(err) {
		t.Fatalf("partial archive left behind: %v", err)
	}
	if got := h.installedVersion(); got != "1.2.0\n" {
		t.Fatalf("installed version = %q", got)
	}
}

func TestRunChecksumMissingSkipsDownload(t *testing.T) {
	h := newHarness(t, "1.2.0")
	h.notes = "no digest here"

	res := h.updater().Run(context.Background())
	assertFailed(t, res, apperrors.ErrChecksumMissing)
	if h.archiveHits.Load() != 0 {
		t.Fatal("archive downloaded without a checksum")
	}
}

func TestRunChecksumMismatch(t *testing.T) {
	h := newHarness(t, "1.2.0")
	h.notes = "SHA256 Checksum `" + sum([]byte("something else")) + "`"

	res := h.updater().Run(context.Background())
	assertFailed(t, res, apperrors.ErrChecksumMismatch)

	if _, err := os.Stat(filepath.Join(h.root, "README.txt")); !os.IsNotExist(err) {
		t.Fatal("archive was installed despite mismatch")
	}
	if _, err := os.Stat(filepath.Join(h.root, h.assetName)); !os.IsNotExist(err) {
		t.Fatal("rejected archive left on disk")
	}
	if got := h.installedVersion(); got != "1.2.0\n" {
		t.Fatalf("version record = %q", got)
	}
	last := h.presenter.states[len(h.presenter.states)-1]
	if last != StateFailed {
		t.Fatalf("last state = %s", last)
	}
	assertLegalPath(t, h.presenter.states)
}

func TestRunRejectsAssetNameWithPath(t *testing.T) {
	h := newHarness(t, "1.2.0")
	h.assetName = "../escape.zip"

	res := h.updater().Run(context.Background())
	assertFailed(t, res, apperrors.ErrPathTraversal)
	if h.archiveHits.Load() != 0 {
		t.Fatal("archive downloaded for unsafe name")
	}
}

func TestRunAssetPatternWithoutMatch(t *testing.T) {
	h := newHarness(t, "1.2.0")

	res := h.updater(WithAssetPattern(regexp.MustCompile(`linux-amd64`))).Run(context.Background())
	assertFailed(t, res, apperrors.ErrNotFound)
}

func TestRunDeleteRetryExhausted(t *testing.T) {
	h := newHarness(t, "1.2.0")
	u := h.updater()
	var calls int
	u.remove = func(string) error {
		calls++
		return &os.PathError{Op: "remove", Path: "x", Err: stdErrors.New("file in use")}
	}

	res := u.Run(context.Background())
	assertFailed(t, res, apperrors.ErrIO)
	if calls != 10 {
		t.Fatalf("remove called %d times, want 10", calls)
	}
	waits := h.clock.recorded()
	if len(waits) != 9 {
		t.Fatalf("waits = %v, want 9 pauses", waits)
	}
	for _, w := range waits {
		if w != 500*time.Millisecond {
			t.Fatalf("wait = %s, want 500ms", w)
		}
	}
	if attempts, _ := res.Err.Field("attempts"); attempts != 10 {
		t.Fatalf("attempts field = %v", attempts)
	}
	if n := h.log.CountEntries(logger.LevelWarn); n != 9 {
		t.Fatalf("retry warnings = %d, want 9", n)
	}
	for _, e := range h.log.GetEntries() {
		if e.Message == "destination still locked, retrying" && e.Attempt.State != string(StateDownloading) {
			t.Fatalf("retry logged in state %q", e.Attempt.State)
		}
	}
	if h.archiveHits.Load() != 0 {
		t.Fatal("download started with locked destination")
	}
}

func TestRunDeletePermissionIsNotRetried(t *testing.T) {
	h := newHarness(t, "1.2.0")
	u := h.updater()
	var calls int
	u.remove = func(string) error {
		calls++
		return &os.PathError{Op: "remove", Path: "x", Err: os.ErrPermission}
	}

	res := u.Run(context.Background())
	assertFailed(t, res, apperrors.ErrIO)
	if calls != 1 || len(h.clock.recorded()) != 0 {
		t.Fatalf("calls=%d waits=%v", calls, h.clock.recorded())
	}
}

func TestRunDeleteSucceedsAfterRetries(t *testing.T) {
	h := newHarness(t, "1.2.0")
	u := h.updater()
	var calls int
	u.remove = func(path string) error {
		calls++
		if calls <= 3 {
			return stdErrors.New("file in use")
		}
		return os.Remove(path)
	}

	res := u.Run(context.Background())
	if res.Outcome != OutcomeUpdated {
		t.Fatalf("result = %+v", res)
	}
	want := []time.Duration{500 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}
	if fmt.Sprint(h.clock.recorded()) != fmt.Sprint(want) {
		t.Fatalf("waits = %v, want %v", h.clock.recorded(), want)
	}
}

func TestRunReplacesStaleArchive(t *testing.T) {
	h := newHarness(t, "1.2.0")
	if err := os.WriteFile(filepath.Join(h.root, h.assetName), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := h.updater().Run(context.Background())
	if res.Outcome != OutcomeUpdated {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t, "1.2.0")
	ctx, cancel := context.WithCancel(context.Background())
	u := h.updater(WithPresenter(&cancellingPresenter{recordingPresenter: h.presenter, cancel: cancel}))

	res := u.Run(ctx)
	assertFailed(t, res, apperrors.ErrCancelled)
	if len(h.journal.attempts) != 1 {
		t.Fatal("cancelled attempt not journaled")
	}
	if !h.log.HasEntry(logger.LevelWarn, "update attempt failed") {
		t.Fatal("cancellation should be logged as a warning")
	}
}

type cancellingPresenter struct {
	*recordingPresenter
	cancel context.CancelFunc
}

func (p *cancellingPresenter) ConfirmUpdate(local, remote version.Version) bool {
	p.cancel()
	return true
}

func TestRunBusyWhileRunning(t *testing.T) {
	h := newHarness(t, "1.2.0")
	u := h.updater()
	u.running.Store(true)

	res := u.Run(context.Background())
	assertFailed(t, res, apperrors.ErrBusy)
	if h.indexHits.Load() != 0 || len(h.presenter.states) != 0 {
		t.Fatal("busy run had side effects")
	}
}

func TestRunBusyWhenInstallLocked(t *testing.T) {
	h := newHarness(t, "1.2.0")
	lockPath := filepath.Join(h.root, ".relupd.lock")
	held, err := filelock.Acquire(lockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	res := h.updater(WithInstallLock(lockPath)).Run(context.Background())
	assertFailed(t, res, apperrors.ErrBusy)
	if h.indexHits.Load() != 0 {
		t.Fatal("index fetched while install locked")
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(t.TempDir(), Dependencies{}); !apperrors.Is(err, apperrors.ErrConfigInvalid) {
		t.Fatalf("err = %v", err)
	}
}
