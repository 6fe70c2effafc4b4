package downloader

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	apperrors "relupd/internal/errors"
)

type recorder struct {
	mu     sync.Mutex
	events []Progress
}

func (r *recorder) record(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *recorder) all() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.events...)
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestDownloadKnownLength(t *testing.T) {
	data := payload(3*DefaultChunkSize + 17)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "relupd-test" {
			t.Errorf("User-Agent = %q", got)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "payload.zip")
	rec := &recorder{}
	d := New(WithUserAgent("relupd-test"), WithProgressInterval(0))

	if err := d.Download(context.Background(), srv.URL, dest, rec.record); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("content mismatch: %d bytes, want %d", len(got), len(data))
	}

	events := rec.all()
	if len(events) < 2 {
		t.Fatalf("expected several progress events, got %d", len(events))
	}
	last := events[len(events)-1]
	if !last.Done || last.Fraction != 1 || last.BytesTotal != int64(len(data)) {
		t.Fatalf("final event = %+v", last)
	}
	prev := -1.0
	for _, ev := range events {
		if ev.Fraction < prev {
			t.Fatalf("fraction went backwards: %v after %v", ev.Fraction, prev)
		}
		prev = ev.Fraction
	}
}

func TestDownloadUnknownLengthIsIndeterminate(t *testing.T) {
	data := payload(2*DefaultChunkSize + 5)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		half := len(data) / 2
		_, _ = w.Write(data[:half])
		flusher.Flush()
		_, _ = w.Write(data[half:])
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "payload.zip")
	rec := &recorder{}
	d := New(WithProgressInterval(0))

	if err := d.Download(context.Background(), srv.URL, dest, rec.record); err != nil {
		t.Fatalf("Download: %v", err)
	}

	events := rec.all()
	if len(events) == 0 {
		t.Fatal("progress must still be emitted without a content length")
	}
	for _, ev := range events {
		if ev.Fraction != Indeterminate || ev.BytesTotal != -1 {
			t.Fatalf("event %+v should be indeterminate", ev)
		}
	}
	if last := events[len(events)-1]; last.BytesDone != int64(len(data)) {
		t.Fatalf("final bytes = %d", last.BytesDone)
	}
	info, err := os.Stat(dest)
	if err != nil || info.Size() != int64(len(data)) {
		t.Fatalf("stat = %v, %v", info, err)
	}
}

func TestDownloadStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "payload.zip")
	err := New().Download(context.Background(), srv.URL, dest, nil)
	if !apperrors.Is(err, apperrors.ErrNetwork) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
	appErr, _ := apperrors.As(err)
	if status, _ := appErr.Field("status"); status != http.StatusNotFound {
		t.Fatalf("status = %v", status)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatalf("no file should be created, stat err = %v", statErr)
	}
}

func TestDownloadRefusesExistingDestination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("new"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "payload.zip")
	if err := os.WriteFile(dest, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := New().Download(context.Background(), srv.URL, dest, nil)
	if !apperrors.Is(err, apperrors.ErrIO) {
		t.Fatalf("err = %v, want IoError", err)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != "old" {
		t.Fatalf("existing file was modified: %q", got)
	}
}

func TestDownloadCancelledMidTransfer(t *testing.T) {
	data := payload(4 * DefaultChunkSize)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dest := filepath.Join(t.TempDir(), "payload.zip")
	d := New(WithProgressInterval(0))
	err := d.Download(ctx, srv.URL, dest, func(p Progress) {
		if p.BytesDone > 0 {
			cancel()
		}
	})
	if !apperrors.Is(err, apperrors.ErrCancelled) {
		t.Fatalf("err = %v, want Cancelled", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatalf("partial file should be removed, stat err = %v", statErr)
	}
}

func TestTransferStateRate(t *testing.T) {
	start := time.Unix(1000, 0)
	st := newTransferState(1000, start)
	st.BytesTransferred = 500

	p := st.snapshot(start.Add(2*time.Second), false)
	if p.Fraction != 0.5 {
		t.Errorf("fraction = %v", p.Fraction)
	}
	if p.Rate != 250 {
		t.Errorf("rate = %v, want 250 B/s", p.Rate)
	}
}

func TestTokenOnlySentToConfiguredHost(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := New(WithToken("t0k", "elsewhere.example"))
	if err := d.Download(context.Background(), srv.URL, filepath.Join(dir, "a"), nil); err != nil {
		t.Fatal(err)
	}
	if auth != "" {
		t.Fatalf("token leaked to foreign host: %q", auth)
	}

	host := srv.Listener.Addr().String()
	d = New(WithToken("t0k", host))
	if err := d.Download(context.Background(), srv.URL, filepath.Join(dir, "b"), nil); err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer t0k" {
		t.Fatalf("Authorization = %q", auth)
	}
}

func TestNewHTTPClientBoundsConnectNotTransfer(t *testing.T) {
	client := NewHTTPClient(0, 5*time.Second)
	if client.Timeout != 0 {
		t.Fatalf("whole-transfer timeout = %v, want none", client.Timeout)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("transport = %T", client.Transport)
	}
	if transport.ResponseHeaderTimeout != 5*time.Second || transport.TLSHandshakeTimeout != 5*time.Second {
		t.Fatalf("header/tls timeout = %v/%v", transport.ResponseHeaderTimeout, transport.TLSHandshakeTimeout)
	}

	if got := NewHTTPClient(10*time.Minute, 0); got.Timeout != 10*time.Minute ||
		got.Transport.(*http.Transport).ResponseHeaderTimeout != DefaultConnectTimeout {
		t.Fatalf("explicit cap = %v, header timeout = %v", got.Timeout, got.Transport.(*http.Transport).ResponseHeaderTimeout)
	}
}
