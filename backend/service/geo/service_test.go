package geo

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"tunnelmgr/backend/domain"
	"tunnelmgr/backend/repository/memory"
)

type recordedRequest struct {
	mu              sync.Mutex
	ifModifiedSince []string
}

func (r *recordedRequest) add(v string) {
	r.mu.Lock()
	r.ifModifiedSince = append(r.ifModifiedSince, v)
	r.mu.Unlock()
}

func (r *recordedRequest) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ifModifiedSince...)
}

func newTestService(t *testing.T, handler http.HandlerFunc) (*Service, *memory.SettingsRepo, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	settings := memory.NewSettingsRepo(memory.NewStore(nil))
	path := filepath.Join(t.TempDir(), "shared", "GeoLite2-Country.mmdb")
	svc := NewService(Options{Path: path, URL: srv.URL, Client: srv.Client()}, settings)
	return svc, settings, path
}

func TestRefresh_ReplacesOn200AndRemembersLastModified(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte{0xAB}, 4096)
	rec := &recordedRequest{}
	svc, settings, path := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		rec.add(r.Header.Get("If-Modified-Since"))
		w.Header().Set("Last-Modified", "Wed, 01 Jan 2025 00:00:00 GMT")
		_, _ = w.Write(body)
	})

	updated, err := svc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !updated {
		t.Fatalf("expected database to be updated")
	}
	data, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(data, body) {
		t.Fatalf("unexpected database content, err=%v len=%d", err, len(data))
	}

	v, ok, _ := settings.GetString(context.Background(), domain.SettingGeoIPLastModified)
	if !ok || v != "Wed, 01 Jan 2025 00:00:00 GMT" {
		t.Fatalf("expected Last-Modified to be remembered, got %q ok=%v", v, ok)
	}

	// 第二次请求带上记住的值
	if _, err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	got := rec.all()
	if len(got) != 2 || got[0] != DefaultLastModified || got[1] != "Wed, 01 Jan 2025 00:00:00 GMT" {
		t.Fatalf("unexpected If-Modified-Since headers: %v", got)
	}
}

func TestRefresh_NotModifiedKeepsFile(t *testing.T) {
	t.Parallel()

	svc, _, path := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	})
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("existing"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	updated, err := svc.Refresh(context.Background())
	if err != nil || updated {
		t.Fatalf("expected no update, updated=%v err=%v", updated, err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "existing" {
		t.Fatalf("file must not change on 304, got %q", data)
	}
}

func TestRefresh_SmallBodyIgnored(t *testing.T) {
	t.Parallel()

	svc, settings, path := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", "Wed, 01 Jan 2025 00:00:00 GMT")
		_, _ = w.Write(bytes.Repeat([]byte{1}, MinDatabaseSize))
	})

	updated, err := svc.Refresh(context.Background())
	if err != nil || updated {
		t.Fatalf("expected small body to be ignored, updated=%v err=%v", updated, err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("database must not be written, stat err=%v", err)
	}
	if _, ok, _ := settings.GetString(context.Background(), domain.SettingGeoIPLastModified); ok {
		t.Fatalf("Last-Modified must not be remembered for ignored responses")
	}
}

func TestRefresh_ServerErrorReturnsDownloadFailed(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	if _, err := svc.Refresh(context.Background()); !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("expected ErrDownloadFailed, got %v", err)
	}
}

func TestProvision_CopiesBundleWhenMissing(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotModified)
	}))
	t.Cleanup(srv.Close)

	bundle := t.TempDir()
	if err := os.WriteFile(filepath.Join(bundle, "GeoLite2-Country.mmdb"), []byte("bundled"), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	path := filepath.Join(t.TempDir(), "GeoLite2-Country.mmdb")
	svc := NewService(Options{Path: path, BundleDir: bundle, URL: srv.URL, Client: srv.Client()}, memory.NewSettingsRepo(memory.NewStore(nil)))

	if svc.Provision(context.Background()) {
		t.Fatalf("copying the bundle should not count as a refresh")
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "bundled" {
		t.Fatalf("expected bundled database to be copied, got %q err=%v", data, err)
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no download when bundle was copied, got %d", hits.Load())
	}

	// 已存在时改为条件刷新
	if !svc.Provision(context.Background()) {
		t.Fatalf("expected Provision to report a refresh")
	}
	if hits.Load() != 1 {
		t.Fatalf("expected refresh when database already present, got %d hits", hits.Load())
	}
}

func TestProvision_ExistingDatabaseRefreshesConditionally(t *testing.T) {
	t.Parallel()

	rec := &recordedRequest{}
	svc, _, path := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		rec.add(r.Header.Get("If-Modified-Since"))
		w.WriteHeader(http.StatusNotModified)
	})
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("existing"), 0o644); err != nil {
		t.Fatalf("write database: %v", err)
	}

	if !svc.Provision(context.Background()) {
		t.Fatalf("expected Provision to refresh an existing database")
	}
	got := rec.all()
	if len(got) != 1 || got[0] != DefaultLastModified {
		t.Fatalf("expected one conditional request with the default date, got %v", got)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "existing" {
		t.Fatalf("304 must keep the existing database, got %q err=%v", data, err)
	}
}

func TestInspect_NotProvisionedAndInvalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "GeoLite2-Country.mmdb")
	svc := NewService(Options{Path: path}, nil)

	if _, err := svc.Inspect(context.Background()); !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned, got %v", err)
	}
	if err := os.WriteFile(path, []byte("not a maxmind db"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := svc.Inspect(context.Background()); !errors.Is(err, ErrInvalidDatabase) {
		t.Fatalf("expected ErrInvalidDatabase, got %v", err)
	}
	if _, err := svc.Lookup("not-an-ip"); err == nil {
		t.Fatalf("expected invalid ip error")
	}
}
