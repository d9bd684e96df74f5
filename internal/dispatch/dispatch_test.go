package dispatch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opendatarepository/odr-worker/internal/payload"
	"github.com/opendatarepository/odr-worker/internal/retry"
	"github.com/opendatarepository/odr-worker/internal/tube"
	"github.com/opendatarepository/odr-worker/internal/worker"
)

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCallEnvelopeCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		ok     bool
		kind   retry.Kind
	}{
		{"success", 200, `{"r":0,"t":"json","d":"done"}`, true, 0},
		{"busy", 200, `{"r":2,"t":"json","d":"try later"}`, false, retry.KindOverloaded},
		{"failure code", 200, `{"r":1,"t":"json","d":"broken"}`, false, retry.KindUnexpected},
		{"not json", 200, `<html>oops</html>`, false, retry.KindUnexpected},
		{"missing data", 200, `{"r":0}`, false, retry.KindUnexpected},
		{"plain 500", 500, `Internal Server Error`, false, retry.KindUnexpected},
		{"plain 404", 404, `nope`, false, retry.KindNotFound},
		{"framework 400", 400, `{"error":{"code":400,"status_text":"Bad Request","message":"bad field"}}`, false, retry.KindValidation},
		{"framework 403", 403, `{"error":{"code":403,"message":"denied"}}`, false, retry.KindForbidden},
		{"framework 401", 401, `{"error":{"code":401,"message":"who"}}`, false, retry.KindForbidden},
		{"framework 404", 200, `{"error":{"code":404,"message":"gone"}}`, false, retry.KindNotFound},
		{"framework 500", 500, `{"error":{"code":500,"message":"boom"}}`, false, retry.KindUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.status, tt.body)
			env, err := NewRemote(0).Call(context.Background(), srv.URL, url.Values{"a": {"1"}})
			if tt.ok {
				if err != nil {
					t.Fatalf("Call error: %v", err)
				}
				if env.Message() != "done" {
					t.Errorf("Message() = %q", env.Message())
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			var re *retry.Error
			if !errors.As(err, &re) {
				t.Fatalf("error %v is not a *retry.Error", err)
			}
			if re.Kind != tt.kind {
				t.Errorf("kind = %v, want %v (%v)", re.Kind, tt.kind, err)
			}
		})
	}
}

func TestCallPostsForm(t *testing.T) {
	var got url.Values
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		_ = r.ParseForm()
		got = r.PostForm
		_, _ = w.Write([]byte(`{"r":0,"t":"json","d":""}`))
	}))
	defer srv.Close()

	form := url.Values{"datarecord_id": {"12"}, "api_key": {"k"}}
	if _, err := NewRemote(0).Call(context.Background(), srv.URL, form); err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if contentType != "application/x-www-form-urlencoded" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if got.Get("datarecord_id") != "12" || got.Get("api_key") != "k" {
		t.Errorf("form = %v", got)
	}
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewRemote(50*time.Millisecond).Call(context.Background(), srv.URL, nil)
	if retry.KindOf(err) != retry.KindTimeout {
		t.Errorf("kind = %v, want timeout (%v)", retry.KindOf(err), err)
	}
}

func TestCallConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewRemote(time.Second).Call(context.Background(), "http://"+addr+"/x", nil)
	if retry.KindOf(err) != retry.KindTransient {
		t.Errorf("kind = %v, want transient (%v)", retry.KindOf(err), err)
	}
}

func TestCallWithoutEndpoint(t *testing.T) {
	_, err := NewRemote(0).Call(context.Background(), "", nil)
	if retry.KindOf(err) != retry.KindValidation {
		t.Errorf("kind = %v, want validation", retry.KindOf(err))
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Handler("x"); err == nil {
		t.Error("expected error for unknown tube")
	}

	calls := ""
	mark := func(s string) worker.Handler {
		return worker.HandlerFunc(func(ctx context.Context, job *tube.Job) error {
			calls += s
			return nil
		})
	}
	reg.Register("x", mark("a"))
	reg.Register("x", mark("b"))
	reg.Register("a", mark(""))

	h, err := reg.Handler("x")
	if err != nil {
		t.Fatalf("Handler error: %v", err)
	}
	_ = h.Handle(context.Background(), &tube.Job{})
	if calls != "b" {
		t.Errorf("calls = %q, want replaced handler only", calls)
	}
	if got := reg.Tubes(); len(got) != 2 || got[0] != "a" || got[1] != "x" {
		t.Errorf("Tubes() = %v", got)
	}
}

func TestGenericRegistersEveryTube(t *testing.T) {
	reg := NewRegistry()
	Generic(reg, NewRemote(0), nil, nil)
	want := []string{TubeCrypto, TubeImport, TubeMassEdit, TubeMigrate, TubeRebuild, TubeRecache}
	got := reg.Tubes()
	if len(got) != len(want) {
		t.Fatalf("Tubes() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Tubes()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRemoteTubeFallsBackToRouteURL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = r.ParseForm()
		if r.PostForm.Get("datarecord_id") != "4" {
			t.Errorf("datarecord_id = %q", r.PostForm.Get("datarecord_id"))
		}
		_, _ = w.Write([]byte(`{"r":0,"t":"json","d":"ok"}`))
	}))
	defer srv.Close()

	reg := NewRegistry()
	Generic(reg, NewRemote(0), map[string]Route{TubeRecache: {URL: srv.URL}}, nil)
	h, _ := reg.Handler(TubeRecache)

	// Recache requires a url, so the payload's own endpoint is used here.
	job := &tube.Job{Body: []byte(`{"datarecord_id":4,"api_key":"k","url":"` + srv.URL + `"}`)}
	if err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	// Crypto payloads carry no url and rely on the route.
	reg.Register(TubeCrypto, ForCrypto(nil, NewRemote(0), Route{URL: srv.URL}))
	h, _ = reg.Handler(TubeCrypto)
	job = &tube.Job{Body: []byte(`{"crypto_type":"encrypt","object_type":"file","object_id":4,"datarecord_id":4,"api_key":"k"}`)}
	if err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestRemoteTubeRejectsInvalidPayload(t *testing.T) {
	h := ForRemote[payload.Migrate](NewRemote(0), Route{URL: "http://unused"})
	err := h.Handle(context.Background(), &tube.Job{Body: []byte(`{"datarecord_id":1}`)})
	if retry.KindOf(err) != retry.KindValidation {
		t.Errorf("kind = %v, want validation", retry.KindOf(err))
	}
}

type fakeCrypto struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeCrypto) add(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	return f.err
}

func (f *fakeCrypto) DecryptFile(ctx context.Context, id int64, target string) error {
	return f.add("file")
}

func (f *fakeCrypto) DecryptImage(ctx context.Context, id int64, target string) error {
	return f.add("image")
}

func (f *fakeCrypto) DecryptFileForArchive(ctx context.Context, id int64, target, desired, archive string) error {
	return f.add("archive:" + desired)
}

func TestCryptoRouting(t *testing.T) {
	var remoteHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteHits.Add(1)
		_, _ = w.Write([]byte(`{"r":0,"t":"json","d":""}`))
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		body   string
		want   string
		remote bool
	}{
		{"decrypt file", `{"crypto_type":"decrypt","object_type":"File","object_id":1,"api_key":"k"}`, "file", false},
		{"decrypt image", `{"crypto_type":"decrypt","object_type":"image","object_id":1,"api_key":"k"}`, "image", false},
		{"decrypt for archive", `{"crypto_type":"decrypt","object_type":"file","object_id":1,"archive_filepath":"/tmp/a.zip","desired_filename":"a.txt","api_key":"k"}`, "archive:a.txt", false},
		{"encrypt", `{"crypto_type":"encrypt","object_type":"file","object_id":1,"api_key":"k"}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeCrypto{}
			remoteHits.Store(0)
			h := ForCrypto(fc, NewRemote(0), Route{URL: srv.URL})
			if err := h.Handle(context.Background(), &tube.Job{Body: []byte(tt.body)}); err != nil {
				t.Fatalf("Handle error: %v", err)
			}
			if tt.remote {
				if remoteHits.Load() != 1 || len(fc.calls) != 0 {
					t.Errorf("remote hits = %d, local calls = %v", remoteHits.Load(), fc.calls)
				}
				return
			}
			if remoteHits.Load() != 0 || len(fc.calls) != 1 || fc.calls[0] != tt.want {
				t.Errorf("remote hits = %d, local calls = %v, want %s", remoteHits.Load(), fc.calls, tt.want)
			}
		})
	}
}

func TestCryptoLocalFailureIsClassified(t *testing.T) {
	fc := &fakeCrypto{err: errors.New("key missing")}
	h := ForCrypto(fc, NewRemote(0), Route{})
	err := h.Handle(context.Background(), &tube.Job{Body: []byte(`{"crypto_type":"decrypt","object_type":"file","object_id":1,"api_key":"k"}`)})
	if retry.KindOf(err) != retry.KindUnexpected {
		t.Errorf("kind = %v, want unexpected", retry.KindOf(err))
	}

	err = h.Handle(context.Background(), &tube.Job{Body: []byte(`{"crypto_type":"decrypt","object_type":"video","object_id":1,"api_key":"k"}`)})
	if retry.KindOf(err) != retry.KindValidation {
		t.Errorf("kind = %v, want validation", retry.KindOf(err))
	}
}
