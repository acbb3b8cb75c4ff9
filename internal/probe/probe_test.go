package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"deadman/internal/model"
	logx "deadman/pkg/logx"
)

const userOK = `{"code":0,"message":"0","data":{"mid":1,"name":"Alice","face":"https://i0.hdslb.com/x.jpg"}}`

// fakeAPI serves the two profile endpoints. dynamics is returned verbatim
// unless failFirst > 0, in which case that many dynamics calls get a 503.
type fakeAPI struct {
	user      string
	dynamics  string
	failFirst int32
	calls     atomic.Int32
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(pathUserInfo, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Referer") == "" || r.Header.Get("User-Agent") == "" {
			t.Errorf("missing browser headers")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(f.user))
	})
	mux.HandleFunc(pathDynamics, func(w http.ResponseWriter, r *http.Request) {
		n := f.calls.Add(1)
		if r.URL.Query().Get("host_mid") == "" {
			t.Errorf("host_mid missing")
		}
		if n <= f.failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(f.dynamics))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestProber(srv *httptest.Server, retries int) *Prober {
	c := NewBilibiliClient(srv.URL, "", srv.Client())
	return New(c, Options{Timeout: 2 * time.Second, RetryMax: retries, RetryBackoff: time.Millisecond}, logx.Nop())
}

func TestProbeLatestAcrossItems(t *testing.T) {
	api := &fakeAPI{
		user: userOK,
		// Pinned first item is older; the third uses milliseconds in extend_json.
		dynamics: `{"code":0,"data":{"items":[
			{"modules":{"module_author":{"pub_ts":1700000000}}},
			{"pub_ts":"1700100000"},
			{"extend_json":"{\"timestamp\":1700200000000}"},
			{"modules":{}}
		]}}`,
	}
	p := newTestProber(api.server(t), 3)

	res := p.Probe(context.Background(), model.Subject{ID: "123"})
	if !res.Success() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	want := time.UnixMilli(1700200000000)
	if res.Activity.LastActivityAt == nil || !res.Activity.LastActivityAt.Equal(want) {
		t.Fatalf("last activity = %v, want %v", res.Activity.LastActivityAt, want)
	}
	if res.Activity.Name != "Alice" || res.Activity.Items != 4 {
		t.Fatalf("unexpected activity: %+v", res.Activity)
	}
}

func TestProbeEmptyAndHiddenFeedsAreAbsent(t *testing.T) {
	for name, dyn := range map[string]string{
		"empty":  `{"code":0,"data":{"items":[]}}`,
		"null":   `{"code":0,"data":null}`,
		"hidden": `{"code":53013,"message":"privacy"}`,
	} {
		t.Run(name, func(t *testing.T) {
			api := &fakeAPI{user: userOK, dynamics: dyn}
			res := newTestProber(api.server(t), 3).Probe(context.Background(), model.Subject{ID: "1"})
			if !res.Success() || res.Activity.LastActivityAt != nil {
				t.Fatalf("expected Success(absent), got %+v", res)
			}
		})
	}
}

func TestProbeRecoversFromTransientFailures(t *testing.T) {
	// retry_max-1 transient failures followed by a good answer.
	api := &fakeAPI{user: userOK, dynamics: `{"code":0,"data":{"items":[{"pub_ts":1700000000}]}}`, failFirst: 2}
	res := newTestProber(api.server(t), 3).Probe(context.Background(), model.Subject{ID: "1"})
	if !res.Success() || res.Attempts != 3 {
		t.Fatalf("expected success on the third attempt, got %+v", res)
	}
}

func TestProbeTransientExhausted(t *testing.T) {
	api := &fakeAPI{user: userOK, dynamics: `{}`, failFirst: 100}
	res := newTestProber(api.server(t), 2).Probe(context.Background(), model.Subject{ID: "1"})
	if res.Success() || res.Kind() != Transient || res.Attempts != 2 {
		t.Fatalf("expected transient failure after 2 attempts, got %+v", res)
	}
	if !errors.Is(res.Err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", res.Err)
	}
}

func TestProbePermanentFailuresAreNotRetried(t *testing.T) {
	for name, user := range map[string]string{
		"not found": `{"code":-404,"message":"啥都木有"}`,
		"deleted":   `{"code":0,"data":{"name":"","face":null}}`,
	} {
		t.Run(name, func(t *testing.T) {
			api := &fakeAPI{user: user, dynamics: `{"code":0,"data":{"items":[]}}`}
			res := newTestProber(api.server(t), 3).Probe(context.Background(), model.Subject{ID: "1"})
			if res.Success() || res.Kind() != Permanent || res.Attempts != 1 {
				t.Fatalf("expected one permanent failure, got %+v", res)
			}
			if !errors.Is(res.Err, ErrPermanent) {
				t.Fatalf("expected ErrPermanent, got %v", res.Err)
			}
		})
	}
}

func TestProbeInvalidUID(t *testing.T) {
	api := &fakeAPI{user: userOK}
	res := newTestProber(api.server(t), 3).Probe(context.Background(), model.Subject{ID: "abc"})
	if res.Kind() != Permanent || res.Attempts != 1 {
		t.Fatalf("expected permanent failure, got %+v", res)
	}
}

type panicSource struct{}

func (panicSource) FetchLatestActivity(context.Context, string) (Activity, error) {
	panic("boom")
}

func TestProbeNeverPanics(t *testing.T) {
	p := New(panicSource{}, Options{RetryMax: 1}, logx.Nop())
	res := p.Probe(context.Background(), model.Subject{ID: "1"})
	if res.Success() {
		t.Fatal("panic must surface as a failure")
	}
}

func TestProbeCanceledContext(t *testing.T) {
	api := &fakeAPI{user: userOK, dynamics: `{}`, failFirst: 100}
	srv := api.server(t)
	p := New(NewBilibiliClient(srv.URL, "", srv.Client()),
		Options{RetryMax: 5, RetryBackoff: time.Hour}, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := p.Probe(ctx, model.Subject{ID: "1"})
	if res.Success() || !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline failure, got %+v", res)
	}
}

func TestParseEpoch(t *testing.T) {
	cases := []struct {
		in   string
		want int64 // unix ms, 0 = invalid
	}{
		{`1700000000`, 1700000000000},
		{`"1700000000"`, 1700000000000},
		{`1700000000123`, 1700000000123},
		{`null`, 0},
		{`"abc"`, 0},
		{`-5`, 0},
	}
	for _, tc := range cases {
		got, ok := parseEpoch([]byte(tc.in))
		if tc.want == 0 {
			if ok {
				t.Fatalf("%s: expected invalid, got %v", tc.in, got)
			}
			continue
		}
		if !ok || got.UnixMilli() != tc.want {
			t.Fatalf("%s: got %v ok=%v", tc.in, got.UnixMilli(), ok)
		}
	}
}
