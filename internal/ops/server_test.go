package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invtasks/internal/lifecycle"
	"invtasks/internal/task/dispatch"
	"invtasks/internal/task/engine"
	"invtasks/internal/task/registry"
	"invtasks/internal/task/scheduler"
	logx "invtasks/pkg/logx"
)

type fakeScheduler struct{}

func (fakeScheduler) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Enabled: true, Timezone: "UTC", Schedules: []scheduler.ScheduleInfo{{Name: "inventree.tasks.heartbeat", Stored: true}}}
}

type fakeEngine struct{}

func (fakeEngine) Snapshot() engine.Snapshot { return engine.Snapshot{Enabled: true, Workers: 3} }

type fakeRegistry []string

func (f fakeRegistry) Identifiers() []string { return f }

type call struct {
	id   string
	args registry.Args
	sync bool
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, id string, args registry.Args, opts ...dispatch.Option) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{id: id, args: args, sync: len(opts) > 0})
	return f.err
}

func (f *fakeDispatcher) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func newTestServer(t *testing.T, cfg Config, d *fakeDispatcher, gate *lifecycle.Gate) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(Handler(cfg, Deps{
		Scheduler:  fakeScheduler{},
		Engine:     fakeEngine{},
		Registry:   fakeRegistry{"inventree.tasks.heartbeat", "notify.mail.send_mail"},
		Dispatcher: d,
		Gate:       gate,
	}, logx.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, payload string, hdr map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(payload))
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestReadEndpoints(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{}, &fakeDispatcher{}, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/schedules", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap scheduler.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	require.Len(t, snap.Schedules, 1)
	assert.True(t, snap.Schedules[0].Stored)

	resp, body = do(t, http.MethodGet, srv.URL+"/engine", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var es engine.Snapshot
	require.NoError(t, json.Unmarshal(body, &es))
	assert.Equal(t, 3, es.Workers)

	resp, body = do(t, http.MethodGet, srv.URL+"/tasks", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"tasks":["inventree.tasks.heartbeat","notify.mail.send_mail"]}`, string(body))
}

func TestDispatchEndpoint(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	srv := newTestServer(t, Config{}, d, nil)

	resp, _ := do(t, http.MethodPost, srv.URL+"/tasks/inventree.tasks.heartbeat", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/tasks/notify.mail.send_mail?sync=1",
		`{"args":["hi","body","","a@example.com"],"kwargs":{"fail_silently":true}}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	calls := d.recorded()
	require.Len(t, calls, 2)
	assert.False(t, calls[0].sync)
	assert.Equal(t, "inventree.tasks.heartbeat", calls[0].id)
	assert.True(t, calls[1].sync)
	assert.Equal(t, "a@example.com", calls[1].args.String(3))
	assert.True(t, calls[1].args.NamedBool("fail_silently"))

	resp, _ = do(t, http.MethodPost, srv.URL+"/tasks/x.y.z", `{"args":`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, d.recorded(), 2)
}

func TestDispatchEndpointReportsInlineError(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{err: errors.New("boom")}
	srv := newTestServer(t, Config{}, d, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/tasks/a.b.c?sync=true", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var out dispatchResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "boom", out.Error)
}

func TestNotReadyGate(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	srv := newTestServer(t, Config{}, d, lifecycle.NewGate(false))

	resp, _ := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/tasks/a.b.c", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, d.recorded())
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{Token: "s3cret"}, &fakeDispatcher{}, nil)

	resp, _ := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/healthz", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/healthz", "", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/healthz?token=s3cret", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := newTestServer(t, Config{}, &fakeDispatcher{}, nil)
	resp, _ := do(t, http.MethodGet, off.URL+"/debug/pprof/", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	on := newTestServer(t, Config{Pprof: true}, &fakeDispatcher{}, nil)
	resp, _ = do(t, http.MethodGet, on.URL+"/debug/pprof/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, on.URL+"/debug/pprof/goroutine?debug=1", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerApplyLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Deps{Registry: fakeRegistry{}}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := s.Addr()
	require.NotEmpty(t, addr)
	resp, _ := do(t, http.MethodGet, "http://"+addr+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Apply(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())

	// Public bind without a token is refused.
	s.Apply(ctx, Config{Enabled: true, Addr: "0.0.0.0:0"})
	assert.Empty(t, s.Addr())
}
