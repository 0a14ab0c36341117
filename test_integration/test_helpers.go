package integration

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/serverinit/serverinit/internal/config"
	"github.com/serverinit/serverinit/internal/server"
)

// testServer is a fully started server bound to a loopback port.
type testServer struct {
	baseURL string
	cfg     *config.Config
	srv     *server.Server

	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
	stopErr  error
}

// response is a detached copy of an HTTP response.
type response struct {
	status int
	body   []byte
	header map[string]string
}

// newDataDir returns a unique data directory for one test.
func newDataDir(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), fmt.Sprintf("data-%s-%s", sanitizeName(t.Name()), uuid.New().String()[:8]))
}

// startServer resolves opts into a configuration and runs the server until
// the test ends.
func startServer(t *testing.T, opts config.Options) *testServer {
	t.Helper()

	if opts.DataDir == "" {
		opts.DataDir = newDataDir(t)
	}
	if opts.Env == nil {
		env := config.DefaultEnv()
		opts.Env = &env
	}

	cfg, err := config.New(opts)
	if err != nil {
		t.Fatalf("Failed to resolve configuration: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	srv := server.New(cfg,
		server.WithListener(ln),
		server.WithVersion("integration"),
		server.WithShutdownTimeout(2*time.Second),
	)

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		baseURL: "http://" + ln.Addr().String(),
		cfg:     cfg,
		srv:     srv,
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { ts.done <- srv.Start(ctx) }()
	t.Cleanup(func() { ts.stop() })

	deadline := time.Now().Add(5 * time.Second)
	for srv.State() != server.StateServing {
		if srv.State().Terminal() || time.Now().After(deadline) {
			t.Fatalf("Server did not reach SERVING, state %s: %v", srv.State(), ts.stop())
		}
		time.Sleep(10 * time.Millisecond)
	}
	return ts
}

// stop cancels the server and waits for Start to return.
func (ts *testServer) stop() error {
	ts.stopOnce.Do(func() {
		ts.cancel()
		select {
		case ts.stopErr = <-ts.done:
		case <-time.After(10 * time.Second):
			ts.stopErr = fmt.Errorf("server did not stop")
		}
	})
	return ts.stopErr
}

// do sends a request; headers are key/value pairs.
func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) response {
	t.Helper()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(ts.baseURL + path)
	if body != "" {
		req.Header.SetContentType("application/json")
		req.SetBodyString(body)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	if err := fasthttp.DoTimeout(req, resp, 5*time.Second); err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}

	out := response{
		status: resp.StatusCode(),
		body:   append([]byte(nil), resp.Body()...),
		header: make(map[string]string),
	}
	resp.Header.VisitAll(func(key, value []byte) {
		out.header[string(key)] = string(value)
	})
	return out
}

// sanitizeName converts a test name into a safe path component.
func sanitizeName(name string) string {
	r := strings.NewReplacer("/", "_", " ", "_", ":", "_")
	name = r.Replace(name)
	if len(name) > 32 {
		name = name[:32]
	}
	return name
}
