package probe

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/supporttools/net-probe/pkg/logger"
	"github.com/supporttools/net-probe/pkg/types"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// fakeResolver returns canned addresses and counts lookups.
type fakeResolver struct {
	mu    sync.Mutex
	ips   []net.IP
	errs  []error // consumed one per call before ips are returned
	calls int
}

func (r *fakeResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return r.ips, nil
}

func (r *fakeResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeSocket records connects and writes and serves a canned response.
type fakeSocket struct {
	mu         sync.Mutex
	connectErr error
	writeErr   error
	readErr    error
	response   []byte

	connects  []*net.TCPAddr
	written   [][]byte
	shutdowns int
	closed    bool
}

func (s *fakeSocket) Connect(ctx context.Context, addr *net.TCPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects = append(s.connects, addr)
	return s.connectErr
}

func (s *fakeSocket) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.written = append(s.written, append([]byte(nil), b...))
	return len(b), nil
}

func (s *fakeSocket) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return 0, s.readErr
	}
	if len(s.response) == 0 {
		return 0, io.EOF
	}
	return copy(b, s.response), nil
}

func (s *fakeSocket) SetDeadline(t time.Time) error { return nil }

func (s *fakeSocket) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeSocketFactory hands out sockets built by newSocket.
type fakeSocketFactory struct {
	mu        sync.Mutex
	openErr   error
	newSocket func() *fakeSocket
	sockets   []*fakeSocket
}

func (f *fakeSocketFactory) Open() (Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	var s *fakeSocket
	if f.newSocket != nil {
		s = f.newSocket()
	} else {
		s = &fakeSocket{response: []byte("HTTP/1.1 200 OK\r\n\r\n")}
	}
	f.sockets = append(f.sockets, s)
	return s, nil
}

func (f *fakeSocketFactory) Opened() []*fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSocket(nil), f.sockets...)
}

func (f *fakeSocketFactory) Connects() int {
	total := 0
	for _, s := range f.Opened() {
		s.mu.Lock()
		total += len(s.connects)
		s.mu.Unlock()
	}
	return total
}

// recordingReporter keeps every reported result.
type recordingReporter struct {
	mu      sync.Mutex
	results []*types.IterationResult
}

func (r *recordingReporter) ReportIteration(ctx context.Context, result *types.IterationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

func (r *recordingReporter) Results() []*types.IterationResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.IterationResult(nil), r.results...)
}

// testTarget returns a defaulted target with no delay and short timeouts.
func testTarget(t *testing.T, host string, port int) types.ProbeTarget {
	t.Helper()
	target := types.ProbeTarget{
		Host:              host,
		Port:              port,
		DelayString:       "0s",
		DialTimeoutString: "2s",
		ReadTimeoutString: "2s",
	}
	require.NoError(t, target.ApplyDefaults())
	return target
}

// newTestProber builds a Prober wired to the given fakes. Sleeps are
// recorded instead of waited.
func newTestProber(t *testing.T, target types.ProbeTarget, resolver Resolver, sockets SocketFactory) (*Prober, *[]time.Duration) {
	t.Helper()
	p, err := NewProber(target)
	require.NoError(t, err)

	var mu sync.Mutex
	sleeps := []time.Duration{}
	if resolver != nil {
		p.resolver = resolver
	}
	if sockets != nil {
		p.sockets = sockets
	}
	p.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}
	return p, &sleeps
}
