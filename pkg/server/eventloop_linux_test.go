//go:build linux

package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-dev/wthr/pkg/forecast"
	"github.com/vango-dev/wthr/pkg/geo"
)

var zhengzhou = geo.Location{Latitude: 34.7578, Longitude: 113.6486}

type fakeClock interface {
	clockwork.Clock
	BlockUntil(n int)
	Advance(d time.Duration)
}

type testServer struct {
	*Server
	clock   fakeClock
	metrics *Metrics
	addr    string
	cancel  context.CancelFunc
	done    chan error
}

func startServer(t *testing.T, cfg *ServerConfig, resolver LocationResolver, provider ContentProvider) *testServer {
	t.Helper()
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	cfg.Port = "0"

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 4, 23, 0, 0, 0, time.UTC))
	metrics := NewMetrics(WithRegistry(prometheus.NewRegistry()))
	s := New(cfg, resolver, provider, WithClock(clock), WithMetrics(metrics), WithLogger(testLogger()))
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		Server:  s,
		clock:   clock,
		metrics: metrics,
		addr:    fmt.Sprintf("127.0.0.1:%d", s.Addr().(*net.TCPAddr).Port),
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { ts.done <- s.Serve(ctx) }()
	t.Cleanup(func() { ts.stop(t) })
	return ts
}

func (ts *testServer) stop(t *testing.T) error {
	t.Helper()
	ts.cancel()
	select {
	case err, ok := <-ts.done:
		if ok {
			close(ts.done)
		}
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
		return nil
	}
}

// broadcast moves the fake clock to the next boundary.
func (ts *testServer) broadcast() {
	ts.clock.BlockUntil(1)
	now := ts.clock.Now()
	ts.clock.Advance(NextBoundary(now, ts.Config().Interval).Sub(now))
}

func (ts *testServer) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func fixedResolver(loc geo.Location) LocationResolver {
	return geo.Fixed{Location: loc}
}

func sampleForecast() forecast.Forecast {
	f := forecast.Forecast{Timezone: "UTC"}
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	for i := 0; i < forecast.Hours; i++ {
		f.Hours = append(f.Hours, forecast.Hour{
			Time:          day.Add(time.Duration(i) * time.Hour),
			Temperature:   12.6,
			Humidity:      40,
			WindSpeed:     7.21,
			Precipitation: 5,
			CloudCover:    70,
		})
	}
	return f
}

type staticFetcher struct{ f forecast.Forecast }

func (s staticFetcher) Fetch(ctx context.Context, loc geo.Location) (forecast.Forecast, error) {
	return s.f, nil
}

func TestServerDeliversForecast(t *testing.T) {
	var gotAddr atomic.Value
	resolver := resolverFunc(func(ctx context.Context, remoteAddr string) (geo.Location, error) {
		gotAddr.Store(remoteAddr)
		return zhengzhou, nil
	})
	ts := startServer(t, nil, resolver, forecast.NewProvider(staticFetcher{sampleForecast()}))

	client := ts.dial(t)
	waitFor(t, "registration", func() bool { return ts.Registry().Len() == 1 })

	conn := ts.Registry().Snapshot()[0]
	if conn.Location != zhengzhou {
		t.Errorf("Location = %v, want %v", conn.Location, zhengzhou)
	}
	if conn.RemoteAddr != "127.0.0.1" || gotAddr.Load() != "127.0.0.1" {
		t.Errorf("RemoteAddr = %q, resolver saw %v", conn.RemoteAddr, gotAddr.Load())
	}
	if conn.ID == "" {
		t.Error("connection should get an ID")
	}

	ts.broadcast()

	r := bufio.NewReader(client)
	var lines []string
	for i := 0; i < forecast.Hours+1; i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read line %d: %v", i, err)
		}
		lines = append(lines, strings.TrimSuffix(line, "\n"))
	}
	if lines[0] != "Forecast for Tuesday:" {
		t.Errorf("header = %q", lines[0])
	}
	if want := "00:00: Temperature 12C, Humidity 40%, Wind 7.2km/h, No precipitation, Cloudy"; lines[1] != want {
		t.Errorf("line 1 = %q, want %q", lines[1], want)
	}
	if !strings.HasPrefix(lines[24], "23:00: ") {
		t.Errorf("last line = %q", lines[24])
	}

	if ts.Registry().Len() != 1 {
		t.Error("client should stay registered after delivery")
	}
}

func TestServerResolveFailure(t *testing.T) {
	resolver := resolverFunc(func(ctx context.Context, remoteAddr string) (geo.Location, error) {
		return geo.Location{}, geo.ErrNotFound
	})
	ts := startServer(t, nil, resolver, locationProvider())

	client := ts.dial(t)
	data, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(data) != ResolveFailureNotice {
		t.Errorf("received %q, want %q", data, ResolveFailureNotice)
	}
	if ts.Registry().Len() != 0 {
		t.Error("failed client must not be registered")
	}
	waitFor(t, "rejection metric", func() bool {
		return testutil.ToFloat64(ts.metrics.rejectedTotal.WithLabelValues(RejectResolveFailed)) == 1
	})
}

func TestServerHangupRemovesConnection(t *testing.T) {
	ts := startServer(t, nil, fixedResolver(zhengzhou), locationProvider())

	client := ts.dial(t)
	waitFor(t, "registration", func() bool { return ts.Registry().Len() == 1 })

	client.Close()
	waitFor(t, "removal", func() bool { return ts.Registry().Len() == 0 })

	if got := testutil.ToFloat64(ts.metrics.disconnectsTotal); got != 1 {
		t.Errorf("disconnects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ts.metrics.activeConnections); got != 0 {
		t.Errorf("active = %v, want 0", got)
	}
}

func TestServerHalfCloseRemovesConnection(t *testing.T) {
	ts := startServer(t, nil, fixedResolver(zhengzhou), locationProvider())

	client := ts.dial(t)
	waitFor(t, "registration", func() bool { return ts.Registry().Len() == 1 })

	client.(*net.TCPConn).CloseWrite()
	waitFor(t, "removal", func() bool { return ts.Registry().Len() == 0 })
}

func TestServerIndependentClients(t *testing.T) {
	var n atomic.Int32
	resolver := resolverFunc(func(ctx context.Context, remoteAddr string) (geo.Location, error) {
		i := n.Add(1)
		return geo.Location{Latitude: float64(i), Longitude: float64(i)}, nil
	})
	ts := startServer(t, nil, resolver, locationProvider())

	first := ts.dial(t)
	waitFor(t, "first registration", func() bool { return ts.Registry().Len() == 1 })
	second := ts.dial(t)
	third := ts.dial(t)
	waitFor(t, "all registrations", func() bool { return ts.Registry().Len() == 3 })

	// A departed client must not disturb delivery to the others.
	third.Close()
	waitFor(t, "removal", func() bool { return ts.Registry().Len() == 2 })

	ts.broadcast()

	for i, c := range []net.Conn{first, second} {
		line, err := bufio.NewReader(c).ReadString('\n')
		if err != nil {
			t.Fatalf("client %d read: %v", i+1, err)
		}
		want := fmt.Sprintf("forecast for %s\n", geo.Location{Latitude: float64(i + 1), Longitude: float64(i + 1)})
		if line != want {
			t.Errorf("client %d got %q, want %q", i+1, line, want)
		}
	}
}

func TestServerCapacity(t *testing.T) {
	ts := startServer(t, &ServerConfig{MaxConnections: 1}, fixedResolver(zhengzhou), locationProvider())

	ts.dial(t)
	waitFor(t, "registration", func() bool { return ts.Registry().Len() == 1 })

	extra := ts.dial(t)
	data, err := io.ReadAll(extra)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(data) != CapacityNotice {
		t.Errorf("received %q, want %q", data, CapacityNotice)
	}
	if ts.Registry().Len() != 1 {
		t.Errorf("Len() = %d, want 1", ts.Registry().Len())
	}
}

func TestServerShutdownClosesClients(t *testing.T) {
	ts := startServer(t, nil, fixedResolver(zhengzhou), locationProvider())

	client := ts.dial(t)
	waitFor(t, "registration", func() bool { return ts.Registry().Len() == 1 })

	if err := ts.stop(t); err != nil {
		t.Errorf("Serve returned %v, want nil", err)
	}
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("client read after shutdown = %v, want EOF", err)
	}
	if ts.Registry().Len() != 0 {
		t.Error("registry should be empty after shutdown")
	}
	if err := ts.Serve(context.Background()); !errors.Is(err, ErrServerClosed) {
		t.Errorf("second Serve = %v, want ErrServerClosed", err)
	}
	if _, err := net.Dial("tcp", ts.addr); err == nil {
		t.Error("listener should be closed after shutdown")
	}
}

func TestListenInvalidPort(t *testing.T) {
	s := New(&ServerConfig{Port: "not-a-port"}, geo.Fixed{}, locationProvider(), WithLogger(testLogger()))
	if err := s.Listen(); !errors.Is(err, ErrInvalidPort) {
		t.Errorf("Listen() = %v, want ErrInvalidPort", err)
	}
}

func TestListenPortInUse(t *testing.T) {
	ts := startServer(t, nil, fixedResolver(zhengzhou), locationProvider())
	port := fmt.Sprint(ts.Addr().(*net.TCPAddr).Port)

	s := New(&ServerConfig{Port: port}, geo.Fixed{}, locationProvider(), WithLogger(testLogger()))
	if err := s.Listen(); !errors.Is(err, ErrBind) {
		t.Errorf("Listen() = %v, want ErrBind", err)
	}
}

func TestSendTimeoutOnStalledPeer(t *testing.T) {
	ts := startServer(t, &ServerConfig{SendTimeout: 100 * time.Millisecond},
		fixedResolver(zhengzhou),
		ContentProviderFunc(func(ctx context.Context, loc geo.Location) (string, error) {
			return strings.Repeat("x", 16<<20), nil
		}))

	ts.dial(t) // never reads
	waitFor(t, "registration", func() bool { return ts.Registry().Len() == 1 })

	res := ts.Broadcaster().RunCycle(context.Background())
	if res.SendFailures != 1 {
		t.Fatalf("result = %+v, want one send failure", res)
	}
	if res.BytesSent <= 0 || res.BytesSent >= 16<<20 {
		t.Errorf("BytesSent = %d, want a partial send", res.BytesSent)
	}
}

// exhaustDescriptors lowers the soft descriptor limit and fills it, leaving
// exactly one free slot. The returned func releases everything.
func exhaustDescriptors(t *testing.T) func() {
	t.Helper()
	var orig syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &orig); err != nil {
		t.Skipf("getrlimit: %v", err)
	}
	open, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot count open descriptors: %v", err)
	}

	lowered := orig
	lowered.Cur = uint64(len(open) + 16)
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &lowered); err != nil {
		t.Skipf("setrlimit: %v", err)
	}

	var fillers []*os.File
	release := func() {
		for _, f := range fillers {
			f.Close()
		}
		fillers = nil
		syscall.Setrlimit(syscall.RLIMIT_NOFILE, &orig)
	}
	for {
		f, err := os.Open(os.DevNull)
		if err != nil {
			break
		}
		fillers = append(fillers, f)
	}
	if len(fillers) == 0 {
		release()
		t.Skip("descriptor limit already reached")
	}
	fillers[len(fillers)-1].Close()
	fillers = fillers[:len(fillers)-1]
	return release
}

func TestServerAcceptBacksOffWhenOutOfDescriptors(t *testing.T) {
	ts := startServer(t, nil, fixedResolver(zhengzhou), locationProvider())

	release := exhaustDescriptors(t)
	released := false
	defer func() {
		if !released {
			release()
		}
	}()

	// The dial takes the last free descriptor, so the server's accept fails.
	client, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer client.Close()

	waitFor(t, "first accept error", func() bool {
		return testutil.ToFloat64(ts.metrics.acceptErrors) >= 1
	})
	time.Sleep(200 * time.Millisecond)

	// 5+10+20+40+80+160ms of backoff allows at most a handful of retries.
	if got := testutil.ToFloat64(ts.metrics.acceptErrors); got > 10 {
		t.Errorf("accept errors in 200ms = %v, want a bounded retry rate", got)
	}
	if ts.Registry().Len() != 0 {
		t.Error("no client can be registered without a descriptor")
	}

	release()
	released = true
	waitFor(t, "registration after descriptors are freed", func() bool {
		return ts.Registry().Len() == 1
	})
}
