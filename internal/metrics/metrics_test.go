package metrics

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphiteDisabledWithoutHost(t *testing.T) {
	g := NewGraphite("", 2003, "x")

	assert.Nil(t, g)
	assert.NotPanics(t, func() { g.Send(1, time.Now()) })
}

func TestGraphiteSendsOneLine(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	lines := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		line, _ := bufio.NewReader(conn).ReadString('\n')
		lines <- line
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	g := NewGraphite(host, portNum, "lab")
	ts := time.Unix(1700000000, 0)
	g.Send(12.5, ts)

	select {
	case line := <-lines:
		assert.Equal(t, "lab.mqbench.msgrate 12.500000 1700000000\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("no line received")
	}
}

func TestGraphiteFailureIsSwallowed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	g := NewGraphite("127.0.0.1", addr.Port, "")

	attempts := 0
	dial := g.dial
	g.dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
		attempts++

		return dial(network, address, timeout)
	}

	assert.NotPanics(t, func() { g.Send(1, time.Now()) })
	assert.Equal(t, graphiteAttempts, attempts)
	assert.Equal(t, "default.mqbench.msgrate 1.000000 0\n", g.Line(1, time.Unix(0, 0)))
}

func TestExporterObserve(t *testing.T) {
	e := NewExporter()

	e.Observe(Sample{Rate: 40, Delta: 400, Running: 3, Workers: map[string]int64{"w0": 200, "w1": 200}})
	e.Observe(Sample{Rate: 10, Delta: 100, Running: 2})

	assert.Equal(t, 10.0, testutil.ToFloat64(e.rate))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.runningWorkers))
	assert.Equal(t, 500.0, testutil.ToFloat64(e.iterations))
	assert.Equal(t, 200.0, testutil.ToFloat64(e.workerDelta.WithLabelValues("w0")))

	var nilExporter *Exporter
	assert.NotPanics(t, func() { nilExporter.Observe(Sample{Rate: 1}) })
}

func TestExporterHandler(t *testing.T) {
	e := NewExporter()
	e.Observe(Sample{Rate: 7, Delta: 7, Running: 1})

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "mqbench_rate 7")
	assert.Contains(t, string(body), "mqbench_iterations_total 7")
}

func TestExporterServeStopsWithContext(t *testing.T) {
	e := NewExporter()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}
