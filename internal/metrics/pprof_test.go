package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchq/internal/runtime/supervisor"
	"batchq/pkg/logx"
)

func TestPprofRequiresToken(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ServeListener(ctx, ln, New().Handler(), logx.Nop(), WithPprof("s3cret")) }()

	base := "http://" + ln.Addr().String() + pprofPrefix
	status := func(url string, hdr string) int {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		require.NoError(t, err)
		if hdr != "" {
			req.Header.Set("Authorization", hdr)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return 0
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Eventually(t, func() bool { return status(base, "") == http.StatusUnauthorized }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, http.StatusUnauthorized, status(base+"?token=wrong", ""))
	assert.Equal(t, http.StatusOK, status(base+"?token=s3cret", ""))
	assert.Equal(t, http.StatusOK, status(base+"cmdline", "Bearer s3cret"))
}

func TestMountPprofRefusesOpenAddrWithoutToken(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	assert.False(t, mountPprof(mux, "0.0.0.0:9464", "", logx.Nop()))
	assert.True(t, mountPprof(http.NewServeMux(), "127.0.0.1:9464", "", logx.Nop()))
	assert.True(t, mountPprof(http.NewServeMux(), "0.0.0.0:9464", "t", logx.Nop()))
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:1"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":1"))
	assert.False(t, isLoopbackAddr("10.0.0.1:1"))
	assert.False(t, isLoopbackAddr("nonsense"))
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := supervisor.New(ctx)
	sup.Go0("idle", func(ctx context.Context) { <-ctx.Done() })
	defer sup.Cancel()

	go func() {
		_ = ServeListener(ctx, ln, New().Handler(), logx.Nop(),
			WithPprof("tok"),
			WithStatus(func() any { return sup.Snapshot() }),
		)
	}()

	url := "http://" + ln.Addr().String() + "/debug/status"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusUnauthorized
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Get(url + "?token=tok")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap supervisor.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.EqualValues(t, 1, snap.Counters.Started)
	require.Len(t, snap.Goroutines, 1)
	assert.Equal(t, "idle", snap.Goroutines[0].Name)
}
