package ops

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionguard/pkg/logx"
)

func waitAddr(t *testing.T, s *Service) string {
	t.Helper()
	var addr string
	require.Eventually(t, func() bool {
		addr = s.Addr()
		return addr != ""
	}, 3*time.Second, 10*time.Millisecond)
	return addr
}

func TestServiceStartStop(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Dispatcher: d}, logx.Nop())
	s.Start(context.Background())

	addr := waitAddr(t, s)
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Empty(t, s.Addr())
}

func TestServiceRefusesPublicBindWithoutToken(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{Dispatcher: d}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, s.Addr())
}

func TestServiceReconfigureDisable(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Dispatcher: d}, logx.Nop())
	s.Start(context.Background())
	waitAddr(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: false})
	assert.False(t, s.Enabled())
	assert.Empty(t, s.Addr())
}
