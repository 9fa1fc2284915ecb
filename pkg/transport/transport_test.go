package transport

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBroadcastDeliversToConnectedPeer(t *testing.T) {
	received := make(chan string, 1)
	server := New(zap.NewNop(), func(addr string, data []byte) {
		received <- string(data)
	})

	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"

	client := New(zap.NewNop(), nil)
	require.NoError(t, client.Dial(wsURL))

	require.Eventually(t, func() bool { return server.PeerCount() == 1 }, time.Second, 5*time.Millisecond)

	client.Broadcast([]byte("hello"))

	select {
	case got := <-received:
		require.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast delivery")
	}
}

func TestSendToReportsMissingPeer(t *testing.T) {
	tr := New(zap.NewNop(), nil)
	require.False(t, tr.SendTo("nobody", []byte("x")))
}

func TestPeerCountTracksDisconnect(t *testing.T) {
	server := New(zap.NewNop(), nil)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	client := New(zap.NewNop(), nil)
	require.NoError(t, client.Dial(wsURL))

	require.Eventually(t, func() bool { return server.PeerCount() == 1 }, time.Second, 5*time.Millisecond)

	client.Close()

	require.Eventually(t, func() bool { return server.PeerCount() == 0 }, time.Second, 5*time.Millisecond)
}
