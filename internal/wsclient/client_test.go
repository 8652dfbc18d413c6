package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/whisper/roulette/internal/protocol"
)

// greetingServer upgrades and writes session_created in the same breath as
// the handshake response, then echoes a pong for every ping.
func greetingServer(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		created, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{UserID: "user-1"})
		if err != nil {
			return
		}
		if err := wsutil.WriteServerMessage(conn, ws.OpText, created); err != nil {
			return
		}
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			if strings.Contains(string(data), protocol.TypePing) {
				_ = wsutil.WriteServerMessage(conn, ws.OpText, protocol.Simple(protocol.TypePong))
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestDial_SeesFrameSentWithHandshake(t *testing.T) {
	url := greetingServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for range 5 {
		c, err := Dial(ctx, url)
		require.NoError(t, err)
		require.NoError(t, c.WaitForSession(ctx))
		require.Equal(t, "user-1", c.UserID())

		require.NoError(t, c.SendType(protocol.TypePing))
		_, err = c.Expect(ctx, protocol.TypePong)
		require.NoError(t, err)
		require.NoError(t, c.Close())
	}
}

func TestDialConn_ReplaysBufferedFrame(t *testing.T) {
	url := greetingServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := DialConn(ctx, url)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	require.Contains(t, string(data), protocol.TypeSessionCreated)
}
