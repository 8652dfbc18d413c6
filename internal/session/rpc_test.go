package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/whisper/roulette/internal/matching"
	"github.com/whisper/roulette/internal/messaging"
	"github.com/whisper/roulette/internal/relay"
)

// loopback is an in-process bus: Respond registers, Request calls directly.
type loopback struct {
	mu       sync.Mutex
	handlers map[string]func([]byte) []byte
}

func (b *loopback) Respond(subject string, h func([]byte) []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string]func([]byte) []byte)
	}
	b.handlers[subject] = h
	return nil
}

func (b *loopback) Request(_ context.Context, subject string, data []byte) ([]byte, error) {
	b.mu.Lock()
	h, ok := b.handlers[subject]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no responders for %s", subject)
	}
	return h(data), nil
}

type captured struct {
	mu         sync.Mutex
	deliveries []relay.Delivery
}

func (c *captured) Deliver(_ context.Context, d relay.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, d)
	return nil
}

func newRemote(t *testing.T, opts matching.Options) (*Client, *captured) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mm := matching.NewMatchmaker(matching.NewMemoryStore(), nil, nil, opts, logger)
	out := &captured{}
	r := relay.New(mm, out, relay.Options{BlockedKinds: relay.DefaultBlockedKinds}, logger)

	bus := &loopback{}
	require.NoError(t, NewServer(NewLifecycle(mm, r), bus, logger).Start())
	return NewClient(bus), out
}

func TestRPC_MatchRelayEnd(t *testing.T) {
	c, out := newRemote(t, matching.Options{RequeueAbandoned: true})
	ctx := context.Background()

	res, err := c.RequestMatch(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, matching.StatusSearching, res.Status)

	res, err = c.RequestMatch(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, matching.StatusMatched, res.Status)
	require.Equal(t, "u1", res.Peer)
	require.NotEmpty(t, res.Pair.ID)

	peer, ok, err := c.PeerOf(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u2", peer)

	status, err := c.Relay(ctx, "u1", relay.Content{Kind: relay.KindText, Text: "hey"})
	require.NoError(t, err)
	require.Equal(t, relay.StatusDelivered, status)
	require.Len(t, out.deliveries, 1)
	require.Equal(t, "u2", out.deliveries[0].To)

	status, err = c.Relay(ctx, "u1", relay.Content{Kind: relay.KindContact, Contact: &relay.Contact{PhoneNumber: "+1555"}})
	require.NoError(t, err)
	require.Equal(t, relay.StatusUnsupportedContentType, status)

	end, err := c.EndSession(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, matching.EndDissolved, end.Status)
	require.Equal(t, "u1", end.FormerPeer)

	status, err = c.Relay(ctx, "u2", relay.Content{Kind: relay.KindText, Text: "still there?"})
	require.NoError(t, err)
	require.Equal(t, relay.StatusNoActivePeer, status)

	// u1 was requeued, so a fresh user pairs with it.
	res, err = c.RequestMatch(ctx, "u3")
	require.NoError(t, err)
	require.Equal(t, "u1", res.Peer)
}

func TestRPC_CancelAndLeave(t *testing.T) {
	c, _ := newRemote(t, matching.Options{})
	ctx := context.Background()

	require.NoError(t, c.CancelSearch(ctx, "ghost"))

	_, err := c.RequestMatch(ctx, "u1")
	require.NoError(t, err)
	end, err := c.Leave(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, matching.EndNotPaired, end.Status)
	require.True(t, end.WasSearching)

	res, err := c.SwapPartner(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, matching.StatusSearching, res.Status)
}

func TestRPC_ErrorsMapBackToSentinels(t *testing.T) {
	c, _ := newRemote(t, matching.Options{})
	ctx := context.Background()

	_, err := c.RequestMatch(ctx, "")
	require.ErrorIs(t, err, matching.ErrInvalidUser)

	_, err = c.Relay(ctx, "u1", relay.Content{Kind: relay.KindText})
	require.ErrorIs(t, err, relay.ErrInvalidContent)
}

func TestRPC_MalformedRequest(t *testing.T) {
	bus := &loopback{}
	require.NoError(t, NewServer(nil, bus, nil).Start())

	raw, err := bus.Request(context.Background(), messaging.SubjectPairRequest, []byte("{"))
	require.NoError(t, err)

	var reply rpcReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Equal(t, codeBadRequest, reply.Code)
}

type failingBus struct{}

func (failingBus) Request(context.Context, string, []byte) ([]byte, error) {
	return nil, errors.New("nats: no responders available for request")
}

func TestClient_TransportError(t *testing.T) {
	_, err := NewClient(failingBus{}).RequestMatch(context.Background(), "u1")
	require.Error(t, err)
}
