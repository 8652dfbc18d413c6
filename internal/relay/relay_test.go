package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestRelay(t *testing.T, opts Options) (*Relay, *MockPeerLookup, *MockTransport) {
	t.Helper()
	ctrl := gomock.NewController(t)
	peers := NewMockPeerLookup(ctrl)
	transport := NewMockTransport(ctrl)
	r := New(peers, transport, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return r, peers, transport
}

func TestRelay_DeliversToCurrentPeer(t *testing.T) {
	r, peers, transport := newTestRelay(t, Options{BlockedKinds: DefaultBlockedKinds})
	ctx := context.Background()

	peers.EXPECT().PeerOf(ctx, "u1").Return("u2", true, nil)
	transport.EXPECT().Deliver(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, d Delivery) error {
		require.Equal(t, "u2", d.To)
		require.Equal(t, KindText, d.Content.Kind)
		require.Equal(t, "hello", d.Content.Text)
		require.NotEmpty(t, d.ID)
		return nil
	})

	status, err := r.Relay(ctx, "u1", Content{Kind: KindText, Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, status)
	require.Equal(t, uint64(1), r.Delivered())
}

func TestRelay_NoActivePeer(t *testing.T) {
	r, peers, _ := newTestRelay(t, Options{})
	ctx := context.Background()

	peers.EXPECT().PeerOf(ctx, "u1").Return("", false, nil)

	status, err := r.Relay(ctx, "u1", Content{Kind: KindText, Text: "anyone there?"})
	require.NoError(t, err)
	require.Equal(t, StatusNoActivePeer, status)
	require.Zero(t, r.Delivered())
}

func TestRelay_BlockedKindNeverReachesPeer(t *testing.T) {
	// No expectations: neither the lookup nor the transport may be called.
	r, _, _ := newTestRelay(t, Options{BlockedKinds: DefaultBlockedKinds})

	status, err := r.Relay(context.Background(), "u1", Content{
		Kind:    KindContact,
		Contact: &Contact{PhoneNumber: "+15550100", FirstName: "Ann"},
	})
	require.NoError(t, err)
	require.Equal(t, StatusUnsupportedContentType, status)
}

func TestRelay_InvalidContent(t *testing.T) {
	r, _, _ := newTestRelay(t, Options{MaxTextChars: 5})

	status, err := r.Relay(context.Background(), "u1", Content{Kind: KindText, Text: "too long"})
	require.ErrorIs(t, err, ErrInvalidContent)
	require.Equal(t, StatusFailed, status)
}

func TestRelay_TransportFailureIsAnError(t *testing.T) {
	r, peers, transport := newTestRelay(t, Options{})
	ctx := context.Background()

	peers.EXPECT().PeerOf(ctx, "u1").Return("u2", true, nil)
	transport.EXPECT().Deliver(ctx, gomock.Any()).Return(errors.New("nats: connection closed"))

	status, err := r.Relay(ctx, "u1", Content{Kind: KindText, Text: "hi"})
	require.Error(t, err)
	require.Equal(t, StatusFailed, status)
	require.Zero(t, r.Delivered())
}

func TestRelay_LookupFailureIsAnError(t *testing.T) {
	r, peers, _ := newTestRelay(t, Options{})
	ctx := context.Background()

	peers.EXPECT().PeerOf(ctx, "u1").Return("", false, errors.New("redis down"))

	status, err := r.Relay(ctx, "u1", Content{Kind: KindText, Text: "hi"})
	require.Error(t, err)
	require.Equal(t, StatusFailed, status)
}

func TestRelay_SniffsAttachmentType(t *testing.T) {
	r, peers, transport := newTestRelay(t, Options{})
	ctx := context.Background()
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	peers.EXPECT().PeerOf(ctx, "u1").Return("u2", true, nil)
	transport.EXPECT().Deliver(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, d Delivery) error {
		require.Equal(t, "image/png", d.Content.MIMEType)
		require.Equal(t, "look", d.Content.Caption)
		require.Equal(t, png, d.Content.Data)
		return nil
	})

	status, err := r.Relay(ctx, "u1", Content{Kind: KindPhoto, Data: png, Caption: "look"})
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, status)
}

func TestContent_Validate(t *testing.T) {
	cases := []struct {
		name    string
		content Content
		wantErr bool
	}{
		{"text", Content{Kind: KindText, Text: "hi"}, false},
		{"empty text", Content{Kind: KindText}, true},
		{"oversized text", Content{Kind: KindText, Text: strings.Repeat("a", MaxMessageBytes+1)}, true},
		{"invalid utf8", Content{Kind: KindText, Text: "\xff\xfe"}, true},
		{"unknown kind", Content{Kind: "hologram", Text: "x"}, true},
		{"missing kind", Content{Text: "x"}, true},
		{"photo by reference", Content{Kind: KindPhoto, FileRef: "AgADBAAD"}, false},
		{"photo without payload", Content{Kind: KindPhoto}, true},
		{"voice inline", Content{Kind: KindVoice, Data: []byte("OggS")}, false},
		{"location", Content{Kind: KindLocation, Location: &Location{Latitude: 41.7, Longitude: 44.8}}, false},
		{"location out of range", Content{Kind: KindLocation, Location: &Location{Latitude: 91}}, true},
		{"location missing", Content{Kind: KindLocation}, true},
		{"contact", Content{Kind: KindContact, Contact: &Contact{PhoneNumber: "+15550100"}}, false},
		{"contact without phone", Content{Kind: KindContact, Contact: &Contact{FirstName: "Ann"}}, true},
		{"long caption", Content{Kind: KindDocument, FileRef: "f", Caption: strings.Repeat("c", MaxCaptionChars+1)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.content.Validate(0)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidContent)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestContent_NormalizeKeepsDeclaredType(t *testing.T) {
	c := Content{Kind: KindDocument, Data: []byte("%PDF-1.7"), MIMEType: "application/x-custom"}
	c.Normalize()
	require.Equal(t, "application/x-custom", c.MIMEType)

	c = Content{Kind: KindDocument, Data: []byte("%PDF-1.7\n")}
	c.Normalize()
	require.Equal(t, "application/pdf", c.MIMEType)
}

func TestParseKindAndStatus(t *testing.T) {
	k, err := ParseKind(" Video_Note ")
	require.NoError(t, err)
	require.Equal(t, KindVideoNote, k)
	_, err = ParseKind("fax")
	require.Error(t, err)

	var zero Status
	require.Equal(t, StatusFailed, zero)

	for _, s := range []Status{StatusFailed, StatusDelivered, StatusNoActivePeer, StatusUnsupportedContentType} {
		got, err := ParseStatus(s.String())
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
}

type publishFunc func(userID string, data []byte) error

func (f publishFunc) PublishDelivery(userID string, data []byte) error { return f(userID, data) }

func TestNATSTransport(t *testing.T) {
	var to string
	var payload []byte
	tr := NewNATSTransport(publishFunc(func(uid string, data []byte) error {
		to, payload = uid, data
		return nil
	}))

	require.NoError(t, tr.Deliver(context.Background(), Delivery{ID: "d1", To: "u2", Content: Content{Kind: KindText, Text: "yo"}}))
	require.Equal(t, "u2", to)
	require.Contains(t, string(payload), `"text":"yo"`)
}
