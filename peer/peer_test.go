package peer_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/adcnet/crypto"
	"github.com/flashbots/adcnet/group"
	"github.com/flashbots/adcnet/peer"
	"github.com/flashbots/adcnet/testutil"
)

type mapDirectory map[group.ID]string

func (d mapDirectory) Endpoint(id group.ID) (string, bool) {
	url, ok := d[id]
	return url, ok
}

func (d mapDirectory) Endpoints(self group.ID) []string {
	out := make([]string, 0, len(d))
	for id, url := range d {
		if id == self {
			continue
		}
		out = append(out, url)
	}
	return out
}

type mapRoster map[group.ID]crypto.PublicKey

func (r mapRoster) GetKey(id group.ID) crypto.PublicKey {
	return r[id]
}

type recordingHandler struct {
	received [][]byte
}

func (h *recordingHandler) IncomingData(ctx context.Context, raw []byte) error {
	h.received = append(h.received, append([]byte{}, raw...))
	return nil
}

type recordingShuffleHandler struct {
	from    []group.ID
	payload [][]byte
}

func (h *recordingShuffleHandler) IncomingData(ctx context.Context, from group.ID, payload []byte) error {
	h.from = append(h.from, from)
	h.payload = append(h.payload, append([]byte{}, payload...))
	return nil
}

func newTestServer(t *testing.T, self group.ID, dir mapDirectory) (*peer.Server, *httptest.Server) {
	t.Helper()
	srv, err := peer.NewServer(peer.Config{Self: self}, dir)
	require.NoError(t, err)

	// exercise the same handlers a real listener would dispatch to, without
	// binding a real port.
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestBulkNetworkSendToDeliversToPeer(t *testing.T) {
	peers, err := testutil.GenerateTestPeers(2)
	require.NoError(t, err)
	selfID := peers[0].Member.ID
	otherID := peers[1].Member.ID

	otherHandler := &recordingHandler{}
	otherServer, otherHTTP := newTestServer(t, otherID, nil)
	otherServer.Attach(otherHandler, nil, nil)

	dir := mapDirectory{otherID: otherHTTP.URL}
	selfServer, _ := newTestServer(t, selfID, dir)

	net := selfServer.NewBulkNetwork(nil)
	require.NoError(t, net.SendTo(context.Background(), otherID, []byte("payload")))
	require.Equal(t, [][]byte{[]byte("payload")}, otherHandler.received)
}

func TestShuffleNetworkSendToTagsSender(t *testing.T) {
	peers, err := testutil.GenerateTestPeers(2)
	require.NoError(t, err)
	selfID := peers[0].Member.ID
	otherID := peers[1].Member.ID

	otherHandler := &recordingShuffleHandler{}
	otherServer, otherHTTP := newTestServer(t, otherID, nil)
	otherServer.Attach(nil, otherHandler, nil)

	dir := mapDirectory{otherID: otherHTTP.URL}
	selfServer, _ := newTestServer(t, selfID, dir)

	net := selfServer.NewShuffleNetwork(selfID)
	require.NoError(t, net.SendTo(context.Background(), otherID, []byte("shuffle-bytes")))
	require.Equal(t, []group.ID{selfID}, otherHandler.from)
	require.Equal(t, [][]byte{[]byte("shuffle-bytes")}, otherHandler.payload)
}

func TestBlameNetworkUsesSeparatePathFromShuffle(t *testing.T) {
	peers, err := testutil.GenerateTestPeers(2)
	require.NoError(t, err)
	selfID := peers[0].Member.ID
	otherID := peers[1].Member.ID

	shuffleHandler := &recordingShuffleHandler{}
	blameHandler := &recordingShuffleHandler{}
	otherServer, otherHTTP := newTestServer(t, otherID, nil)
	otherServer.Attach(nil, shuffleHandler, blameHandler)

	dir := mapDirectory{otherID: otherHTTP.URL}
	selfServer, _ := newTestServer(t, selfID, dir)

	blameNet := selfServer.NewBlameNetwork(selfID)
	require.NoError(t, blameNet.SendTo(context.Background(), otherID, []byte("blame-bytes")))

	require.Len(t, blameHandler.payload, 1)
	require.Empty(t, shuffleHandler.payload)
}

func TestBroadcastExcludesSelf(t *testing.T) {
	peers, err := testutil.GenerateTestPeers(3)
	require.NoError(t, err)
	selfID := peers[0].Member.ID

	handlers := map[group.ID]*recordingHandler{}
	dir := mapDirectory{}
	for _, p := range peers[1:] {
		h := &recordingHandler{}
		srv, ts := newTestServer(t, p.Member.ID, nil)
		srv.Attach(h, nil, nil)
		handlers[p.Member.ID] = h
		dir[p.Member.ID] = ts.URL
	}

	selfServer, _ := newTestServer(t, selfID, dir)
	net := selfServer.NewBulkNetwork(nil)
	require.NoError(t, net.Broadcast(context.Background(), []byte("everyone")))

	for id, h := range handlers {
		require.Equal(t, [][]byte{[]byte("everyone")}, h.received, "peer %x should have received the broadcast", id)
	}
}

func TestBulkDataRejectsUnsignedRequestWhenRosterConfigured(t *testing.T) {
	peers, err := testutil.GenerateTestPeers(2)
	require.NoError(t, err)
	selfID := peers[0].Member.ID
	otherID := peers[1].Member.ID

	roster := mapRoster{selfID: peers[0].Member.SigningKey, otherID: peers[1].Member.SigningKey}

	handler := &recordingHandler{}
	srv, err := peer.NewServer(peer.Config{Self: otherID, Roster: roster}, nil)
	require.NoError(t, err)
	srv.Attach(handler, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/bulk/data", "application/octet-stream", bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, handler.received)
}

func TestBulkDataAcceptsSignedRequestFromKnownSender(t *testing.T) {
	peers, err := testutil.GenerateTestPeers(2)
	require.NoError(t, err)
	self := peers[0]
	otherID := peers[1].Member.ID

	roster := mapRoster{self.Member.ID: self.Member.SigningKey, otherID: peers[1].Member.SigningKey}

	handler := &recordingHandler{}
	otherServer, err := peer.NewServer(peer.Config{Self: otherID, Roster: roster}, nil)
	require.NoError(t, err)
	otherServer.Attach(handler, nil, nil)
	otherHTTP := httptest.NewServer(otherServer.Handler())
	t.Cleanup(otherHTTP.Close)

	dir := mapDirectory{otherID: otherHTTP.URL}
	selfServer, err := peer.NewServer(peer.Config{
		Self:       self.Member.ID,
		SigningKey: self.SigningPriv,
		Roster:     roster,
	}, dir)
	require.NoError(t, err)

	net := selfServer.NewBulkNetwork(nil)
	require.NoError(t, net.SendTo(context.Background(), otherID, []byte("payload")))
	require.Equal(t, [][]byte{[]byte("payload")}, handler.received)
}

func TestReadinessTogglesWithDrain(t *testing.T) {
	peers, err := testutil.GenerateTestPeers(1)
	require.NoError(t, err)
	_, ts := newTestServer(t, peers[0].Member.ID, nil)

	resp, err := ts.Client().Get(ts.URL + "/readyz")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	resp, err = ts.Client().Get(ts.URL + "/drain")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = ts.Client().Get(ts.URL + "/readyz")
	require.NoError(t, err)
	require.Equal(t, 503, resp.StatusCode)
	resp.Body.Close()

	resp, err = ts.Client().Get(ts.URL + "/undrain")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = ts.Client().Get(ts.URL + "/readyz")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()
}
