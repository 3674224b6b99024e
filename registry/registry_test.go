package registry_test

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/adcnet/registry"
	"github.com/flashbots/adcnet/testutil"
)

func newTestServer(t *testing.T) (*registry.Registry, *httptest.Server) {
	t.Helper()
	reg, err := registry.New(registry.NewInMemoryStore(), [32]byte{})
	require.NoError(t, err)

	router := chi.NewRouter()
	reg.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return reg, srv
}

func TestRegisterAddsMember(t *testing.T) {
	reg, srv := newTestServer(t)

	peers, err := testutil.GenerateTestPeers(1)
	require.NoError(t, err)
	m := peers[0].Member

	body, err := json.Marshal(map[string]string{
		"signing_key": m.SigningKey.String(),
		"dh_key":      m.DHKey.String(),
		"base_url":    "http://peer-a:8080",
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/registry/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	endpoint, ok := reg.Endpoint(m.ID)
	require.True(t, ok)
	require.Equal(t, "http://peer-a:8080", endpoint)
}

func TestUnregisterRemovesMember(t *testing.T) {
	reg, srv := newTestServer(t)

	peers, err := testutil.GenerateTestPeers(1)
	require.NoError(t, err)
	m := peers[0].Member

	require.NoError(t, reg.Register(m, "http://peer-a:8080"))

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/registry/"+hex.EncodeToString(m.ID[:]), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, ok := reg.Endpoint(m.ID)
	require.False(t, ok)
}

func TestListMembersReturnsRegistered(t *testing.T) {
	reg, srv := newTestServer(t)

	peers, err := testutil.GenerateTestPeers(2)
	require.NoError(t, err)
	for _, p := range peers {
		require.NoError(t, reg.Register(p.Member, "http://"+p.Member.SigningKey.String()[:8]))
	}

	resp, err := http.Get(srv.URL + "/registry/members")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 2)
}

func TestGroupSnapshotBuildsValidGroup(t *testing.T) {
	reg, _ := newTestServer(t)

	peers, err := testutil.GenerateTestPeers(3)
	require.NoError(t, err)
	for _, p := range peers {
		require.NoError(t, reg.Register(p.Member, "http://x"))
	}

	g, err := reg.Group()
	require.NoError(t, err)
	require.Equal(t, 3, g.Count())
}

func TestEndpointsExcludesSelf(t *testing.T) {
	reg, _ := newTestServer(t)

	peers, err := testutil.GenerateTestPeers(3)
	require.NoError(t, err)
	for _, p := range peers {
		require.NoError(t, reg.Register(p.Member, "http://"+p.Member.SigningKey.String()))
	}

	self := peers[0].Member.ID
	endpoints := reg.Endpoints(self)
	require.Len(t, endpoints, 2)
	require.NotContains(t, endpoints, "http://"+peers[0].Member.SigningKey.String())
}
