package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, srv *httptest.Server) (*Client, string) {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")
	return NewClient("http", 5*time.Second, 1, slog.Disabled), host
}

func TestFetchEventVerifiesAnnouncement(t *testing.T) {
	o := newTestOracle(t, "placeholder")
	const path = "/random/2026-01-01/coin"

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			json.NewEncoder(w).Encode(rootResponse{
				AnnouncementKey: o.info.AnnouncementKey,
				AttestationKey:  o.info.AttestationKey,
				CurveID:         CurveID,
			})
		case path:
			ev := o.event(path, []string{"heads", "tails"})
			sig, err := SignAnnouncement(o.announcePriv, ev)
			require.NoError(t, err)
			json.NewEncoder(w).Encode(eventResponse{
				OutcomeTime:     ev.OutcomeTime,
				Outcomes:        ev.Outcomes,
				Nonce:           ev.Nonce,
				AnnouncementSig: sig,
			})
		case path + "/attestation":
			http.NotFound(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, host := testClient(t, srv)
	o.info.ID = host

	ctx := context.Background()
	info, err := client.FetchInfo(ctx, host)
	require.NoError(t, err)
	assert.Equal(t, o.info.AnnouncementKey, info.AnnouncementKey)

	ev, err := client.FetchEvent(ctx, info, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"heads", "tails"}, ev.Outcomes)
	assert.Equal(t, host+path, ev.ID())

	_, err = client.FetchAttestation(ctx, info, ev)
	assert.ErrorIs(t, err, ErrNotAttested)
}

func TestFetchEventRejectsTamperedAnnouncement(t *testing.T) {
	o := newTestOracle(t, "placeholder")
	const path = "/random/2026-01-01/coin"

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ev := o.event(path, []string{"heads", "tails"})
		sig, err := SignAnnouncement(o.announcePriv, ev)
		require.NoError(t, err)
		// Serve a different outcome set under the same signature.
		json.NewEncoder(w).Encode(eventResponse{
			OutcomeTime:     ev.OutcomeTime,
			Outcomes:        []string{"heads", "edge"},
			Nonce:           ev.Nonce,
			AnnouncementSig: sig,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, host := testClient(t, srv)
	o.info.ID = host

	_, err := client.FetchEvent(context.Background(), o.info, path)
	assert.Error(t, err)
}

func TestTransientRetries(t *testing.T) {
	o := newTestOracle(t, "placeholder")
	const path = "/random/2026-01-01/coin"
	calls := 0

	mux := http.NewServeMux()
	mux.HandleFunc(path+"/attestation", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		scalar := Attest(o.noncePriv, o.attestPriv, o.event(path, []string{"heads", "tails"}), "heads")
		json.NewEncoder(w).Encode(attestationResponse{Outcome: "heads", Scalar: scalar})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, host := testClient(t, srv)
	o.info.ID = host
	ev := o.event(path, []string{"heads", "tails"})

	att, err := client.FetchAttestation(context.Background(), o.info, ev)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "heads", att.Outcome)
	assert.True(t, VerifyAttestation(o.info, ev, att))
}
