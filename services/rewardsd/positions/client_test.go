package positions

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lpmining/core/claimable"
)

const ownerA = "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := NewClient(Config{BaseURL: url, RequestsPerSecond: 1000, Burst: 10, RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	return client
}

func TestListEligiblePositionsPaginates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/positions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("cursor") {
		case "":
			_, _ = w.Write([]byte(`{"positions":[
				{"positionId":"1","owner":"` + ownerA + `","nftId":"1","pool":"0xPOOL","valueUsd":1000.5,"liquidity":"123456789","tickLower":-600,"tickUpper":600,"inRange":true,"createdAt":1700000000},
				{"positionId":"2","owner":"not-an-address","pool":"0xpool","valueUsd":5}
			],"next":"page2"}`))
		case "page2":
			_, _ = w.Write([]byte(`{"positions":[
				{"positionId":"3","owner":"` + ownerA + `","pool":"0xpool","fullRange":true,"createdAt":1700000000}
			]}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	positions, err := client.ListEligiblePositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)

	first := positions[0]
	require.Equal(t, "1", first.PositionID)
	require.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", first.UserID)
	require.Equal(t, "0xpool", first.PoolAddress)
	require.Equal(t, 1000.5, first.ValueUSD)
	require.Equal(t, "123456789", first.Liquidity.String())
	require.True(t, first.IsInRange)
	require.False(t, first.ValueStale)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), first.CreatedAt)

	second := positions[1]
	require.Equal(t, "3", second.PositionID)
	require.True(t, second.IsFullRange)
	require.True(t, second.IsInRange)
	require.True(t, second.ValueStale, "missing valueUsd must mark the snapshot stale")
}

func TestCurrentTickRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pools/0xpool/tick", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"tick":-42}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	tick, err := client.CurrentTick(context.Background(), "0xpool")
	require.NoError(t, err)
	require.Equal(t, int32(-42), tick)
	require.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreUpstream(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/pools/0xpool/tick" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.ListEligiblePositions(context.Background())
	require.ErrorIs(t, err, claimable.ErrUpstreamData)
	require.Equal(t, int32(1), calls.Load(), "client errors are not retried")

	_, err = client.CurrentTick(context.Background(), "0xpool")
	require.ErrorIs(t, err, claimable.ErrUpstreamData)

	_, err = client.CurrentTick(context.Background(), " ")
	require.ErrorIs(t, err, claimable.ErrValidation)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}
