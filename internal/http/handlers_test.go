package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rideshare-core/internal/bidding"
	"github.com/example/rideshare-core/internal/dispatch"
	"github.com/example/rideshare-core/internal/events"
	"github.com/example/rideshare-core/internal/geo"
	"github.com/example/rideshare-core/internal/matcher"
	"github.com/example/rideshare-core/internal/models"
	"github.com/example/rideshare-core/internal/payments"
	"github.com/example/rideshare-core/internal/rides"
	"github.com/example/rideshare-core/internal/settlement"
	"github.com/example/rideshare-core/internal/storage"
	"github.com/example/rideshare-core/internal/vouchers"
)

type recordingPublisher struct{ got []models.Driver }

func (r *recordingPublisher) PublishLocation(_ context.Context, d models.Driver) error {
	r.got = append(r.got, d)
	return nil
}

type testServer struct {
	*Server
	dir  *geo.Index
	locs *recordingPublisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := storage.NewMemoryStore()
	dir := geo.NewIndex()
	em := events.NewEmitter(events.NewRecorder(256), nil, time.Second)
	rs := rides.NewService(store, em, nil, rides.Config{DefaultCapacity: 4, ShareWindow: 15 * time.Minute, H3Resolution: 8})
	bs := bidding.NewService(store, dir, matcher.NewService(dir, 5, "female"), rs, em, nil, bidding.Config{BidTTL: 10 * time.Minute, RestrictedGender: "female", DefaultCapacity: 4})
	vs := vouchers.NewService(store, nil)
	ss := settlement.NewService(store, payments.NewOffline(), vs, em, nil, settlement.Config{
		CommissionRate:  decimal.RequireFromString("0.10"),
		WaiverThreshold: 1000,
		TipMin:          decimal.NewFromInt(1),
		TipMax:          decimal.NewFromInt(200),
		Currency:        "usd",
	})
	locs := &recordingPublisher{}
	s := NewServer(Deps{
		Bidding:    bs,
		Rides:      rs,
		Settlement: ss,
		Vouchers:   vs,
		Directory:  dir,
		Locations:  locs,
		WS:         dispatch.NewWSRegistry(nil),
		Ready:      []Pinger{store},
	})
	return &testServer{Server: s, dir: dir, locs: locs}
}

func (ts *testServer) do(t *testing.T, method, path string, caller *models.Caller, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != nil {
		req.Header.Set(headerCallerID, caller.ID)
		req.Header.Set(headerCallerRole, string(caller.Role))
	}
	rr := httptest.NewRecorder()
	ts.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

var (
	riderCaller  = models.Caller{ID: "rider-1", Role: models.RoleRider}
	driverCaller = models.Caller{ID: "driver-1", Role: models.RoleDriver}
	systemCaller = models.Caller{ID: "settler", Role: models.RoleSystem}
	pickup       = models.Coord{Lat: 40.7128, Lon: -74.0060}
	dropoff      = models.Coord{Lat: 40.7306, Lon: -73.9866}
)

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	rr = ts.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDriverLocationIngest(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/internal/driver/locations", nil, models.Driver{ID: "driver-1", Loc: pickup, Available: true, Rating: 4.7})
	require.Equal(t, http.StatusNoContent, rr.Code)

	d, ok, err := ts.dir.Get(context.Background(), "driver-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, d.Updated.IsZero())
	require.Len(t, ts.locs.got, 1)

	rr = ts.do(t, http.MethodPost, "/internal/driver/locations", nil, models.Driver{Loc: pickup})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/internal/driver/locations", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "body_required", decodeBody[errorBody](t, rr).Error.Code)
}

func TestAPIRequiresCaller(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/v1/journeys", nil, bidding.CreateJourneyCommand{Origin: pickup, Destination: dropoff})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/v1/journeys", &models.Caller{ID: "x", Role: "pilot"}, bidding.CreateJourneyCommand{Origin: pickup, Destination: dropoff})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "caller_required", decodeBody[errorBody](t, rr).Error.Code)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/v1/journeys", &driverCaller, bidding.CreateJourneyCommand{Origin: pickup, Destination: dropoff})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "wrong_role", decodeBody[errorBody](t, rr).Error.Code)

	rr = ts.do(t, http.MethodGet, "/api/v1/rides/missing", &riderCaller, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "ride_not_found", decodeBody[errorBody](t, rr).Error.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/journeys", bytes.NewBufferString("{"))
	req.Header.Set(headerCallerID, riderCaller.ID)
	req.Header.Set(headerCallerRole, string(riderCaller.Role))
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_json", decodeBody[errorBody](t, w).Error.Code)

	rr = ts.do(t, http.MethodGet, "/api/v1/vouchers/NOPE/quote?amount=abc", &riderCaller, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRideFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/internal/driver/locations", nil,
		models.Driver{ID: driverCaller.ID, Loc: pickup, Available: true, Rating: 4.8, Seats: 4}).Code)

	rr := ts.do(t, http.MethodPost, "/api/v1/journeys", &riderCaller, bidding.CreateJourneyCommand{Origin: pickup, Destination: dropoff})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	j := decodeBody[models.Journey](t, rr)
	assert.Equal(t, models.JourneyOpen, j.Status)

	rr = ts.do(t, http.MethodGet, "/api/v1/journeys/"+j.ID+"/matches", &riderCaller, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	matches := decodeBody[map[string][]matcher.Candidate](t, rr)
	require.Len(t, matches["candidates"], 1)
	assert.Equal(t, driverCaller.ID, matches["candidates"][0].DriverID)

	rr = ts.do(t, http.MethodGet, "/api/v1/journeys/"+j.ID+"/matches?radius_km=-1", &riderCaller, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/v1/journeys/"+j.ID+"/bids", &driverCaller, map[string]any{"amount": "25.50", "message": "on my way"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	b := decodeBody[models.Bid](t, rr)

	rr = ts.do(t, http.MethodPost, "/api/v1/journeys/"+j.ID+"/bids", &driverCaller, map[string]any{"amount": "20"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/v1/journeys/"+j.ID+"/bids", &riderCaller, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[map[string][]models.Bid](t, rr)["bids"], 1)

	rr = ts.do(t, http.MethodPost, "/api/v1/journeys/"+j.ID+"/bids/"+b.ID+"/accept", &riderCaller, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decodeBody[bidding.AcceptResult](t, rr)
	require.NotNil(t, res.Ride)
	rideID := res.Ride.ID
	assert.Equal(t, models.RideAccepted, res.Ride.Status)

	rr = ts.do(t, http.MethodPost, "/api/v1/journeys/"+j.ID+"/bids/"+b.ID+"/accept", &riderCaller, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/start", &riderCaller, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	for _, step := range []string{"arrive", "start"} {
		rr = ts.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/"+step, &driverCaller, nil)
		require.Equal(t, http.StatusOK, rr.Code, step+": "+rr.Body.String())
	}

	rr = ts.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/complete", &driverCaller, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/complete", &driverCaller, map[string]any{"final_fare": "30.00", "final_distance_km": 12.5})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.RideCompleted, decodeBody[rides.View](t, rr).Status)

	rr = ts.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/settle", &riderCaller, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/settle", &systemCaller, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	settled := decodeBody[settlement.Result](t, rr)
	require.Len(t, settled.Payments, 1)
	p := settled.Payments[0]
	assert.True(t, p.Charged.Equal(decimal.RequireFromString("30")))
	assert.True(t, p.Commission.Equal(decimal.RequireFromString("3")))
	assert.True(t, p.DriverEarnings.Equal(decimal.RequireFromString("27")))

	rr = ts.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/settle", &systemCaller, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "already_paid", decodeBody[errorBody](t, rr).Error.Code)

	rr = ts.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/tips", &riderCaller, map[string]any{"amount": "5"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, models.PaymentTip, decodeBody[models.Payment](t, rr).Kind)

	rr = ts.do(t, http.MethodGet, "/api/v1/rides/"+rideID+"/payments", &driverCaller, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[map[string][]models.Payment](t, rr)["payments"], 2)

	rr = ts.do(t, http.MethodGet, "/api/v1/rides/"+rideID+"/payments", &models.Caller{ID: "stranger", Role: models.RoleRider}, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestCancelRideOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/internal/driver/locations", nil,
		models.Driver{ID: driverCaller.ID, Loc: pickup, Available: true, Rating: 4.2}).Code)

	j := decodeBody[models.Journey](t, ts.do(t, http.MethodPost, "/api/v1/journeys", &riderCaller, bidding.CreateJourneyCommand{Origin: pickup, Destination: dropoff}))
	b := decodeBody[models.Bid](t, ts.do(t, http.MethodPost, "/api/v1/journeys/"+j.ID+"/bids", &driverCaller, map[string]any{"amount": "12"}))
	res := decodeBody[bidding.AcceptResult](t, ts.do(t, http.MethodPost, "/api/v1/journeys/"+j.ID+"/bids/"+b.ID+"/accept", &riderCaller, nil))

	rr := ts.do(t, http.MethodPost, "/api/v1/rides/"+res.Ride.ID+"/cancel", &riderCaller, map[string]string{"reason": "plans changed"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	v := decodeBody[rides.View](t, rr)
	assert.Equal(t, models.RideCancelledByPassenger, v.Status)

	rr = ts.do(t, http.MethodPost, "/api/v1/rides/"+res.Ride.ID+"/arrive", &driverCaller, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/v1/journeys/"+j.ID, &riderCaller, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.JourneyCancelled, decodeBody[models.Journey](t, rr).Status)
}

func TestVoucherEndpoints(t *testing.T) {
	ts := newTestServer(t)
	admin := models.Caller{ID: "ops", Role: models.RoleAdmin}

	rr := ts.do(t, http.MethodPost, "/api/v1/vouchers", &admin, map[string]any{
		"code": "RIDE20", "kind": "PERCENT", "value": "20", "max_discount": "5",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodPost, "/api/v1/vouchers/RIDE20/grants", &admin, map[string]string{"user_id": riderCaller.ID})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodGet, "/api/v1/vouchers/RIDE20/quote?amount=20", &riderCaller, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	q := decodeBody[vouchers.Quote](t, rr)
	assert.True(t, q.Discount.Equal(decimal.NewFromInt(4)), q.Discount.String())

	rr = ts.do(t, http.MethodPost, "/api/v1/vouchers/RIDE20/grants", &admin, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebSocketRequiresMatchingCaller(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/ws/rider-1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(t, http.MethodGet, "/ws/rider-1", &driverCaller, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "not_your_stream", decodeBody[errorBody](t, rr).Error.Code)
	assert.False(t, ts.WS.Connected("rider-1"))
}

func TestWebSocketSubscribesOwnStream(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rider-1"

	h := http.Header{}
	h.Set(headerCallerID, riderCaller.ID)
	h.Set(headerCallerRole, string(riderCaller.Role))
	conn, resp, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Eventually(t, func() bool { return ts.WS.Connected("rider-1") }, time.Second, 10*time.Millisecond)

	h.Set(headerCallerID, "rider-2")
	_, resp, err = websocket.DefaultDialer.Dial(url, h)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
