package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/rideshare-core/internal/apperr"
	"github.com/example/rideshare-core/internal/bidding"
	"github.com/example/rideshare-core/internal/dispatch"
	"github.com/example/rideshare-core/internal/geo"
	"github.com/example/rideshare-core/internal/ingest"
	"github.com/example/rideshare-core/internal/models"
	"github.com/example/rideshare-core/internal/observability"
	"github.com/example/rideshare-core/internal/rides"
	"github.com/example/rideshare-core/internal/settlement"
	"github.com/example/rideshare-core/internal/vouchers"
)

// LocationPublisher forwards accepted location updates to the ingest stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Bidding    *bidding.Service
	Rides      *rides.Service
	Settlement *settlement.Service
	Vouchers   *vouchers.Service
	Directory  geo.Directory
	Locations  LocationPublisher
	WS         *dispatch.WSRegistry
	Ready      []Pinger
	Logger     *zap.Logger
}

type Server struct {
	Deps
	logger   *zap.Logger
	validate *validator.Validate
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{Deps: d, logger: logger, validate: validator.New(), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.Handle("/ws/{user_id}", s.authenticate(http.HandlerFunc(s.handleWS)))

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authenticate)

	api.HandleFunc("/journeys", s.handleCreateJourney).Methods(http.MethodPost)
	api.HandleFunc("/journeys/{id}", s.handleGetJourney).Methods(http.MethodGet)
	api.HandleFunc("/journeys/{id}/cancel", s.handleCancelJourney).Methods(http.MethodPost)
	api.HandleFunc("/journeys/{id}/matches", s.handleMatches).Methods(http.MethodGet)
	api.HandleFunc("/journeys/{id}/bids", s.handleSubmitBid).Methods(http.MethodPost)
	api.HandleFunc("/journeys/{id}/bids", s.handleListBids).Methods(http.MethodGet)
	api.HandleFunc("/journeys/{id}/bids/{bid_id}/accept", s.handleAcceptBid).Methods(http.MethodPost)

	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/arrive", s.rideAction(s.Rides.Arrive)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.rideAction(s.Rides.Start)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/no-show", s.rideAction(s.Rides.MarkNoShow)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleCompleteRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/legs/{passenger_id}", s.handleUpdateLeg).Methods(http.MethodPut)

	api.HandleFunc("/rides/{id}/settle", s.handleSettle).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/tips", s.handleTip).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/payments", s.handleListPayments).Methods(http.MethodGet)
	api.HandleFunc("/payments/{id}/status", s.handlePaymentStatus).Methods(http.MethodPut)

	api.HandleFunc("/vouchers", s.handleCreateVoucher).Methods(http.MethodPost)
	api.HandleFunc("/vouchers/{code}/grants", s.handleGrantVoucher).Methods(http.MethodPost)
	api.HandleFunc("/vouchers/{code}/quote", s.handleQuoteVoucher).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := s.decode(r, &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := ingest.ValidateLocation(d); err != nil {
		s.writeError(w, r, apperr.Validation("invalid_location", "%v", err))
		return
	}
	if d.Updated.IsZero() {
		d.Updated = time.Now().UTC()
	}
	if err := s.Directory.Upsert(r.Context(), d); err != nil {
		s.writeError(w, r, apperr.Upstream("directory_unavailable", err))
		return
	}
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(r.Context(), d); err != nil {
			s.logger.Warn("location publish failed", zap.String("driver_id", d.ID), zap.Error(err))
		}
	}
	observability.DriverLocationUpdates.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range s.Ready {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS attaches a push stream for one user. Only that user, or an admin
// or system actor, may open it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	caller := callerFrom(r.Context())
	if caller.ID != id && !caller.Is(models.RoleAdmin) && !caller.Is(models.RoleSystem) {
		s.writeError(w, r, apperr.Forbidden("not_your_stream", "caller may only subscribe to their own events"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("user_id", id), zap.Error(err))
		return
	}
	s.WS.Add(id, conn)
	// Drain control frames; a read error means the peer went away.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()
}

func (s *Server) handleCreateJourney(w http.ResponseWriter, r *http.Request) {
	var cmd bidding.CreateJourneyCommand
	if err := s.decode(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	j, err := s.Bidding.CreateJourney(r.Context(), callerFrom(r.Context()), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleGetJourney(w http.ResponseWriter, r *http.Request) {
	j, err := s.Bidding.GetJourney(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancelJourney(w http.ResponseWriter, r *http.Request) {
	j, err := s.Bidding.CancelJourney(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	var radius float64
	if v := r.URL.Query().Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			s.writeError(w, r, apperr.Validation("invalid_radius", "radius_km must be a positive number"))
			return
		}
		radius = f
	}
	cands, err := s.Bidding.Matches(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"], radius)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var cmd bidding.SubmitBidCommand
	if err := s.decode(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bidding.SubmitBid(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"], cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.Bidding.ListBids(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": bids})
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.Bidding.AcceptBid(r.Context(), callerFrom(r.Context()), vars["id"], vars["bid_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	v, err := s.Rides.Get(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type rideFunc func(ctx context.Context, caller models.Caller, rideID string) (*rides.View, error)

// rideAction adapts body-less ride transitions to a handler.
func (s *Server) rideAction(fn rideFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fn(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	var cmd rides.CompleteCommand
	if err := s.decode(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.Rides.Complete(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"], cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	v, err := s.Rides.Cancel(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type legRequest struct {
	State models.LegState `json:"state" validate:"required"`
}

func (s *Server) handleUpdateLeg(w http.ResponseWriter, r *http.Request) {
	var req legRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	v, err := s.Rides.UpdatePassengerLegStatus(r.Context(), callerFrom(r.Context()), vars["id"], vars["passenger_id"], models.LegState(strings.ToUpper(string(req.State))))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var cmd settlement.SettleCommand
	if r.ContentLength != 0 {
		if err := s.decode(r, &cmd); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	res, err := s.Settlement.SettleFare(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"], cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTip(w http.ResponseWriter, r *http.Request) {
	var cmd settlement.TipCommand
	if err := s.decode(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.Settlement.SettleTip(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"], cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	ps, err := s.Settlement.ListPayments(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": ps})
}

type paymentStatusRequest struct {
	Status models.PaymentStatus `json:"status" validate:"required,oneof=PENDING COMPLETED FAILED REFUNDED"`
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	var req paymentStatusRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.Settlement.UpdatePaymentStatus(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"], req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreateVoucher(w http.ResponseWriter, r *http.Request) {
	var cmd vouchers.CreateCommand
	if err := s.decode(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.Vouchers.Create(r.Context(), callerFrom(r.Context()), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

type grantRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

func (s *Server) handleGrantVoucher(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	uv, err := s.Vouchers.Grant(r.Context(), callerFrom(r.Context()), mux.Vars(r)["code"], req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uv)
}

// handleQuoteVoucher prices a voucher for the calling user without redeeming it.
func (s *Server) handleQuoteVoucher(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil || !amount.IsPositive() {
		s.writeError(w, r, apperr.Validation("invalid_amount", "amount must be a positive decimal"))
		return
	}
	q, err := s.Vouchers.Quote(r.Context(), callerFrom(r.Context()).ID, mux.Vars(r)["code"], amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
