package matcher

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/example/rideshare-core/internal/apperr"
	"github.com/example/rideshare-core/internal/geo"
	"github.com/example/rideshare-core/internal/models"
	"github.com/example/rideshare-core/internal/observability"
)

const (
	weightDistance = 0.6
	weightRating   = 0.3
	weightVehicle  = 0.1

	vehicleMatch    = 1.0
	vehicleMismatch = 0.5

	// scores closer than this are ties
	scoreEpsilon = 1e-9
)

// Request is a ranking query for an open trip.
type Request struct {
	Origin               *models.Coord
	PreferredVehicleType string
	RestrictedOnly       bool
	RadiusKm             float64
}

// Candidate is a ranked driver with its score breakdown.
type Candidate struct {
	DriverID     string  `json:"driver_id"`
	DistanceKm   float64 `json:"distance_km"`
	Rating       float64 `json:"rating"`
	VehicleType  string  `json:"vehicle_type,omitempty"`
	Score        float64 `json:"score"`
	DistanceTerm float64 `json:"distance_score"`
	RatingTerm   float64 `json:"rating_score"`
	VehicleTerm  float64 `json:"vehicle_score"`
}

// Service ranks available drivers near an origin. It has no side effects
// beyond metrics and is safe for concurrent use.
type Service struct {
	Directory        geo.Directory
	DefaultRadiusKm  float64
	RestrictedGender string
}

func NewService(dir geo.Directory, radiusKm float64, restrictedGender string) *Service {
	return &Service{Directory: dir, DefaultRadiusKm: radiusKm, RestrictedGender: restrictedGender}
}

// Match returns candidates ordered by score desc, then distance asc.
// An empty slice is a valid answer.
func (s *Service) Match(ctx context.Context, req Request) ([]Candidate, error) {
	if req.Origin == nil {
		return nil, apperr.Validation("origin_required", "origin coordinates are required")
	}
	if err := req.Origin.Validate(); err != nil {
		return nil, apperr.Validation("invalid_origin", "%v", err)
	}
	radius := req.RadiusKm
	if radius <= 0 {
		radius = s.DefaultRadiusKm
	}
	if radius <= 0 {
		radius = 5
	}

	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	hits, err := s.Directory.Within(ctx, *req.Origin, radius)
	if err != nil {
		return nil, apperr.Upstream("directory_unavailable", fmt.Errorf("directory query: %w", err))
	}

	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		d := h.Driver
		if !d.Available || h.DistanceKm > radius {
			continue
		}
		if !Eligible(d, req.RestrictedOnly, s.RestrictedGender) {
			continue
		}
		out = append(out, score(h, radius, req.PreferredVehicleType))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if math.Abs(out[i].Score-out[j].Score) > scoreEpsilon {
			return out[i].Score > out[j].Score
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})

	observability.MatchesTotal.Inc()
	observability.MatchCandidates.Observe(float64(len(out)))
	return out, nil
}

// Eligible applies the restricted-trip rule: the driver must match the
// restricted gender and have opted in. Unrestricted trips accept anyone.
func Eligible(d models.Driver, restrictedOnly bool, restrictedGender string) bool {
	if !restrictedOnly {
		return true
	}
	if restrictedGender == "" {
		restrictedGender = "female"
	}
	return strings.EqualFold(d.Gender, restrictedGender) && d.AcceptsRestricted
}

func score(h geo.Nearby, radius float64, preferred string) Candidate {
	d := h.Driver
	distTerm := weightDistance * (1 - h.DistanceKm/radius)
	rating := d.Rating
	if rating < 0 {
		rating = 0
	}
	if rating > 5 {
		rating = 5
	}
	ratingTerm := weightRating * (rating / 5)
	vm := vehicleMismatch
	if preferred != "" && strings.EqualFold(preferred, d.VehicleType) {
		vm = vehicleMatch
	}
	vehicleTerm := weightVehicle * vm
	return Candidate{
		DriverID:     d.ID,
		DistanceKm:   h.DistanceKm,
		Rating:       d.Rating,
		VehicleType:  d.VehicleType,
		Score:        distTerm + ratingTerm + vehicleTerm,
		DistanceTerm: distTerm,
		RatingTerm:   ratingTerm,
		VehicleTerm:  vehicleTerm,
	}
}
