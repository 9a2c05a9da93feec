package models

import (
	"errors"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

var ErrInvalidCoord = errors.New("coordinates out of range")

// Validate reports whether the coordinate lies on the globe.
func (c Coord) Validate() error {
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return ErrInvalidCoord
	}
	return nil
}

// Driver is the Driver Directory record published by location ingest.
type Driver struct {
	ID                string    `json:"id" validate:"required"`
	Loc               Coord     `json:"loc"`
	Available         bool      `json:"available"`
	Rating            float64   `json:"rating" validate:"gte=0,lte=5"`
	VehicleType       string    `json:"vehicle_type,omitempty"`
	Seats             int       `json:"seats,omitempty" validate:"gte=0"`
	Gender            string    `json:"gender,omitempty"`
	AcceptsRestricted bool      `json:"accepts_restricted,omitempty"`
	Updated           time.Time `json:"updated"`
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleRider, RoleDriver, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Caller identifies the authenticated actor behind a request.
type Caller struct {
	ID   string
	Role Role
}

func (c Caller) Is(role Role) bool { return c.Role == role }

// Transitions lists the statuses reachable from each status.
type Transitions[S comparable] map[S][]S

func (t Transitions[S]) Allowed(from, to S) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (t Transitions[S]) Terminal(s S) bool { return len(t[s]) == 0 }
