// Package scoring decides whether a user and an event are a good match.
//
// A remote intelligence service may be consulted, but every decision can be
// produced locally by Fallback, and Engine always returns one.
package scoring

import (
	"context"
	"time"

	"github.com/cimillas/gatherly/internal/domain"
)

// AcceptThreshold is the minimum composite score for an accept decision.
const AcceptThreshold = 0.5

// Reason tags attached to a decision.
const (
	ReasonSameHobby      = "same_hobby"
	ReasonNearby         = "nearby"
	ReasonStartingSoon   = "starting_soon"
	ReasonSpotsAvailable = "spots_available"
)

type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
)

// UserFeatures is what a scorer may know about the user.
type UserFeatures struct {
	Hobbies   []string `json:"hobbies"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	RadiusKm  float64  `json:"radius_km"`
}

// EventFeatures is what a scorer may know about the event.
type EventFeatures struct {
	Hobbies   []string  `json:"hobbies"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	StartsAt  time.Time `json:"starts_at"`
	FillRatio float64   `json:"fill_ratio"`
}

// Features is the full scorer input. Now is explicit so Fallback stays pure.
type Features struct {
	User  UserFeatures  `json:"user"`
	Event EventFeatures `json:"event"`
	Now   time.Time     `json:"now"`
}

// FeaturesFor projects a profile and an event into scorer input.
func FeaturesFor(user domain.UserProfile, event domain.Event, now time.Time) Features {
	return Features{
		User: UserFeatures{
			Hobbies:   user.Hobbies,
			Latitude:  user.Latitude,
			Longitude: user.Longitude,
			RadiusKm:  user.RadiusKm,
		},
		Event: EventFeatures{
			Hobbies:   event.Hobbies,
			Latitude:  event.Latitude,
			Longitude: event.Longitude,
			StartsAt:  event.StartsAt,
			FillRatio: event.FillRatio(),
		},
		Now: now,
	}
}

// Result is a raw scorer answer.
type Result struct {
	Score   float64
	Verdict Verdict
	Reasons []string
}

// Scorer is an optional remote scoring strategy.
type Scorer interface {
	Score(ctx context.Context, f Features) (Result, error)
}

// Decision is what the participation flow consumes.
type Decision struct {
	Score        float64
	Verdict      Verdict
	Reasons      []string
	Source       domain.MatchSource
	FallbackUsed bool
}

func (d Decision) Accepted() bool {
	return d.Verdict == VerdictAccept
}
