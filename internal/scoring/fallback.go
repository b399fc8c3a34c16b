package scoring

import (
	"math"
	"strings"
	"time"
)

// Composite weights; they sum to 1.
const (
	hobbyWeight    = 0.30
	distanceWeight = 0.30
	recencyWeight  = 0.20
	capacityWeight = 0.20

	soonHorizon     = 24 * time.Hour
	nearHorizon     = 72 * time.Hour
	minimalRecency  = 0.25
	crowdedFillMark = 0.8
	earthRadiusKm   = 6371.0
)

// Fallback is the deterministic scorer. It performs no I/O and holds no
// state, so identical features always produce identical results.
type Fallback struct{}

func (Fallback) Evaluate(f Features) Result {
	var score float64
	var reasons []string

	if sharesHobby(f.User.Hobbies, f.Event.Hobbies) {
		score += hobbyWeight
		reasons = append(reasons, ReasonSameHobby)
	}

	if f.User.RadiusKm > 0 {
		d := haversineKm(f.User.Latitude, f.User.Longitude, f.Event.Latitude, f.Event.Longitude)
		if d < f.User.RadiusKm {
			score += distanceWeight * (1 - d/f.User.RadiusKm)
			reasons = append(reasons, ReasonNearby)
		}
	}

	until := f.Event.StartsAt.Sub(f.Now)
	switch {
	case until < 0:
	case until <= soonHorizon:
		score += recencyWeight
		reasons = append(reasons, ReasonStartingSoon)
	case until <= nearHorizon:
		score += recencyWeight / 2
	default:
		score += recencyWeight * minimalRecency
	}

	if f.Event.FillRatio < crowdedFillMark {
		score += capacityWeight
		reasons = append(reasons, ReasonSpotsAvailable)
	}

	score = clamp01(math.Round(score*1e6) / 1e6)
	verdict := VerdictReject
	if score >= AcceptThreshold {
		verdict = VerdictAccept
	}
	return Result{Score: score, Verdict: verdict, Reasons: reasons}
}

func sharesHobby(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, h := range a {
		set[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	for _, h := range b {
		if _, ok := set[strings.ToLower(strings.TrimSpace(h))]; ok {
			return true
		}
	}
	return false
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
