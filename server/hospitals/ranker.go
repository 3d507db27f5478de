package hospitals

import (
	"math"
	"sort"
	"strings"

	"github.com/vitaltag/vitaltag/server/models"
	"go.uber.org/zap"
)

const (
	// DEFAULT_RADIUS_KM bounds the candidate search. Fixed per deployment,
	// not per call.
	DEFAULT_RADIUS_KM = 20.0
	MAX_CANDIDATES    = 5
)

// Candidate is derived per search & never stored. MatchScore is only
// meaningful for condition-aware searches; plain nearest-N searches leave
// it at zero. Field names are part of the broadcast payload contract.
type Candidate struct {
	Name        string  `json:"name"`
	DistanceKm  float64 `json:"distance"`
	PhoneNumber string  `json:"phone,omitempty"`
	MatchScore  float64 `json:"matchScore,omitempty"`
}

// specialtyRule links condition keywords to the hospital capabilities that
// can treat them.
type specialtyRule struct {
	keywords []string
	suitable func(models.Hospital) bool
}

var specialtyRules = []specialtyRule{
	{
		keywords: []string{"cardiac", "heart", "arrhythmia", "coronary", "angina"},
		suitable: func(h models.Hospital) bool { return h.HasCardiology || h.HasICU },
	},
	{
		keywords: []string{"stroke", "aneurysm"},
		suitable: func(h models.Hospital) bool { return h.HasStrokeUnit || h.HasICU },
	},
	{
		keywords: []string{"diabetes", "renal", "kidney", "dialysis"},
		suitable: func(h models.Hospital) bool { return h.HasDialysis || h.HasICU },
	},
	{
		keywords: []string{"trauma", "fracture", "hemorrhage"},
		suitable: func(h models.Hospital) bool { return h.HasTrauma },
	},
	{
		keywords: []string{"pregnan", "maternity", "obstetric"},
		suitable: func(h models.Hospital) bool { return h.HasMaternity },
	},
	{
		keywords: []string{"pediatric", "child"},
		suitable: func(h models.Hospital) bool { return h.HasPediatrics },
	},
}

// Ranker ranks hospitals near a set of coordinates. With no known patient
// conditions it is a plain nearest-N search; with conditions, specialty
// alignment outranks distance.
type Ranker struct {
	logg *zap.SugaredLogger
}

func NewRanker(logg *zap.SugaredLogger) *Ranker {
	return &Ranker{logg: logg}
}

// Rank returns up to MAX_CANDIDATES hospitals within radiusKm of the given
// point. An empty result is a valid outcome, not an error - remote
// locations simply have no nearby candidates.
func (r *Ranker) Rank(lat, lng, radiusKm float64, conditions []string) ([]Candidate, error) {
	hospitals, err := models.AllHospitals()
	if err != nil {
		return nil, err
	}

	triggered := triggeredRules(conditions)

	candidates := []Candidate{}
	for _, hospital := range hospitals {
		distance := haversineKm(lat, lng, hospital.Latitude, hospital.Longitude)
		if distance > radiusKm {
			continue
		}

		candidate := Candidate{
			Name:        hospital.Name,
			DistanceKm:  roundKm(distance),
			PhoneNumber: hospital.PhoneNumber,
		}

		if len(triggered) > 0 {
			candidate.MatchScore = matchScore(hospital, triggered)
		}

		candidates = append(candidates, candidate)
	}

	if len(triggered) > 0 {
		// Specialty alignment first; distance only breaks ties.
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].MatchScore != candidates[j].MatchScore {
				return candidates[i].MatchScore > candidates[j].MatchScore
			}
			return candidates[i].DistanceKm < candidates[j].DistanceKm
		})
	} else {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].DistanceKm < candidates[j].DistanceKm
		})
	}

	if len(candidates) > MAX_CANDIDATES {
		candidates = candidates[:MAX_CANDIDATES]
	}

	return candidates, nil
}

// triggeredRules returns the specialty rules any of the patient's
// conditions trip. No conditions, or conditions no rule knows, means plain
// distance ordering.
func triggeredRules(conditions []string) []specialtyRule {
	triggered := []specialtyRule{}
	for _, rule := range specialtyRules {
		if ruleTriggered(rule, conditions) {
			triggered = append(triggered, rule)
		}
	}
	return triggered
}

func ruleTriggered(rule specialtyRule, conditions []string) bool {
	for _, conditionName := range conditions {
		lowered := strings.ToLower(conditionName)
		for _, keyword := range rule.keywords {
			if strings.Contains(lowered, keyword) {
				return true
			}
		}
	}
	return false
}

// matchScore is the fraction of triggered specialty rules this hospital can
// serve, in [0, 1].
func matchScore(hospital models.Hospital, triggered []specialtyRule) float64 {
	suitable := 0
	for _, rule := range triggered {
		if rule.suitable(hospital) {
			suitable++
		}
	}
	return float64(suitable) / float64(len(triggered))
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLng := toRadians(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func toRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}

func roundKm(km float64) float64 {
	return math.Round(km*100) / 100
}
