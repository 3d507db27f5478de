package hospitals

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vitaltag/vitaltag/server/models"
	"go.uber.org/zap"
)

// Downtown Toronto; 0.01 degrees of latitude is roughly 1.1km.
const (
	baseLat = 43.6532
	baseLng = -79.3832
)

func seedHospital(t *testing.T, hospital models.Hospital) {
	t.Helper()
	assert.Nil(t, models.CreateHospital(&hospital))
}

func TestRankOrdersByDistanceWithoutConditions(t *testing.T) {
	models.InitializeTestDb()

	seedHospital(t, models.Hospital{Name: "Midtown General", Latitude: baseLat + 0.05, Longitude: baseLng})
	seedHospital(t, models.Hospital{Name: "City General", Latitude: baseLat + 0.01, Longitude: baseLng})

	candidates, err := NewRanker(zap.NewNop().Sugar()).Rank(baseLat, baseLng, DEFAULT_RADIUS_KM, nil)
	assert.Nil(t, err)

	assert.Len(t, candidates, 2)
	assert.Equal(t, "City General", candidates[0].Name, "the closer hospital should rank first")
	assert.Equal(t, "Midtown General", candidates[1].Name)
	assert.Zero(t, candidates[0].MatchScore, "distance-only searches leave matchScore unset")
	assert.Greater(t, candidates[1].DistanceKm, candidates[0].DistanceKm)
}

func TestRankPrefersSpecialtyOverDistance(t *testing.T) {
	models.InitializeTestDb()

	seedHospital(t, models.Hospital{Name: "City General", Latitude: baseLat + 0.01, Longitude: baseLng})
	seedHospital(t, models.Hospital{Name: "Heart Institute", Latitude: baseLat + 0.05, Longitude: baseLng, HasCardiology: true})

	candidates, err := NewRanker(zap.NewNop().Sugar()).Rank(
		baseLat, baseLng, DEFAULT_RADIUS_KM, []string{"Cardiac Arrhythmia"})
	assert.Nil(t, err)

	assert.Len(t, candidates, 2)
	assert.Equal(t, "Heart Institute", candidates[0].Name, "specialty alignment should outrank distance")
	assert.Equal(t, 1.0, candidates[0].MatchScore)
	assert.Zero(t, candidates[1].MatchScore)
}

func TestRankBreaksScoreTiesByDistance(t *testing.T) {
	models.InitializeTestDb()

	seedHospital(t, models.Hospital{Name: "Far Cardiology", Latitude: baseLat + 0.08, Longitude: baseLng, HasCardiology: true})
	seedHospital(t, models.Hospital{Name: "Near Cardiology", Latitude: baseLat + 0.02, Longitude: baseLng, HasCardiology: true})

	candidates, err := NewRanker(zap.NewNop().Sugar()).Rank(
		baseLat, baseLng, DEFAULT_RADIUS_KM, []string{"heart failure"})
	assert.Nil(t, err)

	assert.Len(t, candidates, 2)
	assert.Equal(t, "Near Cardiology", candidates[0].Name)
}

func TestRankExcludesHospitalsOutsideRadius(t *testing.T) {
	models.InitializeTestDb()

	seedHospital(t, models.Hospital{Name: "City General", Latitude: baseLat + 0.01, Longitude: baseLng})
	// ~55km north - well outside the search radius
	seedHospital(t, models.Hospital{Name: "Regional Hospital", Latitude: baseLat + 0.5, Longitude: baseLng})

	candidates, err := NewRanker(zap.NewNop().Sugar()).Rank(baseLat, baseLng, DEFAULT_RADIUS_KM, nil)
	assert.Nil(t, err)

	assert.Len(t, candidates, 1)
	assert.Equal(t, "City General", candidates[0].Name)
}

func TestRankCapsCandidateCount(t *testing.T) {
	models.InitializeTestDb()

	for i := 0; i < MAX_CANDIDATES+2; i++ {
		seedHospital(t, models.Hospital{
			Name:      fmt.Sprintf("Hospital %v", i),
			Latitude:  baseLat + float64(i)*0.005,
			Longitude: baseLng,
		})
	}

	candidates, err := NewRanker(zap.NewNop().Sugar()).Rank(baseLat, baseLng, DEFAULT_RADIUS_KM, nil)
	assert.Nil(t, err)

	assert.Len(t, candidates, MAX_CANDIDATES)
}

func TestRankReturnsEmptyListForRemoteLocation(t *testing.T) {
	models.InitializeTestDb()

	seedHospital(t, models.Hospital{Name: "City General", Latitude: baseLat, Longitude: baseLng})

	// Middle of the Atlantic
	candidates, err := NewRanker(zap.NewNop().Sugar()).Rank(30.0, -40.0, DEFAULT_RADIUS_KM, nil)
	assert.Nil(t, err)

	assert.Empty(t, candidates, "no nearby hospitals is a valid outcome, not an error")
}
