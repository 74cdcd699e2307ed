package matching

import (
	"math"

	"github.com/mmcloughlin/geohash"

	"github.com/aubus-app/aubus-server/internal/domain/models"
)

// geohashPrecision 5 gives cells of roughly 5km per side, wide enough for a
// campus service area while still pruning far-away drivers cheaply.
const geohashPrecision = 5

const earthRadiusKm = 6371.0

// CostFn scores a candidate driver for a pickup point. Lower is better.
type CostFn func(driver models.DriverState, pickup models.Location) float64

// DefaultCost combines haversine distance with an inverse-rating penalty so
// that a nearby low-rated driver does not always beat a slightly farther
// well-rated one.
func DefaultCost(driver models.DriverState, pickup models.Location) float64 {
	distance := Haversine(driver.Location, pickup)
	penalty := 0.0
	if driver.Rating > 0 {
		penalty = 1.0 / driver.Rating
	} else {
		penalty = 1.0
	}
	return distance + penalty
}

// Haversine returns the great-circle distance between two points in km.
func Haversine(a, b models.Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// Geohash buckets a location for candidate prefiltering.
func Geohash(loc models.Location) string {
	return geohash.EncodeWithPrecision(loc.Latitude, loc.Longitude, geohashPrecision)
}

// nearCell reports whether the driver's cell is the pickup cell or one of
// its eight neighbors. Drivers without a known location never match.
func nearCell(driverCell string, pickup models.Location) bool {
	if driverCell == "" {
		return false
	}
	cell := Geohash(pickup)
	if driverCell == cell {
		return true
	}
	for _, n := range geohash.Neighbors(cell) {
		if driverCell == n {
			return true
		}
	}
	return false
}
