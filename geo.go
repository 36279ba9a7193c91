package authgate

import (
	"math"
	"strings"
)

const earthRadiusKM = 6371.0

// locationPlausible applies the soft location check. A user with no prior
// location on record passes unconditionally. Otherwise the claim passes
// when its region matches the known region, or when both sides carry
// coordinates within toleranceKM of each other.
func locationPlausible(user UserRecord, claim LocationClaim, toleranceKM float64) bool {
	if user.Region == "" && !user.HasCoordinates {
		return true
	}

	if user.Region != "" && claim.Region != "" &&
		strings.EqualFold(user.Region, claim.Region) {
		return true
	}

	if user.HasCoordinates && claim.HasCoordinates {
		return haversineKM(user.Latitude, user.Longitude, claim.Latitude, claim.Longitude) <= toleranceKM
	}

	return false
}

// haversineKM returns the great-circle distance between two points in
// kilometers.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)

	return 2 * earthRadiusKM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
