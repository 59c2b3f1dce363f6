package util

import (
	"crypto/rand"
	"math"
	"math/big"

	"github.com/google/uuid"
)

func GenerateUUID() string {
	return uuid.NewString()
}

func toRadians(degree float64) float64 {
	return degree * math.Pi / 180
}

// Haversine returns the great-circle distance between two points in km,
// used by the realtime gateway to filter nearby drivers by radius.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371

	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	deltaPhi := toRadians(lat2 - lat1)
	deltaLambda := toRadians(lon2 - lon1)

	a := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*
			math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return R * c
}

// RandomDigits returns a string of n uniformly random decimal digits,
// used for OTP fallback (§4.4 step 5) and the ride-id fallback (§4.5).
func RandomDigits(n int) string {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			digits[i] = '0'
			continue
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits)
}
