// Package geo implements spherical-earth distance and bearing calculations
// used throughout the map-matching pipeline.
package geo

import "math"

// EarthRadiusMeters is the mean radius of a sphere approximating the earth,
// the same constant the rest of this package's callers assume implicitly.
const EarthRadiusMeters = 6371008.7714

// Point is a WGS84 longitude/latitude pair in degrees.
type Point struct {
	Lon float64
	Lat float64
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }

// GeoDist returns the great-circle distance between two points in meters,
// using the haversine formula.
func GeoDist(p1, p2 Point) float64 {
	lat1, lat2 := toRad(p1.Lat), toRad(p2.Lat)
	dLat := toRad(p2.Lat - p1.Lat)
	dLon := toRad(wrapLon(p2.Lon - p1.Lon))

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// wrapLon keeps a longitude delta in (-180, 180] so distances across the
// antimeridian take the short way around.
func wrapLon(d float64) float64 {
	for d > 180 {
		d -= 360
	}
	for d <= -180 {
		d += 360
	}
	return d
}

// BearingTo returns the initial bearing in degrees [0, 360) from origin to
// destination. Returns NaN when origin == destination, since bearing is
// undefined at zero distance.
func BearingTo(origin, destination Point) float64 {
	if origin.Lon == destination.Lon && origin.Lat == destination.Lat {
		return math.NaN()
	}

	lat1, lat2 := toRad(origin.Lat), toRad(destination.Lat)
	dLon := toRad(wrapLon(destination.Lon - origin.Lon))

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	theta := math.Atan2(y, x)
	return math.Mod(toDeg(theta)+360, 360)
}

// BearingDiff returns bearing2-bearing1 wrapped into (-180, 180], positive
// when bearing2 lies clockwise of bearing1.
func BearingDiff(bearing1, bearing2 float64) float64 {
	d := math.Mod(bearing2-bearing1, 360)
	if d <= -180 {
		d += 360
	} else if d > 180 {
		d -= 360
	}
	return d
}

// CrossTrackError returns the signed perpendicular distance in meters of p3
// from the great-circle path running from p1 through p2.
func CrossTrackError(p1, p2, p3 Point) float64 {
	d13 := GeoDist(p1, p3) / EarthRadiusMeters
	if d13 == 0 {
		return 0
	}
	db := toRad(BearingDiff(BearingTo(p1, p3), BearingTo(p1, p2)))
	return math.Asin(math.Sin(d13)*math.Sin(db)) * EarthRadiusMeters
}

// AlongTrackDistance returns the signed distance in meters from p1 to the
// point on the great circle through p1/p2 nearest p3. The sign flips when
// the bearing from p1 to p3 differs from the bearing from p1 to p2 by more
// than 90 degrees, placing p3 "behind" p1 along the track.
func AlongTrackDistance(p1, p2, p3 Point) float64 {
	d13 := GeoDist(p1, p3) / EarthRadiusMeters
	dxt := CrossTrackError(p1, p2, p3) / EarthRadiusMeters

	dat := math.Acos(math.Cos(d13) / math.Cos(dxt)) * EarthRadiusMeters

	b13 := BearingTo(p1, p3)
	b12 := BearingTo(p1, p2)
	if math.Abs(BearingDiff(b13, b12)) > 90 {
		return -dat
	}
	return dat
}
