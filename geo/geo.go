package geo

import "math"

var earthRadiusKM float64 = 6371

// http://www.movable-type.co.uk/scripts/latlong.html
func Haversine(latA, lngA, latB, lngB float64) (km float64) {
	latA, lngA = latA*math.Pi/180, lngA*math.Pi/180
	latB, lngB = latB*math.Pi/180, lngB*math.Pi/180
	dLat, dLng := latB-latA, lngB-lngA
	a := math.Pow(math.Sin(dLat/2), 2) + math.Cos(latA)*math.Cos(latB)*math.Pow(math.Sin(dLng/2), 2)
	return 2 * math.Asin(math.Sqrt(a)) * earthRadiusKM
}

// http://www.movable-type.co.uk/scripts/latlong.html
func Offset(lat, lng, bearing, km float64) (float64, float64) {
	d, lat, lng, bearing := km/earthRadiusKM, lat*math.Pi/180, lng*math.Pi/180, bearing*math.Pi/180
	lat2 := math.Asin(math.Sin(lat)*math.Cos(d) + math.Cos(lat)*math.Sin(d)*math.Cos(bearing))
	lng2 := lng + math.Atan2(math.Sin(bearing)*math.Sin(d)*math.Cos(lat),
		math.Cos(d)-math.Sin(lat)*math.Sin(lat2))
	return lat2 * 180 / math.Pi, lng2 * 180 / math.Pi
}

// Around returns the lng/lat boxes enclosing the circle of radius km around
// (lat, lng). x is longitude, y is latitude. A circle crossing the
// antimeridian is covered by two boxes, one on each side of it; a circle
// covering a pole spans all longitudes.
func Around(lat, lng, km float64) []BBox {
	north, _ := Offset(lat, lng, 0, km)
	south, _ := Offset(lat, lng, 180, km)
	_, east := Offset(lat, lng, 90, km)
	_, west := Offset(lat, lng, 270, km)
	b := BBox{XMin: west, YMin: south, XMax: east, YMax: north}
	if b.YMax < lat {
		b.XMin, b.YMax, b.XMax = -180, 90, 180
	}
	if b.YMin > lat {
		b.XMin, b.YMin, b.XMax = -180, -90, 180
	}
	switch {
	case b.Width() >= 360:
		b.XMin, b.XMax = -180, 180
	case b.XMax > 180:
		return []BBox{
			World.clamp(BBox{XMin: -180, YMin: b.YMin, XMax: b.XMax - 360, YMax: b.YMax}),
			World.clamp(b),
		}
	case b.XMin < -180:
		return []BBox{
			World.clamp(b),
			World.clamp(BBox{XMin: b.XMin + 360, YMin: b.YMin, XMax: 180, YMax: b.YMax}),
		}
	}
	return []BBox{World.clamp(b)}
}

// World is the lng/lat extent.
var World = BBox{-180, -90, 180, 90}

func (b BBox) clamp(o BBox) BBox {
	o.XMin, o.XMax = math.Max(o.XMin, b.XMin), math.Min(o.XMax, b.XMax)
	o.YMin, o.YMax = math.Max(o.YMin, b.YMin), math.Min(o.YMax, b.YMax)
	return o
}
