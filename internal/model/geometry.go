package model

import "fmt"

// Geometry is a GeoJSON polygon; positions are [lon, lat].
type Geometry struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

func (g Geometry) Validate() error {
	if g.Type != "Polygon" {
		return fmt.Errorf("unsupported geometry type %q", g.Type)
	}
	if len(g.Coordinates) == 0 || len(g.Coordinates[0]) < 4 {
		return fmt.Errorf("polygon needs a ring of at least 4 positions")
	}
	for _, ring := range g.Coordinates {
		for _, pos := range ring {
			if pos[1] < -90 || pos[1] > 90 {
				return fmt.Errorf("latitude %v out of range", pos[1])
			}
			if pos[0] < -180 || pos[0] > 180 {
				return fmt.Errorf("longitude %v out of range", pos[0])
			}
		}
	}
	return nil
}

// Centroid averages the outer-ring vertices; good enough for station search.
func (g Geometry) Centroid() (lat, lon float64) {
	if len(g.Coordinates) == 0 || len(g.Coordinates[0]) == 0 {
		return 0, 0
	}
	ring := g.Coordinates[0]
	// GeoJSON rings close on themselves; skip the repeated last vertex.
	n := len(ring)
	if n > 1 && ring[0] == ring[n-1] {
		n--
	}
	for i := 0; i < n; i++ {
		lon += ring[i][0]
		lat += ring[i][1]
	}
	return lat / float64(n), lon / float64(n)
}
