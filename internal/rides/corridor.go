package rides

import (
	"fmt"

	"github.com/uber/h3-go/v4"

	"github.com/example/rideshare-core/internal/models"
)

// Corridor returns the H3 cell id containing c. Two journeys share a
// corridor when their pickups and their dropoffs fall in the same cells.
func Corridor(c models.Coord, resolution int) (string, error) {
	cell, err := h3.LatLngToCell(h3.NewLatLng(c.Lat, c.Lon), resolution)
	if err != nil {
		return "", fmt.Errorf("h3 cell for %.6f,%.6f: %w", c.Lat, c.Lon, err)
	}
	return cell.String(), nil
}
