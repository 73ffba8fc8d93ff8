// Package export writes planned routes as driver manifests.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/kilianp07/fleetdispatch/core/model"
)

// Formats supported by Write.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Write encodes routes in the given format.
func Write(w io.Writer, format string, routes []model.Route) error {
	switch format {
	case FormatJSON, "":
		return WriteJSON(w, routes)
	case FormatCSV:
		return WriteCSV(w, routes)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// WriteJSON writes the routes to w in JSON format.
func WriteJSON(w io.Writer, routes []model.Route) error {
	if routes == nil {
		routes = []model.Route{}
	}
	return json.NewEncoder(w).Encode(routes)
}

// WriteCSV writes one line per stop, in route order.
func WriteCSV(w io.Writer, routes []model.Route) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"route_id", "vehicle_id", "seq", "order_id", "type", "latitude", "longitude", "eta", "distance_km", "late"}); err != nil {
		return err
	}
	for _, r := range routes {
		for i, s := range r.Stops {
			rec := []string{
				r.ID,
				r.VehicleID,
				strconv.Itoa(i + 1),
				s.OrderID,
				string(s.Kind),
				strconv.FormatFloat(s.Location.Lat, 'f', -1, 64),
				strconv.FormatFloat(s.Location.Lon, 'f', -1, 64),
				s.ArrivalAt.UTC().Format(time.RFC3339),
				strconv.FormatFloat(s.DistanceKm, 'f', 3, 64),
				strconv.FormatBool(s.Late),
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
