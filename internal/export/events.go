// Package export writes seismic events and imagery tiles to files and
// terminals in the formats the CLI offers.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/quakemap/internal/geo"
	"github.com/sells-group/quakemap/internal/model"
)

// Format is an event output format.
type Format string

const (
	FormatTable   Format = "table"
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
	FormatGeoJSON Format = "geojson"
	FormatXLSX    Format = "xlsx"
)

// Formats lists the supported formats in help-text order.
var Formats = []Format{FormatTable, FormatJSON, FormatCSV, FormatGeoJSON, FormatXLSX}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", eris.Errorf("export: unknown format %q", s)
}

// FormatForPath picks a format from a file extension, falling back to def.
func FormatForPath(path string, def Format) Format {
	switch strings.ToLower(path[strings.LastIndexByte(path, '.')+1:]) {
	case "json":
		return FormatJSON
	case "csv":
		return FormatCSV
	case "geojson":
		return FormatGeoJSON
	case "xlsx":
		return FormatXLSX
	}
	return def
}

// eventColumns defines the ordered tabular output columns.
var eventColumns = []string{
	"ID",
	"Time (UTC)",
	"Latitude",
	"Longitude",
	"Depth (km)",
	"Magnitude",
	"Mag Type",
	"Place",
	"URL",
}

func eventRow(ev model.SeismicEvent) []string {
	depth := ""
	if ev.DepthKm != nil {
		depth = strconv.FormatFloat(*ev.DepthKm, 'f', 2, 64)
	}
	return []string{
		ev.ID,
		ev.Time.UTC().Format(time.RFC3339),
		strconv.FormatFloat(ev.Latitude, 'f', 4, 64),
		strconv.FormatFloat(ev.Longitude, 'f', 4, 64),
		depth,
		strconv.FormatFloat(ev.Magnitude, 'f', 1, 64),
		ev.MagnitudeType,
		ev.Place,
		ev.URL,
	}
}

// WriteEvents writes events to w in the given format.
func WriteEvents(w io.Writer, events []model.SeismicEvent, format Format) error {
	switch format {
	case FormatTable:
		return writeTable(w, events)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if events == nil {
			events = []model.SeismicEvent{}
		}
		return eris.Wrap(enc.Encode(events), "export: encode json")
	case FormatCSV:
		return writeCSV(w, events)
	case FormatGeoJSON:
		data, err := EventsGeoJSON(events)
		if err != nil {
			return err
		}
		_, err = w.Write(append(data, '\n'))
		return eris.Wrap(err, "export: write geojson")
	case FormatXLSX:
		return writeXLSX(w, events)
	}
	return eris.Errorf("export: unknown format %q", format)
}

// WriteEventsFile writes events to path, creating or truncating it.
func WriteEventsFile(path string, events []model.SeismicEvent, format Format) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	if err := WriteEvents(f, events, format); err != nil {
		_ = f.Close()
		return err
	}
	return eris.Wrapf(f.Close(), "export: close %s", path)
}

func writeTable(w io.Writer, events []model.SeismicEvent) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME (UTC)\tMAG\tLAT\tLON\tDEPTH\tID\tPLACE") //nolint:errcheck
	for _, ev := range events {
		row := eventRow(ev)
		depth := row[4]
		if depth == "" {
			depth = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", //nolint:errcheck
			ev.Time.UTC().Format("2006-01-02 15:04:05"), row[5], row[2], row[3], depth, ev.ID, ev.Place)
	}
	return eris.Wrap(tw.Flush(), "export: flush table")
}

func writeCSV(w io.Writer, events []model.SeismicEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(eventColumns); err != nil {
		return eris.Wrap(err, "export: write header")
	}
	for _, ev := range events {
		if err := cw.Write(eventRow(ev)); err != nil {
			return eris.Wrap(err, "export: write row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

func writeXLSX(w io.Writer, events []model.SeismicEvent) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Events")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}
	header := sheet.AddRow()
	for _, c := range eventColumns {
		header.AddCell().SetString(c)
	}
	for _, ev := range events {
		row := sheet.AddRow()
		row.AddCell().SetString(ev.ID)
		row.AddCell().SetDateTime(ev.Time.UTC())
		row.AddCell().SetFloat(ev.Latitude)
		row.AddCell().SetFloat(ev.Longitude)
		if ev.DepthKm != nil {
			row.AddCell().SetFloat(*ev.DepthKm)
		} else {
			row.AddCell().SetString("")
		}
		row.AddCell().SetFloat(ev.Magnitude)
		row.AddCell().SetString(ev.MagnitudeType)
		row.AddCell().SetString(ev.Place)
		row.AddCell().SetString(ev.URL)
	}
	return eris.Wrap(f.Write(w), "export: write xlsx")
}

// EventsGeoJSON encodes events as a FeatureCollection of points carrying the
// event attributes as properties.
func EventsGeoJSON(events []model.SeismicEvent) ([]byte, error) {
	fc := geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(events))}
	for _, ev := range events {
		props := map[string]any{
			"mag":  ev.Magnitude,
			"time": ev.Time.UTC().Format(time.RFC3339),
		}
		if ev.MagnitudeType != "" {
			props["magType"] = ev.MagnitudeType
		}
		if ev.Place != "" {
			props["place"] = ev.Place
		}
		if ev.URL != "" {
			props["url"] = ev.URL
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         ev.ID,
			Geometry:   geo.Point(ev.Latitude, ev.Longitude, ev.DepthKm),
			Properties: props,
		})
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return nil, eris.Wrap(err, "export: encode geojson")
	}
	return data, nil
}
