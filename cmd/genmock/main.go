// Command genmock writes gzipped bulk-file fixtures shaped like the cache
// files, for local runs against a mock source and for load tests. Every
// -bad-every'th bulletin is malformed so the decode warning path is exercised.
// Each file is decoded with the real codec before it is written, and the
// decoded and dropped counts are logged.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock -stations 200 -bad-every 25
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/codec"
	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
)

var baseTime = time.Date(2026, time.October, 18, 18, 0, 0, 0, time.UTC)

var categories = []string{"VFR", "MVFR", "IFR", "LIFR"}

type station struct {
	icao     string
	lat, lon float64
	elevM    int
}

type fixture struct {
	kind domain.Kind
	file string
	body []byte
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "directory to write the fixtures to")
	n := flag.Int("stations", 200, "number of synthetic stations")
	badEvery := flag.Int("bad-every", 25, "make every n-th bulletin malformed (0 disables)")
	seed := flag.Uint64("seed", 42, "random seed")
	flag.Parse()

	if *out == "" || *n <= 0 {
		flag.Usage()
		return fmt.Errorf("missing required flag: -out")
	}

	// Fixed clock for reproducible relative timestamps.
	domain.SetClock(clockwork.NewFakeClockAt(baseTime))
	defer domain.SetClock(nil)

	rng := rand.New(rand.NewPCG(*seed, *seed))
	stations := makeStations(rng, *n)

	metars, err := metarCSV(rng, stations, *badEvery)
	if err != nil {
		return err
	}
	pireps, err := pirepCSV(rng, stations, *badEvery)
	if err != nil {
		return err
	}
	stationList, err := stationJSON(stations, *badEvery)
	if err != nil {
		return err
	}

	fixtures := []fixture{
		{domain.KindObservation, "metars.cache.csv.gz", metars},
		{domain.KindPilotReport, "aircraftreports.cache.csv.gz", pireps},
		{domain.KindStation, "stations.cache.json.gz", stationList},
	}

	if err := os.MkdirAll(*out, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", *out, err)
	}
	for _, f := range fixtures {
		recs, warnings, err := codec.Decode(f.kind, f.body, codec.Options{})
		if err != nil {
			return fmt.Errorf("decode %s: %w", f.file, err)
		}
		path := filepath.Join(*out, f.file)
		if err := writeGzip(path, f.body); err != nil {
			return err
		}
		log.Printf("%s: %d decoded, %d malformed", path, len(recs), len(warnings))
	}
	return nil
}

func makeStations(rng *rand.Rand, n int) []station {
	out := make([]station, n)
	for i := range out {
		out[i] = station{
			icao:  fmt.Sprintf("K%03d", i),
			lat:   round(25 + rng.Float64()*24),
			lon:   round(-124 + rng.Float64()*57),
			elevM: rng.IntN(2000),
		}
	}
	return out
}

func metarCSV(rng *rand.Rand, stations []station, badEvery int) ([]byte, error) {
	rows := [][]string{{"raw_text", "station_id", "observation_time", "latitude", "longitude",
		"temp_c", "wind_dir_degrees", "wind_speed_kt", "visibility_statute_mi", "flight_category", "metar_type", "elevation_m"}}
	for i, s := range stations {
		at := baseTime.Add(-time.Duration(rng.IntN(60)) * time.Minute)
		dir, speed := rng.IntN(36)*10, rng.IntN(30)
		raw := fmt.Sprintf("%s %sZ %03d%02dKT 10SM", s.icao, at.Format("021504"), dir, speed)
		observed := at.Format(time.RFC3339)
		if malformed(i, badEvery) {
			observed = "not-a-time"
		}
		rows = append(rows, []string{
			raw, s.icao, observed, ftoa(s.lat), ftoa(s.lon),
			strconv.Itoa(rng.IntN(40) - 10), strconv.Itoa(dir), strconv.Itoa(speed), "10+",
			categories[rng.IntN(len(categories))], "METAR", strconv.Itoa(s.elevM),
		})
	}
	return encodeCSV(rows)
}

func pirepCSV(rng *rand.Rand, stations []station, badEvery int) ([]byte, error) {
	rows := [][]string{{"receipt_time", "observation_time", "aircraft_ref", "latitude", "longitude",
		"altitude_ft_msl", "turbulence_type", "turbulence_intensity", "report_type", "raw_text"}}
	aircraft := []string{"B738", "A320", "C172", "CRJ9", "E145"}
	for i, s := range stations {
		at := baseTime.Add(-time.Duration(rng.IntN(90)) * time.Minute)
		alt := (rng.IntN(40) + 1) * 1000
		ac := aircraft[rng.IntN(len(aircraft))]
		lat := ftoa(s.lat)
		if malformed(i, badEvery) {
			lat = ""
		}
		raw := fmt.Sprintf("%s UA /OV %s/TM %s/FL%03d/TP %s/TB LGT", s.icao[1:], s.icao[1:], at.Format("1504"), alt/100, ac)
		rows = append(rows, []string{
			at.Add(5 * time.Minute).Format(time.RFC3339), at.Format(time.RFC3339), ac, lat, ftoa(s.lon),
			strconv.Itoa(alt), "CHOP", "LGT", "PIREP", raw,
		})
	}
	return encodeCSV(rows)
}

func stationJSON(stations []station, badEvery int) ([]byte, error) {
	list := make([]any, 0, len(stations))
	for i, s := range stations {
		if malformed(i, badEvery) {
			list = append(list, map[string]any{"icaoId": s.icao, "site": "no location"})
			continue
		}
		list = append(list, map[string]any{
			"icaoId":   s.icao,
			"faaId":    s.icao[1:],
			"site":     "Synthetic " + s.icao,
			"lat":      s.lat,
			"lon":      s.lon,
			"elev":     s.elevM,
			"state":    "XX",
			"country":  "US",
			"siteType": []string{"METAR"},
		})
	}
	return json.MarshalIndent(list, "", "  ")
}

func malformed(i, every int) bool {
	return every > 0 && i%every == every-1
}

func encodeCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

func writeGzip(path string, body []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(body); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func round(f float64) float64 {
	return float64(int(f*10000)) / 10000
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
