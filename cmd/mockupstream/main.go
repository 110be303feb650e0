package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"microcrop-processor/cmd/mockupstream/upstream"
)

func main() {
	addr := flag.String("addr", ":9500", "Listen address")
	scenario := flag.String("scenario", "normal", "Scenario to serve: normal, drought, heatwave")
	seed := flag.Int64("seed", 42, "Seed for deterministic observations")
	stations := flag.Int("stations", 5, "Number of weather stations to place")
	lat := flag.Float64("lat", -1.2921, "Latitude the stations cluster around")
	lon := flag.Float64("lon", 36.8219, "Longitude the stations cluster around")
	flag.Parse()

	srv, err := upstream.New(upstream.Config{
		Scenario:  *scenario,
		Seed:      *seed,
		Stations:  *stations,
		CenterLat: *lat,
		CenterLon: *lon,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Serving scenario '%s' (%d stations around %.4f,%.4f) on %s\n", *scenario, *stations, *lat, *lon, *addr)
	fmt.Printf("  weather:  WEATHERXM_API_URL=http://localhost%s/wxm\n", *addr)
	fmt.Printf("  planet:   PLANET_API_URL=http://localhost%s/planet/subscriptions\n", *addr)
	fmt.Printf("  pins:     PINSTORE_API_URL=http://localhost%s/pinata\n", *addr)
	fmt.Printf("  gateway:  PINSTORE_GATEWAY=http://localhost%s/gateway\n", *addr)

	if err := http.ListenAndServe(*addr, srv.Router()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
