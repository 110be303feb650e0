// Package upstream serves seeded stand-ins for the weather, satellite and
// pin upstreams so the pipeline runs end to end without credentials.
// Observations are deterministic in (seed, station, hour): refetching a
// window yields the same series, which keeps deduplication and idempotent
// publishes honest.
package upstream

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	earthRadiusKM = 6371.0
	// maxPoints bounds one history response regardless of window size.
	maxPoints = 5000
	// deliveryDelay is how long a fresh subscription reports no results,
	// imitating upstream preparation time.
	deliveryDelay = 30 * time.Second
	// deliveryDays is the length of a delivered biomass series.
	deliveryDays = 30
)

// Config selects the scenario and where the station cluster sits.
type Config struct {
	Scenario  string
	Seed      int64
	Stations  int
	CenterLat float64
	CenterLon float64
}

// shape holds the per-scenario generation parameters.
type shape struct {
	tempBase   float64
	tempAmp    float64
	rainChance float64
	rainMax    float64
	humidity   float64
	soil       float64
	// biomassFrom/To set the delivered 30-day vegetation trend.
	biomassFrom float64
	biomassTo   float64
}

var shapes = map[string]shape{
	"normal":   {tempBase: 22, tempAmp: 4, rainChance: 0.25, rainMax: 4.0, humidity: 65, soil: 0.38, biomassFrom: 0.78, biomassTo: 0.74},
	"drought":  {tempBase: 33, tempAmp: 5, rainChance: 0.02, rainMax: 0.4, humidity: 28, soil: 0.08, biomassFrom: 0.70, biomassTo: 0.32},
	"heatwave": {tempBase: 39, tempAmp: 4, rainChance: 0.08, rainMax: 1.5, humidity: 32, soil: 0.18, biomassFrom: 0.72, biomassTo: 0.55},
}

type station struct {
	id   string
	name string
	lat  float64
	lon  float64
}

type subscription struct {
	id      string
	name    string
	status  string
	created time.Time
}

type pin struct {
	name     string
	payload  []byte
	pinnedAt time.Time
}

// Server holds the seeded station set and the mutable subscription and pin
// state accumulated over a run.
type Server struct {
	cfg      Config
	shape    shape
	stations []station

	mu      sync.Mutex
	subs    map[string]*subscription
	pins    map[string]pin
	nextSub int
}

func New(cfg Config) (*Server, error) {
	sh, ok := shapes[cfg.Scenario]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", cfg.Scenario)
	}
	if cfg.Stations < 1 {
		return nil, fmt.Errorf("need at least one station, got %d", cfg.Stations)
	}

	s := &Server{
		cfg:   cfg,
		shape: sh,
		subs:  map[string]*subscription{},
		pins:  map[string]pin{},
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	for i := 0; i < cfg.Stations; i++ {
		// ±0.05 degrees keeps the cluster within roughly 6 km.
		s.stations = append(s.stations, station{
			id:   fmt.Sprintf("wxm-mock-%d", i+1),
			name: fmt.Sprintf("Mock Station %d", i+1),
			lat:  cfg.CenterLat + (rng.Float64()-0.5)*0.1,
			lon:  cfg.CenterLon + (rng.Float64()-0.5)*0.1,
		})
	}
	return s, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Route("/wxm", func(r chi.Router) {
		r.Use(requireBearer)
		r.Get("/me", s.account)
		r.Get("/stations/nearby", s.nearbyStations)
		r.Get("/stations/{id}", s.stationByID)
		r.Get("/stations/{id}/data", s.stationData)
	})

	r.Route("/planet/subscriptions", func(r chi.Router) {
		r.Use(requireBearer)
		r.Post("/", s.createSubscription)
		r.Get("/{id}", s.subscriptionByID)
		r.Patch("/{id}", s.patchSubscription)
		r.Get("/{id}/results", s.subscriptionResults)
	})
	// Deliveries imitate signed URLs: no credentials required.
	r.Get("/planet/deliveries/{id}", s.delivery)

	r.Route("/pinata", func(r chi.Router) {
		r.Use(requireBearer)
		r.Get("/data/testAuthentication", s.testAuth)
		r.Get("/data/pinList", s.pinList)
		r.Post("/pinning/pinFileToIPFS", s.pinFile)
		r.Post("/pinning/pinByHash", s.pinByHash)
		r.Delete("/pinning/unpin/{cid}", s.unpin)
	})
	r.Get("/gateway/ipfs/{cid}", s.gatewayFetch)

	return r
}

func requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || len(auth) <= len("Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pointRand seeds a generator from (seed, key, hour) so every observation
// is a pure function of its coordinates.
func (s *Server) pointRand(key string, at time.Time) *rand.Rand {
	h := fnv.New64a()
	_, _ = io.WriteString(h, key)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(at.Unix()))
	_, _ = h.Write(b[:])
	return rand.New(rand.NewSource(int64(h.Sum64()) ^ s.cfg.Seed))
}

func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

type wireLocation struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type wireStation struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Location wireLocation `json:"location"`
	Distance float64      `json:"distance,omitempty"`
	Active   bool         `json:"isActive"`
}

func (s *Server) account(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"id": "mock-account"})
}

func (s *Server) stationByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, st := range s.stations {
		if st.id == id {
			writeJSON(w, http.StatusOK, wireStation{
				ID: st.id, Name: st.name,
				Location: wireLocation{Lat: st.lat, Lon: st.lon},
				Active:   true,
			})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown station " + id})
}

func (s *Server) nearbyStations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	radiusM, err3 := strconv.ParseFloat(q.Get("radius"), 64)
	if err1 != nil || err2 != nil || err3 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "lat, lon and radius are required"})
		return
	}

	out := []wireStation{}
	for _, st := range s.stations {
		km := haversineKM(lat, lon, st.lat, st.lon)
		if km*1000 <= radiusM {
			out = append(out, wireStation{
				ID: st.id, Name: st.name,
				Location: wireLocation{Lat: st.lat, Lon: st.lon},
				Distance: km * 1000,
				Active:   true,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	writeJSON(w, http.StatusOK, out)
}

type wireSample struct {
	Timestamp         string   `json:"timestamp"`
	Temperature       *float64 `json:"temperature"`
	FeelsLike         float64  `json:"feels_like"`
	Precipitation     float64  `json:"precipitation"`
	PrecipitationRate float64  `json:"precipitation_rate"`
	Humidity          float64  `json:"humidity"`
	Pressure          float64  `json:"pressure"`
	WindSpeed         float64  `json:"wind_speed"`
	WindDirection     float64  `json:"wind_direction"`
	SolarIrradiance   float64  `json:"solar_irradiance"`
	UVIndex           float64  `json:"uv_index"`
	SoilMoisture      float64  `json:"soil_moisture"`
	SoilTemperature   float64  `json:"soil_temperature"`
	Quality           float64  `json:"data_quality"`
}

func (s *Server) stationData(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	known := false
	for _, st := range s.stations {
		if st.id == id {
			known = true
			break
		}
	}
	if !known {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown station " + id})
		return
	}

	q := r.URL.Query()
	start, err1 := time.Parse(time.RFC3339, q.Get("start"))
	end, err2 := time.Parse(time.RFC3339, q.Get("end"))
	if err1 != nil || err2 != nil || !end.After(start) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "start and end must be RFC3339 with end after start"})
		return
	}

	var data []wireSample
	for t := start.UTC().Truncate(time.Hour); !t.After(end.UTC()) && len(data) < maxPoints; t = t.Add(time.Hour) {
		data = append(data, s.observe(id, t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

// observe renders one hourly observation. Roughly one in forty comes back
// without a temperature so ingestion's skip path stays exercised.
func (s *Server) observe(stationID string, at time.Time) wireSample {
	rng := s.pointRand(stationID, at)
	hour := float64(at.Hour())
	diurnal := math.Sin((hour - 9) / 24 * 2 * math.Pi)

	temp := s.shape.tempBase + s.shape.tempAmp*diurnal + (rng.Float64()-0.5)*1.6
	rain := 0.0
	if rng.Float64() < s.shape.rainChance {
		rain = rng.Float64() * s.shape.rainMax
	}
	solar := 0.0
	if hour >= 6 && hour <= 18 {
		solar = math.Max(0, 850*math.Sin(math.Pi*(hour-6)/12)) + rng.Float64()*40
	}

	out := wireSample{
		Timestamp:         at.UTC().Format(time.RFC3339),
		FeelsLike:         temp + 1.2,
		Precipitation:     rain,
		PrecipitationRate: rain,
		Humidity:          s.shape.humidity + (rng.Float64()-0.5)*16,
		Pressure:          1013 + (rng.Float64()-0.5)*8,
		WindSpeed:         2 + rng.Float64()*6,
		WindDirection:     rng.Float64() * 360,
		SolarIrradiance:   solar,
		UVIndex:           math.Min(11, solar/90),
		SoilMoisture:      math.Max(0.01, s.shape.soil+(rng.Float64()-0.5)*0.06),
		SoilTemperature:   temp - 3,
		Quality:           0.85 + rng.Float64()*0.15,
	}
	if rng.Float64() >= 0.025 {
		out.Temperature = &temp
	}
	return out
}

type wireSubscription struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Source struct {
			Type       string          `json:"type"`
			Parameters json.RawMessage `json:"parameters"`
		} `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "a named source is required"})
		return
	}

	s.mu.Lock()
	s.nextSub++
	sub := &subscription{
		id:      fmt.Sprintf("mock-sub-%d", s.nextSub),
		name:    req.Name,
		status:  "active",
		created: time.Now().UTC(),
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, wireSubscription{ID: sub.id, Name: sub.name, Status: "preparing"})
}

func (s *Server) subscriptionByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	sub, ok := s.subs[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown subscription " + id})
		return
	}
	writeJSON(w, http.StatusOK, wireSubscription{ID: sub.id, Name: sub.name, Status: sub.status})
}

func (s *Server) patchSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok && req.Status == "cancelled" {
		sub.status = "cancelled"
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown subscription " + id})
		return
	}
	writeJSON(w, http.StatusOK, wireSubscription{ID: sub.id, Name: sub.name, Status: sub.status})
}

func (s *Server) subscriptionResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	sub, ok := s.subs[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown subscription " + id})
		return
	}

	type result struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Created  string `json:"created"`
		Location string `json:"location"`
	}
	results := []result{}
	if time.Since(sub.created) >= deliveryDelay {
		results = append(results, result{
			ID:       sub.id + "-delivery-1",
			Status:   "completed",
			Created:  sub.created.Add(deliveryDelay).Format(time.RFC3339),
			Location: "http://" + r.Host + "/planet/deliveries/" + sub.id,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// delivery streams the biomass series as date,value,cloud_cover rows with
// the scenario trend spread over the last thirty days.
func (s *Server) delivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.subs[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown delivery " + id})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"date", "value", "cloud_cover"})

	today := time.Now().UTC().Truncate(24 * time.Hour)
	for i := 0; i < deliveryDays; i++ {
		day := today.AddDate(0, 0, i-deliveryDays+1)
		rng := s.pointRand(id, day)
		progress := float64(i) / float64(deliveryDays-1)
		value := s.shape.biomassFrom + (s.shape.biomassTo-s.shape.biomassFrom)*progress + (rng.Float64()-0.5)*0.02
		cloud := rng.Float64() * 0.25
		if rng.Float64() < 0.15 {
			cloud = 0.45 + rng.Float64()*0.4
		}
		_ = cw.Write([]string{
			day.Format("2006-01-02"),
			strconv.FormatFloat(value, 'f', 4, 64),
			strconv.FormatFloat(cloud, 'f', 2, 64),
		})
	}
	cw.Flush()
}

func (s *Server) testAuth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "authenticated"})
}

func cidFor(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "bafkmock" + hex.EncodeToString(sum[:])[:32]
}

func (s *Server) pinFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart body"})
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file part is required"})
		return
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable file part"})
		return
	}

	name := "untitled"
	var meta struct {
		Name string `json:"name"`
	}
	if raw := r.FormValue("pinataMetadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err == nil && meta.Name != "" {
			name = meta.Name
		}
	}

	cid := cidFor(payload)
	s.mu.Lock()
	s.pins[cid] = pin{name: name, payload: payload, pinnedAt: time.Now().UTC()}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"IpfsHash": cid, "PinSize": len(payload)})
}

func (s *Server) pinByHash(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HashToPin string `json:"hashToPin"`
		Metadata  struct {
			Name string `json:"name"`
		} `json:"pinataMetadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HashToPin == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "hashToPin is required"})
		return
	}

	s.mu.Lock()
	if p, ok := s.pins[req.HashToPin]; ok && req.Metadata.Name != "" {
		p.name = req.Metadata.Name
		s.pins[req.HashToPin] = p
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"id": req.HashToPin, "status": "pinned"})
}

func (s *Server) unpin(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	s.mu.Lock()
	_, ok := s.pins[cid]
	delete(s.pins, cid)
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown cid " + cid})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "unpinned"})
}

func (s *Server) pinList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("pageLimit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	type row struct {
		IpfsPinHash string `json:"ipfs_pin_hash"`
		Size        int64  `json:"size"`
		DatePinned  string `json:"date_pinned"`
		Metadata    struct {
			Name string `json:"name"`
		} `json:"metadata"`
	}

	s.mu.Lock()
	rows := make([]row, 0, len(s.pins))
	for cid, p := range s.pins {
		rw := row{IpfsPinHash: cid, Size: int64(len(p.payload)), DatePinned: p.pinnedAt.Format(time.RFC3339)}
		rw.Metadata.Name = p.name
		rows = append(rows, rw)
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].DatePinned > rows[j].DatePinned })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(rows), "rows": rows})
}

func (s *Server) gatewayFetch(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	s.mu.Lock()
	p, ok := s.pins[cid]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown cid " + cid})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(p.payload)
}
