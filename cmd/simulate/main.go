package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/teleconsult-signaling/internal/auth"
	"github.com/hackgods/teleconsult-signaling/internal/config"
	"github.com/hackgods/teleconsult-signaling/pkg/logger"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	Doctors      int
	Patients     int
	CreateRatio  float64
	RespondRatio float64
	ReadRatio    float64
	AcceptRatio  float64
}

type user struct {
	id    string
	token string
}

type consultationRef struct {
	id       uuid.UUID
	patient  user
	doctorID string
}

type DataPool struct {
	Patients []user
	Doctors  map[string]user

	mu            sync.RWMutex
	consultations []consultationRef
}

func (dp *DataPool) Add(c consultationRef) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.consultations = append(dp.consultations, c)
}

func (dp *DataPool) Random(rng *rand.Rand) (consultationRef, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.consultations) == 0 {
		return consultationRef{}, false
	}
	return dp.consultations[rng.Intn(len(dp.consultations))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := append([]time.Duration(nil), om.Latencies...)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	at := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), at(50), at(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Create    OperationMetrics
	Respond   OperationMetrics
	Read      OperationMetrics
	Heartbeat OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     *logrus.Entry
}

var categories = []string{"general", "dermatology", "cardiology", "pediatrics", "psychiatry"}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load base config: %v", err)
	}
	log := logger.Component(logger.New(baseCfg.LogLevel, baseCfg.LogFormat), "simulate")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.WithError(err).Fatal("invalid config")
	}
	log.WithFields(logrus.Fields{
		"duration": cfg.Duration,
		"workers":  cfg.Workers,
		"doctors":  cfg.Doctors,
		"patients": cfg.Patients,
	}).Info("simulator starting")

	sim := &Simulator{
		config: cfg,
		pool:   buildDataPool(auth.NewService(baseCfg.JWTSecret, 24*time.Hour), cfg),
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	if err := sim.bringDoctorsOnline(ctx); err != nil {
		log.WithError(err).Fatal("could not bring doctors online")
	}
	sim.Run(ctx)
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		Doctors:      getInt("SIM_DOCTORS", 15),
		Patients:     getInt("SIM_PATIENTS", 500),
		CreateRatio:  getFloat("SIM_CREATE_RATIO", 0.4),
		RespondRatio: getFloat("SIM_RESPOND_RATIO", 0.4),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.2),
		AcceptRatio:  getFloat("SIM_ACCEPT_RATIO", 0.7),
	}

	total := cfg.CreateRatio + cfg.RespondRatio + cfg.ReadRatio
	if total > 0 {
		cfg.CreateRatio /= total
		cfg.RespondRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Doctors <= 0 || cfg.Patients <= 0 {
		return fmt.Errorf("SIM_DOCTORS and SIM_PATIENTS must be > 0")
	}
	return nil
}

func buildDataPool(tokens *auth.Service, cfg SimConfig) *DataPool {
	faker := gofakeit.New(uint64(time.Now().UnixNano()))
	issue := func(prefix string, role auth.Role) user {
		id := prefix + "-" + strings.ToLower(faker.LetterN(10))
		token, err := tokens.Issue(id, role)
		if err != nil {
			logrus.Fatalf("issue token: %v", err)
		}
		return user{id: id, token: token}
	}

	pool := &DataPool{Doctors: make(map[string]user, cfg.Doctors)}
	for i := 0; i < cfg.Doctors; i++ {
		d := issue("sim-doctor", auth.RoleDoctor)
		pool.Doctors[d.id] = d
	}
	for i := 0; i < cfg.Patients; i++ {
		pool.Patients = append(pool.Patients, issue("sim-patient", auth.RolePatient))
	}
	return pool
}

func (s *Simulator) bringDoctorsOnline(ctx context.Context) error {
	i := 0
	for _, d := range s.pool.Doctors {
		specs := []string{categories[i%len(categories)], "general"}
		status, _, err := s.call(ctx, d, http.MethodPost, "/availability/online", map[string]any{"specialties": specs})
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("doctor %s online: status %d", d.id, status)
		}
		i++
	}
	return nil
}

func (s *Simulator) Run(ctx context.Context) {
	s.log.Info("starting simulation")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeats(ctx)
	}()

	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) heartbeats(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range s.pool.Doctors {
				start := time.Now()
				status, _, err := s.call(ctx, d, http.MethodPost, "/availability/heartbeat", nil)
				s.metrics.Heartbeat.Record(time.Since(start), err == nil && status == http.StatusOK, false)
			}
		}
	}
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.CreateRatio:
				s.doCreate(ctx, rng)
			case r < s.config.CreateRatio+s.config.RespondRatio:
				s.doRespond(ctx, rng)
			default:
				s.doRead(ctx, rng)
			}
		}
	}
}

func (s *Simulator) doCreate(ctx context.Context, rng *rand.Rand) {
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()
	status, body, err := s.call(ctx, patient, http.MethodPost, "/consultations", map[string]string{
		"category":    categories[rng.Intn(len(categories))],
		"description": "simulated consultation",
	})
	latency := time.Since(start)

	success := err == nil && status == http.StatusCreated
	if success {
		var resp struct {
			ID       uuid.UUID `json:"id"`
			DoctorID *string   `json:"doctor_id"`
		}
		if json.Unmarshal(body, &resp) == nil && resp.DoctorID != nil {
			s.pool.Add(consultationRef{id: resp.ID, patient: patient, doctorID: *resp.DoctorID})
		}
	}
	s.metrics.Create.Record(latency, success, status == http.StatusConflict)
}

// doRespond has the assigned doctor accept or reject. Conflicts are expected
// once a request has moved on.
func (s *Simulator) doRespond(ctx context.Context, rng *rand.Rand) {
	ref, ok := s.pool.Random(rng)
	if !ok {
		return
	}
	doctor, ok := s.pool.Doctors[ref.doctorID]
	if !ok {
		return
	}

	action := "accept"
	var payload any
	if rng.Float64() >= s.config.AcceptRatio {
		action = "reject"
		payload = map[string]string{"reason": "simulated rejection"}
	}

	start := time.Now()
	status, _, err := s.call(ctx, doctor, http.MethodPost, fmt.Sprintf("/consultations/%s/%s", ref.id, action), payload)
	s.metrics.Respond.Record(time.Since(start), err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doRead(ctx context.Context, rng *rand.Rand) {
	ref, ok := s.pool.Random(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, _, err := s.call(ctx, ref.patient, http.MethodGet, "/consultations/"+ref.id.String(), nil)
	s.metrics.Read.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) call(ctx context.Context, as user, method, path string, payload any) (int, []byte, error) {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return 0, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+as.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	return resp.StatusCode, out.Bytes(), err
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Create", &s.metrics.Create)
	printOperationReport("Accept/Reject", &s.metrics.Respond)
	printOperationReport("Read", &s.metrics.Read)
	printOperationReport("Heartbeat", &s.metrics.Heartbeat)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
