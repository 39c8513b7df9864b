// Package quality classifies connection telemetry pushed by call participants.
// Only the latest sample per participant is kept, in memory.
package quality

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hackgods/teleconsult-signaling/internal/apperr"
)

type Level string

const (
	LevelGood Level = "good"
	LevelFair Level = "fair"
	LevelPoor Level = "poor"
)

// Classification bands.
const (
	goodLossPct = 2.0
	goodRTTMs   = 150.0
	fairLossPct = 5.0
	fairRTTMs   = 300.0
)

// Recommendation thresholds.
const (
	audioOnlyVideoKbps     = 150.0
	audioOnlyBandwidthKbps = 250.0
	lowerResVideoKbps      = 500.0
	highLatencyRTTMs       = 300.0
	highAudioLossPct       = 5.0
)

const (
	RecommendAudioOnly       = "audio_only"
	RecommendLowerResolution = "lower_resolution"
	RecommendHighLatency     = "high_latency"
	RecommendAudioPacketLoss = "audio_packet_loss"
)

type MediaStats struct {
	BitrateKbps   float64 `json:"bitrate_kbps"`
	PacketLossPct float64 `json:"packet_loss_pct"`
	RTTMs         float64 `json:"rtt_ms"`
}

func (m MediaStats) validate(kind string) error {
	for name, v := range map[string]float64{
		"bitrate_kbps":    m.BitrateKbps,
		"packet_loss_pct": m.PacketLossPct,
		"rtt_ms":          m.RTTMs,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return apperr.Validation("%s %s must be a non-negative number", kind, name)
		}
	}
	if m.PacketLossPct > 100 {
		return apperr.Validation("%s packet_loss_pct must not exceed 100", kind)
	}
	return nil
}

type Sample struct {
	Audio MediaStats `json:"audio"`
	// Video is nil while the participant has video disabled.
	Video                  *MediaStats `json:"video,omitempty"`
	AvailableBandwidthKbps float64     `json:"available_bandwidth_kbps,omitempty"`
	At                     time.Time   `json:"at"`
}

func (s Sample) Validate() error {
	if err := s.Audio.validate("audio"); err != nil {
		return err
	}
	if s.Video != nil {
		if err := s.Video.validate("video"); err != nil {
			return err
		}
	}
	if s.AvailableBandwidthKbps < 0 {
		return apperr.Validation("available_bandwidth_kbps must be non-negative")
	}
	return nil
}

// Classify applies the loss and round-trip bands to one media stream.
func Classify(m MediaStats) Level {
	switch {
	case m.PacketLossPct < goodLossPct && m.RTTMs < goodRTTMs:
		return LevelGood
	case m.PacketLossPct < fairLossPct && m.RTTMs < fairRTTMs:
		return LevelFair
	default:
		return LevelPoor
	}
}

// Recommendations derives advisory hints from a sample. It holds no state.
func Recommendations(s Sample) []string {
	var out []string

	lowBandwidth := s.AvailableBandwidthKbps > 0 && s.AvailableBandwidthKbps < audioOnlyBandwidthKbps
	switch {
	case s.Video != nil && s.Video.BitrateKbps < audioOnlyVideoKbps, lowBandwidth:
		out = append(out, RecommendAudioOnly)
	case s.Video != nil && s.Video.BitrateKbps < lowerResVideoKbps:
		out = append(out, RecommendLowerResolution)
	}

	rtt := s.Audio.RTTMs
	if s.Video != nil && s.Video.RTTMs > rtt {
		rtt = s.Video.RTTMs
	}
	if rtt >= highLatencyRTTMs {
		out = append(out, RecommendHighLatency)
	}
	if s.Audio.PacketLossPct >= highAudioLossPct {
		out = append(out, RecommendAudioPacketLoss)
	}
	return out
}

type Report struct {
	RoomID          string   `json:"room_id"`
	ParticipantID   string   `json:"participant_id"`
	Audio           Level    `json:"audio"`
	Video           Level    `json:"video,omitempty"`
	Overall         Level    `json:"overall"`
	Recommendations []string `json:"recommendations"`
	Sample          Sample   `json:"sample"`
}

func buildReport(roomID, participantID string, s Sample) Report {
	r := Report{
		RoomID:          roomID,
		ParticipantID:   participantID,
		Audio:           Classify(s.Audio),
		Recommendations: Recommendations(s),
		Sample:          s,
	}
	r.Overall = r.Audio
	if s.Video != nil {
		r.Video = Classify(*s.Video)
		r.Overall = worst(r.Audio, r.Video)
	}
	if r.Recommendations == nil {
		r.Recommendations = []string{}
	}
	return r
}

func worst(a, b Level) Level {
	rank := map[Level]int{LevelGood: 0, LevelFair: 1, LevelPoor: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Monitor keeps the latest report per participant per room.
type Monitor struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Report
	now   func() time.Time
	log   *logrus.Entry
}

func NewMonitor(log *logrus.Entry) *Monitor {
	return &Monitor{
		rooms: make(map[string]map[string]Report),
		now:   time.Now,
		log:   log,
	}
}

// RecordSample validates and stores s, replacing any earlier sample from the
// same participant.
func (m *Monitor) RecordSample(roomID, participantID string, s Sample) (Report, error) {
	if roomID == "" || participantID == "" {
		return Report{}, apperr.Validation("room and participant are required")
	}
	if err := s.Validate(); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"room_id":        roomID,
			"participant_id": participantID,
		}).Debug("dropping malformed quality sample")
		return Report{}, err
	}
	if s.At.IsZero() {
		s.At = m.now()
	}

	report := buildReport(roomID, participantID, s)

	m.mu.Lock()
	defer m.mu.Unlock()
	byParticipant, ok := m.rooms[roomID]
	if !ok {
		byParticipant = make(map[string]Report)
		m.rooms[roomID] = byParticipant
	}
	byParticipant[participantID] = report
	return report, nil
}

func (m *Monitor) Latest(roomID, participantID string) (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID][participantID]
	return r, ok
}

// Room returns the latest report of every participant, ordered by id.
func (m *Monitor) Room(roomID string) []Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Report, 0, len(m.rooms[roomID]))
	for _, r := range m.rooms[roomID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (m *Monitor) Forget(roomID, participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms[roomID], participantID)
	if len(m.rooms[roomID]) == 0 {
		delete(m.rooms, roomID)
	}
}

func (m *Monitor) ForgetRoom(roomID string) {
	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()
}
