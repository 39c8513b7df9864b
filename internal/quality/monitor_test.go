package quality

import (
	"errors"
	"reflect"
	"testing"

	"github.com/hackgods/teleconsult-signaling/internal/apperr"
	"github.com/hackgods/teleconsult-signaling/pkg/logger"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   MediaStats
		want Level
	}{
		{"clean", MediaStats{PacketLossPct: 0.5, RTTMs: 40}, LevelGood},
		{"loss at good boundary", MediaStats{PacketLossPct: 2, RTTMs: 40}, LevelFair},
		{"rtt at good boundary", MediaStats{PacketLossPct: 0, RTTMs: 150}, LevelFair},
		{"fair", MediaStats{PacketLossPct: 4.9, RTTMs: 299}, LevelFair},
		{"loss poor", MediaStats{PacketLossPct: 5, RTTMs: 10}, LevelPoor},
		{"rtt poor", MediaStats{PacketLossPct: 0, RTTMs: 300}, LevelPoor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.in); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRecommendations(t *testing.T) {
	tests := []struct {
		name string
		in   Sample
		want []string
	}{
		{
			name: "healthy",
			in:   Sample{Audio: MediaStats{RTTMs: 50}, Video: &MediaStats{BitrateKbps: 1200, RTTMs: 50}},
			want: nil,
		},
		{
			name: "starved video",
			in:   Sample{Audio: MediaStats{RTTMs: 50}, Video: &MediaStats{BitrateKbps: 100}},
			want: []string{RecommendAudioOnly},
		},
		{
			name: "low bandwidth without video stats",
			in:   Sample{Audio: MediaStats{RTTMs: 50}, AvailableBandwidthKbps: 200},
			want: []string{RecommendAudioOnly},
		},
		{
			name: "mediocre video",
			in:   Sample{Audio: MediaStats{RTTMs: 50}, Video: &MediaStats{BitrateKbps: 400}},
			want: []string{RecommendLowerResolution},
		},
		{
			name: "latency and loss",
			in:   Sample{Audio: MediaStats{RTTMs: 320, PacketLossPct: 6}},
			want: []string{RecommendHighLatency, RecommendAudioPacketLoss},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Recommendations(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestMonitorKeepsLatestSample(t *testing.T) {
	m := NewMonitor(logger.Discard())

	if _, err := m.RecordSample("room-1", "patient-1", Sample{Audio: MediaStats{PacketLossPct: 8}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	report, err := m.RecordSample("room-1", "patient-1", Sample{
		Audio: MediaStats{PacketLossPct: 0.1, RTTMs: 30},
		Video: &MediaStats{BitrateKbps: 900, PacketLossPct: 3, RTTMs: 30},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if report.Audio != LevelGood || report.Video != LevelFair || report.Overall != LevelFair {
		t.Fatalf("unexpected report %+v", report)
	}

	latest, ok := m.Latest("room-1", "patient-1")
	if !ok || latest.Sample.Audio.PacketLossPct != 0.1 {
		t.Fatalf("expected the newer sample, got %+v", latest)
	}
	if latest.Sample.At.IsZero() {
		t.Fatal("sample should be stamped on arrival")
	}

	m.Forget("room-1", "patient-1")
	if _, ok := m.Latest("room-1", "patient-1"); ok {
		t.Fatal("forgotten sample still present")
	}
}

func TestMonitorDropsMalformedSample(t *testing.T) {
	m := NewMonitor(logger.Discard())

	_, err := m.RecordSample("room-1", "doctor-1", Sample{Audio: MediaStats{PacketLossPct: 140}})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok := m.Latest("room-1", "doctor-1"); ok {
		t.Fatal("malformed sample must not be stored")
	}
	if len(m.Room("room-1")) != 0 {
		t.Fatal("room should have no reports")
	}
}
