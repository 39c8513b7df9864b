package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/teleconsult-signaling/internal/auth"
	"github.com/hackgods/teleconsult-signaling/internal/availability"
	"github.com/hackgods/teleconsult-signaling/internal/config"
	redisclient "github.com/hackgods/teleconsult-signaling/internal/redis"
	"github.com/hackgods/teleconsult-signaling/pkg/logger"
)

var specialties = []string{
	"dermatology",
	"cardiology",
	"orthopedics",
	"endocrinology",
	"neurology",
	"pediatrics",
	"psychiatry",
	"ophthalmology",
	"ent",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config load error: %v", err)
	}
	log := logger.Component(logger.New(cfg.LogLevel, cfg.LogFormat), "seed")
	log.Info("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.WithError(err).Fatal("connect redis")
	}
	defer rdb.Close()

	registry := availability.NewRegistry(cfg.HeartbeatStaleness, log, availability.WithStore(availability.NewRedisStore(rdb)))
	tokens := auth.NewService(cfg.JWTSecret, 24*time.Hour)

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	doctors := envInt("SEED_DOCTORS", 20)
	patients := envInt("SEED_PATIENTS", 10)

	if err := seedDoctors(ctx, registry, tokens, faker, doctors, log); err != nil {
		log.WithError(err).Fatal("seed doctors")
	}
	if err := seedPatients(tokens, faker, patients); err != nil {
		log.WithError(err).Fatal("seed patients")
	}

	log.Info("seed complete")
}

// seedDoctors marks fake doctors online in the shared availability store.
// They go stale after the heartbeat window unless something keeps them alive.
func seedDoctors(ctx context.Context, registry *availability.Registry, tokens *auth.Service, faker *gofakeit.Faker, count int, log *logrus.Entry) error {
	log.WithField("count", count).Info("seeding doctors")

	fmt.Println("# doctors")
	for i := 0; i < count; i++ {
		id := "doctor-" + uuid.NewString()[:8]
		specs := []string{specialties[faker.Number(0, len(specialties)-1)]}
		if faker.Bool() {
			specs = append(specs, availability.GeneralSpecialty)
		}

		if _, err := registry.SetOnline(ctx, id, specs); err != nil {
			return fmt.Errorf("set %s online: %w", id, err)
		}
		token, err := tokens.Issue(id, auth.RoleDoctor)
		if err != nil {
			return err
		}
		fmt.Printf("%s\tDr. %s\t%s\t%s\n", id, faker.LastName(), strings.Join(specs, ","), token)
	}
	return nil
}

func seedPatients(tokens *auth.Service, faker *gofakeit.Faker, count int) error {
	fmt.Println("# patients")
	for i := 0; i < count; i++ {
		id := "patient-" + uuid.NewString()[:8]
		token, err := tokens.Issue(id, auth.RolePatient)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", id, faker.Name(), faker.Email(), token)
	}
	return nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
