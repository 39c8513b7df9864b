package consultation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	requestsCollection = "consultation_requests"
	eventsCollection   = "consultation_events"
)

type mongoRequest struct {
	ID              string     `bson:"_id"`
	PatientID       string     `bson:"patient_id"`
	DoctorID        *string    `bson:"doctor_id,omitempty"`
	Category        string     `bson:"category"`
	Description     string     `bson:"description"`
	Status          string     `bson:"status"`
	RetryCount      int        `bson:"retry_count"`
	ExcludedDoctors []string   `bson:"excluded_doctors"`
	CreatedAt       time.Time  `bson:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at"`
	ScheduledAt     *time.Time `bson:"scheduled_at,omitempty"`
}

type mongoEvent struct {
	EventType      string    `bson:"event_type"`
	ConsultationID string    `bson:"consultation_id,omitempty"`
	Payload        []byte    `bson:"payload,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
}

func toMongo(r *Request) mongoRequest {
	return mongoRequest{
		ID:              r.ID.String(),
		PatientID:       r.PatientID,
		DoctorID:        r.DoctorID,
		Category:        r.Category,
		Description:     r.Description,
		Status:          string(r.Status),
		RetryCount:      r.RetryCount,
		ExcludedDoctors: excludedOrEmpty(r.ExcludedDoctors),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ScheduledAt:     r.ScheduledAt,
	}
}

func (m mongoRequest) toRequest() (*Request, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("decode consultation id %q: %w", m.ID, err)
	}
	return &Request{
		ID:              id,
		PatientID:       m.PatientID,
		DoctorID:        m.DoctorID,
		Category:        m.Category,
		Description:     m.Description,
		Status:          Status(m.Status),
		RetryCount:      m.RetryCount,
		ExcludedDoctors: m.ExcludedDoctors,
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
		ScheduledAt:     m.ScheduledAt,
	}, nil
}

// MongoRepository stores one document per request. Update is a filtered
// UpdateOne on {_id, status}, the document-store form of compare-and-set.
type MongoRepository struct {
	client   *mongo.Client
	requests *mongo.Collection
	events   *mongo.Collection
}

func NewMongoRepository(client *mongo.Client, database string) *MongoRepository {
	db := client.Database(database)
	return &MongoRepository{
		client:   client,
		requests: db.Collection(requestsCollection),
		events:   db.Collection(eventsCollection),
	}
}

// EnsureIndexes creates the status index used by the sweeps.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.requests.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create consultation status index: %w", err)
	}
	return nil
}

func (r *MongoRepository) Create(ctx context.Context, req *Request) error {
	if _, err := r.requests.InsertOne(ctx, toMongo(req)); err != nil {
		return fmt.Errorf("insert consultation: %w", err)
	}
	return nil
}

func (r *MongoRepository) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	var doc mongoRequest
	err := r.requests.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrConsultationNotFound
		}
		return nil, fmt.Errorf("find consultation: %w", err)
	}
	return doc.toRequest()
}

func (r *MongoRepository) Update(ctx context.Context, req *Request, from Status) error {
	doc := toMongo(req)
	set := bson.M{
		"status":           doc.Status,
		"retry_count":      doc.RetryCount,
		"excluded_doctors": doc.ExcludedDoctors,
		"updated_at":       doc.UpdatedAt,
	}
	update := bson.M{"$set": set}
	if doc.DoctorID != nil {
		set["doctor_id"] = *doc.DoctorID
	} else {
		update["$unset"] = bson.M{"doctor_id": ""}
	}

	res, err := r.requests.UpdateOne(ctx, bson.M{"_id": doc.ID, "status": string(from)}, update)
	if err != nil {
		return fmt.Errorf("update consultation: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrStatusChanged
	}
	return nil
}

func (r *MongoRepository) ListByStatus(ctx context.Context, statuses ...Status) ([]Request, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := r.requests.Find(ctx, bson.M{"status": bson.M{"$in": names}}, opts)
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	defer cur.Close(ctx)

	var result []Request
	for cur.Next(ctx) {
		var doc mongoRequest
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode consultation: %w", err)
		}
		req, err := doc.toRequest()
		if err != nil {
			return nil, err
		}
		result = append(result, *req)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *MongoRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	doc := mongoEvent{
		EventType: ev.EventType,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
	}
	if ev.ConsultationID != nil {
		doc.ConsultationID = ev.ConsultationID.String()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if _, err := r.events.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}
