package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/i474232898/weather-station-images/internal/job"
)

// completedJobDocument models one archived job.
type completedJobDocument struct {
	JobID           string    `bson:"job_id"`
	TotalImages     int       `bson:"total_images"`
	CompletedImages int       `bson:"completed_images"`
	ImageURLs       []string  `bson:"image_urls"`
	CreatedAt       time.Time `bson:"created_at"`
	CompletedAt     time.Time `bson:"completed_at"`
	ArchivedAt      time.Time `bson:"archived_at"`
}

// MongoArchive keeps a durable record of every completed job.
type MongoArchive struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     zerolog.Logger
}

// NewMongoArchive connects, pings and ensures the unique job_id index.
func NewMongoArchive(ctx context.Context, uri, database, collection string, logger zerolog.Logger) (*MongoArchive, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	a := &MongoArchive{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger.With().Str("component", "archive").Logger(),
	}
	if err := a.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo index ensure failed: %w", err)
	}
	return a, nil
}

func (a *MongoArchive) ensureIndexes(ctx context.Context) error {
	_, err := a.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("job_id_unique"),
	})
	if err != nil {
		return err
	}
	a.logger.Info().Str("collection", a.collection.Name()).Msg("mongo index ensured")
	return nil
}

// Archive inserts the first completed snapshot of a job and no-ops on replay.
func (a *MongoArchive) Archive(ctx context.Context, j job.Job) error {
	doc := completedJobDocument{
		JobID:           j.ID,
		TotalImages:     j.TotalImages,
		CompletedImages: j.CompletedImages,
		ImageURLs:       j.ImageURLs,
		CreatedAt:       j.CreatedAt,
		CompletedAt:     j.LastUpdated,
		ArchivedAt:      time.Now().UTC(),
	}

	res, err := a.collection.UpdateOne(
		ctx,
		bson.M{"job_id": doc.JobID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return err
	}
	if res.UpsertedCount > 0 {
		a.logger.Info().Str("job_id", j.ID).Msg("job archived")
	} else {
		a.logger.Debug().Str("job_id", j.ID).Msg("job already archived")
	}
	return nil
}

func (a *MongoArchive) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}
