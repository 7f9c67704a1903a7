// Package mongo implements the low-level MongoDB client used by the knowledge
// chunk store. Chunks live in one collection namespaced by tenant; ingest
// checkpoints live beside them so a restarted ingestion pass can resume.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/aura-dev/aura/knowledge"
)

const (
	defaultChunkCollection      = "knowledge_chunks"
	defaultCheckpointCollection = "ingest_checkpoints"
	defaultTimeout              = 5 * time.Second
	clientName                  = "knowledge-mongo"
)

// Client exposes Mongo-backed operations for knowledge chunks.
type Client interface {
	health.Pinger

	UpsertChunks(ctx context.Context, chunks []knowledge.Chunk) error
	ListChunks(ctx context.Context, tenant string) ([]knowledge.Chunk, error)
	SaveCheckpoint(ctx context.Context, tenant, sourcePath string) error
	LoadCheckpoint(ctx context.Context, tenant string) (string, error)
}

// Options configures the Mongo client implementation.
type Options struct {
	Client               *mongodriver.Client
	Database             string
	ChunkCollection      string
	CheckpointCollection string
	Timeout              time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	chunks  *mongodriver.Collection
	cps     *mongodriver.Collection
	timeout time.Duration
}

type checkpointDocument struct {
	Tenant     string    `bson:"_id"`
	SourcePath string    `bson:"source_path"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	chunkColl := opts.ChunkCollection
	if chunkColl == "" {
		chunkColl = defaultChunkCollection
	}
	cpColl := opts.CheckpointCollection
	if cpColl == "" {
		cpColl = defaultCheckpointCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:   opts.Client,
		chunks:  db.Collection(chunkColl),
		cps:     db.Collection(cpColl),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) ensureIndexes(ctx context.Context) error {
	_, err := c.chunks.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "source_path", Value: 1}},
	})
	return err
}

func (c *client) UpsertChunks(ctx context.Context, chunks []knowledge.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	models := make([]mongodriver.WriteModel, 0, len(chunks))
	for _, ch := range chunks {
		models = append(models, mongodriver.NewReplaceOneModel().
			SetFilter(bson.M{"_id": ch.ID}).
			SetReplacement(ch).
			SetUpsert(true))
	}
	_, err := c.chunks.BulkWrite(ctx, models)
	return err
}

func (c *client) ListChunks(ctx context.Context, tenant string) ([]knowledge.Chunk, error) {
	if tenant == "" {
		return nil, errors.New("tenant is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cursor, err := c.chunks.Find(ctx, bson.M{"tenant": tenant})
	if err != nil {
		return nil, err
	}
	var out []knowledge.Chunk
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) SaveCheckpoint(ctx context.Context, tenant, sourcePath string) error {
	if tenant == "" {
		return errors.New("tenant is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := checkpointDocument{Tenant: tenant, SourcePath: sourcePath, UpdatedAt: time.Now().UTC()}
	_, err := c.cps.ReplaceOne(ctx, bson.M{"_id": tenant}, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *client) LoadCheckpoint(ctx context.Context, tenant string) (string, error) {
	if tenant == "" {
		return "", errors.New("tenant is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc checkpointDocument
	if err := c.cps.FindOne(ctx, bson.M{"_id": tenant}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return "", nil
		}
		return "", err
	}
	return doc.SourcePath, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
