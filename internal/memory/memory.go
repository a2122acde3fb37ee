package memory

import (
	"context"
	"fmt"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/operatord/internal/memory"

// Config configures the incident memory.
type Config struct {
	// Path is the persistence directory. Empty keeps the memory in-process
	// only, used by tests.
	Path string `koanf:"path"`
	// Collection is the chromem collection name.
	Collection string `koanf:"collection"`
	// VectorSize is the embedding dimension.
	VectorSize int `koanf:"vector_size"`
	// Compress enables gzip compression of persisted data.
	Compress bool `koanf:"compress"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Collection: "incidents",
		VectorSize: 256,
	}
}

// Result is one incident memory hit.
type Result struct {
	DecisionID string            `json:"decision_id"`
	Content    string            `json:"content"`
	Score      float32           `json:"score"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Service is the incident memory over an embedded chromem database.
type Service struct {
	db         *chromem.DB
	collection string
	embed      chromem.EmbeddingFunc
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New opens (or creates) the incident memory.
func New(cfg *Config, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = "incidents"
	}
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("%w: vector size must be positive", store.ErrValidation)
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening incident memory: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	s := &Service{
		db:         db,
		collection: cfg.Collection,
		embed:      hashEmbedding(cfg.VectorSize),
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}

	logger.Info("incident memory opened",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("vector_size", cfg.VectorSize),
	)
	return s, nil
}

// Record indexes one persisted decision record. Satisfies the orchestrator's
// recorder hook.
func (s *Service) Record(ctx context.Context, rec *store.DecisionRecord) error {
	ctx, span := s.tracer.Start(ctx, "memory.record")
	defer span.End()

	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: decision record is required", store.ErrValidation)
	}
	span.SetAttributes(attribute.String("decision_id", rec.ID))

	col, err := s.db.GetOrCreateCollection(s.collection, nil, s.embed)
	if err != nil {
		return fmt.Errorf("opening collection %s: %w", s.collection, err)
	}

	doc := chromem.Document{
		ID:      rec.ID,
		Content: decisionText(rec),
		Metadata: map[string]string{
			"trace_id":       rec.TraceID,
			"classification": string(rec.Classification),
			"category":       string(rec.Category),
		},
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		span.RecordError(err)
		return fmt.Errorf("indexing decision %s: %w", rec.ID, err)
	}

	s.logger.Debug("indexed incident",
		zap.String("decision_id", rec.ID),
		zap.String("category", string(rec.Category)),
	)
	return nil
}

// Search returns up to k past incidents similar to the query.
func (s *Service) Search(ctx context.Context, query string, k int) ([]Result, error) {
	ctx, span := s.tracer.Start(ctx, "memory.search")
	defer span.End()

	if query == "" {
		return nil, fmt.Errorf("%w: query is required", store.ErrValidation)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", store.ErrValidation)
	}

	col := s.db.GetCollection(s.collection, s.embed)
	if col == nil {
		return []Result{}, nil
	}
	if n := col.Count(); n == 0 {
		return []Result{}, nil
	} else if k > n {
		k = n
	}

	hits, err := col.Query(ctx, query, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying incident memory: %w", err)
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{
			DecisionID: h.ID,
			Content:    h.Content,
			Score:      h.Similarity,
			Metadata:   h.Metadata,
		}
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// Close flushes the memory. chromem persists on write, so this only logs.
func (s *Service) Close() error {
	s.logger.Info("incident memory closed")
	return nil
}

// decisionText flattens a decision record into the text that gets embedded.
func decisionText(rec *store.DecisionRecord) string {
	var b strings.Builder
	b.WriteString(string(rec.Category))
	b.WriteString(" ")
	b.WriteString(string(rec.Classification))
	b.WriteString(" ")
	b.WriteString(rec.Rationale)
	if len(rec.SafetyChecks) > 0 {
		b.WriteString(" checks ")
		b.WriteString(strings.Join(rec.SafetyChecks, " "))
	}
	return b.String()
}
