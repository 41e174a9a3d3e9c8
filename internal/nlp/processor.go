package nlp

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eugenenazirov/medcat-service/internal/storage"
)

// ServiceVersion is reported by Info.
const ServiceVersion = "1.0.0"

// ProcessorConfig describes the model a ConceptProcessor loads.
type ProcessorConfig struct {
	AppName   string
	ModelName string
	Language  string
	CDBPath   string
	// BulkNProc bounds concurrent documents in ProcessBulk; zero means GOMAXPROCS.
	BulkNProc int
}

// ConceptProcessor annotates text by longest-match lookup of concept names.
// It is safe for concurrent use.
type ConceptProcessor struct {
	cfg    ProcessorConfig
	store  storage.Storage
	info   ModelInfo
	logger *zap.Logger
	clock  func() time.Time
}

// ProcessorOption configures a ConceptProcessor.
type ProcessorOption func(*ConceptProcessor)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) ProcessorOption {
	return func(p *ConceptProcessor) {
		p.clock = clock
	}
}

// WithStorage uses store instead of loading cfg.CDBPath.
func WithStorage(store storage.Storage) ProcessorOption {
	return func(p *ConceptProcessor) {
		p.store = store
	}
}

// NewConceptProcessor loads the concept database and returns a processor.
func NewConceptProcessor(cfg ProcessorConfig, logger *zap.Logger, opts ...ProcessorOption) (*ConceptProcessor, error) {
	p := &ConceptProcessor{
		cfg:    cfg,
		logger: logger.Named("processor"),
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.BulkNProc <= 0 {
		p.cfg.BulkNProc = runtime.GOMAXPROCS(0)
	}

	modelVersion := ""
	if p.store == nil {
		if strings.TrimSpace(cfg.CDBPath) == "" {
			return nil, ErrModelNotConfigured
		}
		start := time.Now()
		store, err := storage.LoadFile(cfg.CDBPath)
		if err != nil {
			return nil, fmt.Errorf("load model: %w", err)
		}
		p.store = store
		modelVersion = store.Version()
		p.logger.Info("concept database loaded",
			zap.String("path", cfg.CDBPath),
			zap.Int("concepts", store.Len()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}

	p.info = ModelInfo{
		ServiceAppName: cfg.AppName,
		ServiceVersion: ServiceVersion,
		ServiceModel:   cfg.ModelName,
		ModelLanguage:  cfg.Language,
		ModelVersion:   modelVersion,
		ConceptCount:   p.store.Len(),
	}
	return p, nil
}

// Info describes the loaded model.
func (p *ConceptProcessor) Info() ModelInfo {
	return p.info
}

// Process annotates a single document.
func (p *ConceptProcessor) Process(ctx context.Context, doc Document) (Result, error) {
	if strings.TrimSpace(doc.Text) == "" {
		return Result{}, ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	annotations := p.annotate(doc.Text)

	return Result{
		Text:        doc.Text,
		Annotations: annotations,
		Success:     true,
		Timestamp:   p.clock(),
		ElapsedTime: time.Since(start).Seconds(),
		Footer:      doc.Footer,
	}, nil
}

// ProcessBulk annotates docs concurrently and returns results in input order.
// The first failure cancels the remaining work.
func (p *ConceptProcessor) ProcessBulk(ctx context.Context, docs []Document) ([]Result, error) {
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}

	results := make([]Result, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.BulkNProc)
	for i := range docs {
		g.Go(func() error {
			res, err := p.Process(gctx, docs[i])
			if err != nil {
				return fmt.Errorf("document %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *ConceptProcessor) annotate(text string) []Annotation {
	spans := storage.TokenSpans(text)
	tokens := make([]string, len(spans))
	for i, sp := range spans {
		tokens[i] = storage.Normalize(sp.Text)
	}
	runes := []rune(text)

	annotations := make([]Annotation, 0)
	for i := 0; i < len(tokens); {
		m, ok := p.store.LongestMatch(tokens, i)
		if !ok {
			i++
			continue
		}
		first, last := spans[i], spans[i+m.Tokens-1]
		annotations = append(annotations, Annotation{
			ID:           len(annotations),
			CUI:          m.Concept.CUI,
			PrettyName:   m.Concept.PrettyName,
			SourceValue:  string(runes[first.Start:last.End]),
			DetectedName: strings.Join(tokens[i:i+m.Tokens], "~"),
			Start:        first.Start,
			End:          last.End,
			TypeIDs:      append([]string(nil), m.Concept.TypeIDs...),
			Acc:          1.0,
		})
		i += m.Tokens
	}
	return annotations
}
