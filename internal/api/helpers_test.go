package api

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/medcat-service/internal/nlp"
	"github.com/eugenenazirov/medcat-service/internal/storage"
)

type controllableClock struct {
	mu  sync.RWMutex
	now time.Time
}

func newControllableClock(initial time.Time) *controllableClock {
	return &controllableClock{now: initial}
}

func (c *controllableClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func newTestService(t *testing.T) nlp.Service {
	t.Helper()

	store, err := storage.NewMemoryStorage([]storage.Concept{
		{CUI: "C0020538", PrettyName: "Hypertensive disease", Names: []string{"hypertension", "high blood pressure"}, TypeIDs: []string{"T047"}},
		{CUI: "C0015967", PrettyName: "Fever", Names: []string{"fever", "pyrexia"}, TypeIDs: []string{"T184"}},
	})
	if err != nil {
		t.Fatalf("NewMemoryStorage returned error: %v", err)
	}
	processor, err := nlp.NewConceptProcessor(nlp.ProcessorConfig{AppName: "MedCAT", ModelName: "test", Language: "en"},
		zaptest.NewLogger(t), nlp.WithStorage(store))
	if err != nil {
		t.Fatalf("NewConceptProcessor returned error: %v", err)
	}
	return nlp.NewProcessorService(processor)
}

func newTestRouter(t *testing.T, opts ...RouterOption) http.Handler {
	t.Helper()

	handler := NewHandler(newTestService(t))
	handler.SetReady(true)
	return NewRouter(handler, zaptest.NewLogger(t), opts...)
}

type stubProcessor struct {
	info nlp.ModelInfo
	err  error
}

func (s *stubProcessor) Info() nlp.ModelInfo { return s.info }

func (s *stubProcessor) Process(context.Context, nlp.Document) (nlp.Result, error) {
	return nlp.Result{}, s.err
}

func (s *stubProcessor) ProcessBulk(context.Context, []nlp.Document) ([]nlp.Result, error) {
	return nil, s.err
}

type stubService struct {
	processor nlp.Processor
}

func (s stubService) Processor() nlp.Processor { return s.processor }
