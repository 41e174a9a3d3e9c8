package nlp

// ProcessorService exposes a single Processor to the HTTP layer.
type ProcessorService struct {
	processor Processor
}

// NewProcessorService wraps processor.
func NewProcessorService(processor Processor) *ProcessorService {
	return &ProcessorService{processor: processor}
}

// Processor returns the wrapped processor; the same instance on every call.
func (s *ProcessorService) Processor() Processor {
	return s.processor
}
