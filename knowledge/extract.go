package knowledge

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// TextExtractor converts a raw document payload into plain text suitable
// for chunking. Implementations are registered per logical format name.
type TextExtractor interface {
	// Formats returns the lowercase format names this extractor handles.
	Formats() []string
	// Extract returns the plain text content of the payload.
	Extract(data []byte) (string, error)
}

var (
	extractorMu  sync.RWMutex
	extractorMap = map[string]TextExtractor{}
)

// RegisterExtractor makes an extractor available for its declared formats.
// Later registrations win, which lets callers override the built-ins.
func RegisterExtractor(extractor TextExtractor) {
	if extractor == nil {
		return
	}
	extractorMu.Lock()
	defer extractorMu.Unlock()
	for _, format := range extractor.Formats() {
		key := strings.ToLower(strings.TrimSpace(format))
		if key == "" {
			continue
		}
		extractorMap[key] = extractor
	}
}

// ExtractorFor resolves the extractor registered for a format.
func ExtractorFor(format string) (TextExtractor, error) {
	key := strings.ToLower(strings.TrimSpace(format))
	extractorMu.RLock()
	extractor, ok := extractorMap[key]
	extractorMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("knowledge: no extractor registered for format %q", format)
	}
	return extractor, nil
}

// SupportedFormats lists the registered format names in sorted order.
func SupportedFormats() []string {
	extractorMu.RLock()
	defer extractorMu.RUnlock()
	formats := make([]string, 0, len(extractorMap))
	for key := range extractorMap {
		formats = append(formats, key)
	}
	sort.Strings(formats)
	return formats
}
