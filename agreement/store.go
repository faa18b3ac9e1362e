package agreement

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoDocument is returned when a download is attempted for the sentinel.
var ErrNoDocument = errors.New("agreement: no signed document available")

// ContentFetcher retrieves the binary for a document URL.
type ContentFetcher interface {
	DownloadAgreement(ctx context.Context, url, extension string) ([]byte, error)
}

// Store holds the currently known document and its cached binary.
type Store struct {
	mu      sync.RWMutex
	doc     Document
	content []byte
}

func NewStore() *Store {
	return &Store{doc: Sentinel()}
}

// Set replaces the document. The cached binary is dropped unless the file
// is unchanged.
func (s *Store) Set(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !sameFile(doc, s.doc) {
		s.content = nil
	}
	s.doc = doc
}

// sameFile reports whether a and b describe the same binary.
func sameFile(a, b Document) bool {
	return a.URL == b.URL && a.Metadata.Size == b.Metadata.Size
}

// Reset returns the store to the sentinel.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = Sentinel()
	s.content = nil
}

func (s *Store) Document() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// Content returns the cached binary, if any.
func (s *Store) Content() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.content == nil {
		return nil, false
	}
	out := make([]byte, len(s.content))
	copy(out, s.content)
	return out, true
}

// Download returns the document binary, fetching it once per document.
func (s *Store) Download(ctx context.Context, fetcher ContentFetcher) (Document, []byte, error) {
	s.mu.RLock()
	doc := s.doc
	cached := s.content
	s.mu.RUnlock()

	if doc.IsSentinel() {
		return doc, nil, ErrNoDocument
	}
	if cached != nil {
		return doc, cached, nil
	}

	body, err := fetcher.DownloadAgreement(ctx, doc.URL, doc.Metadata.Extension)
	if err != nil {
		return doc, nil, fmt.Errorf("agreement: download: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A newer document may have arrived while fetching; only cache for the
	// one we asked for.
	if sameFile(s.doc, doc) {
		s.content = body
	}
	return doc, body, nil
}

// FileName is the suggested name for a saved copy.
func (d Document) FileName() string {
	ext := d.Metadata.Extension
	if ext == "" {
		ext = sentinelExtension
	}
	return fmt.Sprintf("%s.%s", sentinelName, ext)
}
