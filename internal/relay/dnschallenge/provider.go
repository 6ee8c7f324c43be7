package dnschallenge

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Provider publishes TXT records at a DNS host. Implementations must be
// safe for concurrent use.
type Provider interface {
	// CreateTXT publishes value at fqdn and returns a provider-side
	// reference usable for deletion.
	CreateTXT(ctx context.Context, fqdn, value string) (ref string, err error)

	// DeleteTXT removes a record previously created by CreateTXT.
	// Deleting an unknown ref is not an error.
	DeleteTXT(ctx context.Context, ref string) error
}

// MemoryProvider is an in-process Provider for tests and local setups.
type MemoryProvider struct {
	mu      sync.Mutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	FQDN  string
	Value string
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{records: make(map[string]memoryRecord)}
}

// CreateTXT implements Provider.
func (p *MemoryProvider) CreateTXT(_ context.Context, fqdn, value string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := ulid.Make().String()
	p.records[ref] = memoryRecord{FQDN: fqdn, Value: value}
	return ref, nil
}

// DeleteTXT implements Provider.
func (p *MemoryProvider) DeleteTXT(_ context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, ref)
	return nil
}

// Lookup returns the values currently published at fqdn.
func (p *MemoryProvider) Lookup(fqdn string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, r := range p.records {
		if r.FQDN == fqdn {
			out = append(out, r.Value)
		}
	}
	return out
}
