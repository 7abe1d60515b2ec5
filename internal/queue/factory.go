package queue

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Factory builds a queue for a custom DSN scheme.
type Factory func(dsn, queueKey string, capacity int) (Queue, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildFromDSN opens the queue named by dsn. A bare path is a file queue.
// queueKey separates clients that share a postgres table.
func BuildFromDSN(dsn, queueKey string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn, queueKey, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueue(path, capacity)
	case "bolt", "bbolt":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBoltQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewMemoryQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresQueue(dsn, queueKey, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if host := strings.TrimSpace(parsed.Host); host != "" {
		// file://relative/dir/queue.json
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
