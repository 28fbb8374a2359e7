package queue

import (
	"fmt"
	"net/url"
	"strings"
)

// Open builds a queue from dsn:
//
//	memory://                     in-process, lost on exit
//	file:///var/lib/q.json        JSON snapshot (a bare path works too)
//	sqlite:///var/lib/q.db        SQLite
//	postgres://host/db?queue=k    Postgres, optional named queue
func Open(dsn string, opts ...Option) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if f, ok := lookupFactory(scheme); ok {
		return f(dsn, opts...)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueue(path, opts...)
	case "memory", "mem", "inmem":
		return NewMemoryQueue(opts...), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteQueue(path, opts...)
	case "postgres", "postgresql":
		return NewPostgresQueue(dsn, opts...)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("queue: unsupported scheme %q", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	} else if host := strings.TrimSpace(parsed.Host); host != "" {
		// sqlite://data/queue.db is a relative path, not a host.
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
