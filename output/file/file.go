package file

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/c360/filterstream/component"
	"github.com/c360/filterstream/errors"
	"github.com/c360/filterstream/output"
	"github.com/c360/filterstream/record"
)

// Output formats
const (
	FormatJSONL = "jsonl"
	FormatRaw   = "raw"
)

// Config holds configuration for the file publisher
type Config struct {
	Path   string `json:"path"   yaml:"path"   validate:"required"`
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=jsonl raw"`
	Append bool   `json:"append" yaml:"append"`
	Sync   bool   `json:"sync"   yaml:"sync"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "path is required")
	}
	switch c.Format {
	case "", FormatJSONL, FormatRaw:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"format must be one of: jsonl, raw")
	}
	return nil
}

// DefaultConfig returns default configuration writing JSON lines to path
func DefaultConfig(path string) Config {
	return Config{
		Path:   path,
		Format: FormatJSONL,
		Append: true,
	}
}

// line is the JSON-lines shape of one record
type line struct {
	Topic     string            `json:"topic"`
	Key       string            `json:"key,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Headers   map[string]string `json:"headers,omitempty"`
	Value     json.RawMessage   `json:"value"`
}

// Publisher appends record batches to a local file
type Publisher struct {
	path   string
	format string
	sync   bool
	logger *slog.Logger
	stats  output.Stats

	mu   sync.Mutex
	file *os.File

	bytesWritten int64
}

// NewPublisher creates the parent directory and opens the file. Without
// Append the file is truncated.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSONL
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, errors.WrapFatal(err, "Publisher", "NewPublisher", "create output directory")
	}

	flags := os.O_CREATE | os.O_WRONLY
	if cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(cfg.Path, flags, 0o644)
	if err != nil {
		return nil, errors.WrapFatal(err, "Publisher", "NewPublisher", "open output file")
	}

	p := &Publisher{
		path:   cfg.Path,
		format: cfg.Format,
		sync:   cfg.Sync,
		logger: logger.With("component", "file-output"),
		file:   f,
	}
	p.stats.Start()

	p.logger.Info("File output opened", "path", cfg.Path, "format", cfg.Format, "append", cfg.Append)
	return p, nil
}

// Publish encodes the batch and writes it with a single write call
func (p *Publisher) Publish(_ context.Context, batch []record.Record) error {
	if len(batch) == 0 {
		return nil
	}

	buf, err := p.encode(batch)
	if err != nil {
		p.stats.Failed(err)
		return errors.WrapInvalid(err, "Publisher", "Publish", "encode batch")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Publisher", "Publish", "check state")
	}

	n, err := p.file.Write(buf)
	if err == nil && p.sync {
		err = p.file.Sync()
	}
	if err != nil {
		p.stats.Failed(err)
		p.logger.Error("Failed to write batch", "path", p.path, "records", len(batch), "error", err)
		return errors.WrapTransient(err, "Publisher", "Publish", "write batch")
	}

	p.bytesWritten += int64(n)
	p.stats.Written(len(batch))
	p.logger.Debug("Wrote batch", "path", p.path, "records", len(batch), "bytes", n)
	return nil
}

func (p *Publisher) encode(batch []record.Record) ([]byte, error) {
	var buf []byte
	for _, r := range batch {
		switch p.format {
		case FormatRaw:
			buf = append(buf, r.Value...)
		default:
			l := line{
				Topic:     r.Topic,
				Key:       r.Key,
				Timestamp: r.Timestamp,
				Value:     json.RawMessage(r.Value),
			}
			if len(r.Headers) > 0 {
				l.Headers = make(map[string]string, len(r.Headers))
				for _, h := range r.Headers {
					l.Headers[h.Key] = h.Value
				}
			}
			data, err := json.Marshal(l)
			if err != nil {
				return nil, err
			}
			buf = append(buf, data...)
		}
		buf = append(buf, '\n')
	}
	return buf, nil
}

// BytesWritten returns the number of bytes written since the file was opened
func (p *Publisher) BytesWritten() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytesWritten
}

// Close closes the file. It is idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	if err != nil {
		p.logger.Warn("Failed to close output file", "path", p.path, "error", err)
		return errors.Wrap(err, "Publisher", "Close", "close file")
	}
	return nil
}

// Meta returns component metadata
func (p *Publisher) Meta() component.Metadata {
	return component.Metadata{
		Name:        "file",
		Type:        "output",
		Description: "File output writing records to " + p.path,
		Version:     component.Version,
	}
}

// Health returns the current health status
func (p *Publisher) Health() component.HealthStatus {
	p.mu.Lock()
	open := p.file != nil
	p.mu.Unlock()
	return p.stats.Health(open)
}

// DataFlow returns current data flow metrics
func (p *Publisher) DataFlow() component.FlowMetrics {
	return p.stats.DataFlow()
}

var _ output.Publisher = (*Publisher)(nil)
