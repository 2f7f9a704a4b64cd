package kv

import (
	"log/slog"

	"github.com/erlorenz/go-kvstore/changefeed"
)

// Option configures a Store.
type Option func(*options)

type options struct {
	mode       DurabilityMode
	logger     *slog.Logger
	encryptor  Encryptor
	publisher  changefeed.Publisher
	topic      string
	engineOpts []EngineOption
}

// WithDurabilityMode overrides the default durability mode applied at open.
// Default: DELETE for in-memory engines, WAL otherwise.
func WithDurabilityMode(mode DurabilityMode) Option {
	return func(o *options) {
		o.mode = mode
	}
}

// WithLogger sets the logger. A nil logger is ignored.
// Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEncryption encrypts every encoded value before it is stored.
// Default: no encryption
func WithEncryption(encryptor Encryptor) Option {
	return func(o *options) {
		o.encryptor = encryptor
	}
}

// WithChangefeed publishes a changefeed.Change to topic for every committed write.
func WithChangefeed(publisher changefeed.Publisher, topic string) Option {
	return func(o *options) {
		o.publisher = publisher
		o.topic = topic
	}
}

// WithEngineOptions passes options to the engine created by Open.
// It has no effect on New, which receives an already built engine.
func WithEngineOptions(opts ...EngineOption) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}

// EngineOption configures an engine.
type EngineOption func(*engineConfig)

type engineConfig struct {
	table  string
	schema string
}

// WithTable sets the table (or bucket) that holds the entries.
// Default: "entries"
func WithTable(name string) EngineOption {
	return func(c *engineConfig) {
		c.table = name
	}
}

// WithSchema sets the schema of the table. Only Postgres uses it.
// Default: "public"
func WithSchema(schema string) EngineOption {
	return func(c *engineConfig) {
		c.schema = schema
	}
}

func newEngineConfig(opts []EngineOption) engineConfig {
	c := engineConfig{
		table:  "entries",
		schema: "public",
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
