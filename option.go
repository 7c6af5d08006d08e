package sprotocol

import (
	"encoding/binary"
)

// options holds the configuration for a channel.
type options struct {
	logger  Logger
	metrics Metrics
	name    string

	inputSize    int              // capacity of the input cache
	outputSize   int              // capacity of the output cache
	scratchLimit int              // ceiling for scratch growth
	order        binary.ByteOrder // wire representation of u32 and f32
}

// Option is a function that configures channel options.
type Option func(*options)

// LoggerOption returns an Option that sets the logger receiving decoded
// queries and encoded answers at debug level.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption returns an Option that sets the metrics hook.
func MetricsOption(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// NameOption returns an Option that names the channel in logs and errors.
func NameOption(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// InputCacheSizeOption returns an Option that sets the input cache capacity.
// It must hold at least one 4-byte integer.
func InputCacheSizeOption(size int) Option {
	return func(o *options) {
		o.inputSize = size
	}
}

// OutputCacheSizeOption returns an Option that sets the output cache capacity.
// Writes larger than the cache bypass it.
func OutputCacheSizeOption(size int) Option {
	return func(o *options) {
		o.outputSize = size
	}
}

// MaxScratchSizeOption returns an Option that bounds scratch buffer growth.
// A field that would need more fails with a KindAlloc error.
func MaxScratchSizeOption(size int) Option {
	return func(o *options) {
		o.scratchLimit = size
	}
}

// ByteOrderOption returns an Option that overrides the native byte order
// used for integers and floats. Both ends must agree; the default matches
// peers built for the same host.
func ByteOrderOption(order binary.ByteOrder) Option {
	return func(o *options) {
		o.order = order
	}
}
