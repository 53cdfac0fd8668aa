package pipeline

import (
	"firestige.xyz/inlineesp/internal/accel"
	"firestige.xyz/inlineesp/internal/sa"
)

// Builder provides a fluent interface for building pipelines.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{
		config: Config{
			ResubmitQueue: 64, // default
		},
	}
}

// WithStore sets the SA store.
func (b *Builder) WithStore(s sa.Store) *Builder {
	b.config.Store = s
	return b
}

// WithSelector sets the outbound selector.
func (b *Builder) WithSelector(s OutboundSelector) *Builder {
	b.config.Selector = s
	return b
}

// WithDefaultIndex sets the fallback association for cleartext packets.
func (b *Builder) WithDefaultIndex(index uint32) *Builder {
	b.config.DefaultIndex = index
	return b
}

// WithAccelerator sets the crypto accelerator.
func (b *Builder) WithAccelerator(a accel.Accelerator) *Builder {
	b.config.Accelerator = a
	return b
}

// WithResubmitQueue sets the resubmission queue capacity.
func (b *Builder) WithResubmitQueue(size int) *Builder {
	b.config.ResubmitQueue = size
	return b
}

// WithSource sets the packet source.
func (b *Builder) WithSource(s Source) *Builder {
	b.config.Source = s
	return b
}

// WithSinks sets the sinks for forwarded frames.
func (b *Builder) WithSinks(sinks ...Sink) *Builder {
	b.config.Sinks = sinks
	return b
}

// WithReporters sets the verdict reporters.
func (b *Builder) WithReporters(reporters ...Reporter) *Builder {
	b.config.Reporters = reporters
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() *Pipeline {
	return New(b.config)
}
