// Package router assembles streamed node fragments into blocks and hands each
// block to the sink for its text type.
package router

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/xiaot623/dataagent/internal/domain"
	"github.com/xiaot623/dataagent/internal/stream"
)

// Block is the assembled output of one node.
type Block struct {
	NodeName string
	TextType domain.TextType
	Text     string
	Error    bool
}

// Sink renders blocks of one category.
type Sink interface {
	Render(ctx context.Context, b Block) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, b Block) error

// Render calls f.
func (f SinkFunc) Render(ctx context.Context, b Block) error {
	return f(ctx, b)
}

// Sinks groups the renderers by category. Text receives every block whose
// category has no sink; with Text nil too, the block is dropped.
type Sinks struct {
	Chart  Sink // RESULT_SET, JSON
	Report Sink // MARK_DOWN, HTML
	Code   Sink // SQL, PYTHON
	Text   Sink // TEXT and unknown types
	Error  Sink // blocks with Error set

	// Done is called once when the stream completes.
	Done func(ctx context.Context) error
	// Failed is called once when the stream fails.
	Failed func(ctx context.Context, err error) error
}

// Router buffers fragments per node and flushes a node when it reports
// complete. Nodes still open when the stream ends are flushed then.
type Router struct {
	sinks  Sinks
	logger zerolog.Logger

	mu     sync.Mutex
	open   map[string]*pending
	order  []string
	blocks int
}

type pending struct {
	textType domain.TextType
	text     strings.Builder
	err      bool
}

// New creates a router over sinks.
func New(sinks Sinks, logger zerolog.Logger) *Router {
	return &Router{
		sinks:  sinks,
		logger: logger,
		open:   make(map[string]*pending),
	}
}

// Handlers returns session callbacks that feed this router.
func (r *Router) Handlers() stream.Handlers {
	return stream.Handlers{
		OnEvent:       r.OnEvent,
		OnComplete:    r.OnComplete,
		OnError:       r.OnError,
		OnDecodeError: r.OnDecodeError,
	}
}

// Blocks returns the number of blocks rendered so far.
func (r *Router) Blocks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocks
}

// OnEvent appends the fragment to its node and flushes the node on complete.
func (r *Router) OnEvent(ctx context.Context, evt domain.NodeEvent) error {
	r.mu.Lock()
	p, ok := r.open[evt.NodeName]
	if !ok {
		p = &pending{textType: evt.TextType}
		r.open[evt.NodeName] = p
		r.order = append(r.order, evt.NodeName)
	}
	if !evt.TextType.Known() {
		r.logger.Debug().Str("node", evt.NodeName).Str("text_type", string(evt.TextType)).Msg("Unknown text type, routing as text")
	}
	// A node may switch type mid-stream (e.g. a code fence after prose); the
	// latest known type wins.
	if evt.TextType != "" {
		p.textType = evt.TextType
	}
	p.text.WriteString(evt.Text)
	p.err = p.err || evt.Error

	if !evt.Complete {
		r.mu.Unlock()
		return nil
	}
	b := r.take(evt.NodeName)
	r.mu.Unlock()

	return r.render(ctx, b)
}

// OnComplete flushes the nodes that never reported complete, in first-seen
// order, and then calls Sinks.Done.
func (r *Router) OnComplete(ctx context.Context) error {
	if err := r.Flush(ctx); err != nil {
		return err
	}
	if r.sinks.Done != nil {
		return r.sinks.Done(ctx)
	}
	return nil
}

// OnError flushes what was received and reports the failure.
func (r *Router) OnError(ctx context.Context, err error) error {
	if flushErr := r.Flush(ctx); flushErr != nil {
		r.logger.Warn().Err(flushErr).Msg("Failed to flush partial output")
	}
	if r.sinks.Failed != nil {
		return r.sinks.Failed(ctx, err)
	}
	return nil
}

// OnDecodeError only logs: a malformed message does not end the stream.
func (r *Router) OnDecodeError(ctx context.Context, err *domain.DecodeError) error {
	r.logger.Warn().Err(err).Msg("Skipping malformed message")
	return nil
}

// Flush renders every open node.
func (r *Router) Flush(ctx context.Context) error {
	r.mu.Lock()
	blocks := make([]Block, 0, len(r.order))
	for len(r.order) > 0 {
		blocks = append(blocks, r.take(r.order[0]))
	}
	r.mu.Unlock()

	for _, b := range blocks {
		if err := r.render(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// take removes a node from the open set. Caller holds r.mu.
func (r *Router) take(name string) Block {
	p := r.open[name]
	delete(r.open, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.blocks++
	return Block{NodeName: name, TextType: p.textType, Text: p.text.String(), Error: p.err}
}

func (r *Router) render(ctx context.Context, b Block) error {
	sink := r.sinkFor(b)
	if sink == nil {
		r.logger.Debug().Str("node", b.NodeName).Str("text_type", string(b.TextType)).Msg("No sink for block")
		return nil
	}
	return sink.Render(ctx, b)
}

func (r *Router) sinkFor(b Block) Sink {
	var sink Sink
	switch {
	case b.Error:
		sink = r.sinks.Error
	case CategoryOf(b.TextType) == CategoryChart:
		sink = r.sinks.Chart
	case CategoryOf(b.TextType) == CategoryReport:
		sink = r.sinks.Report
	case CategoryOf(b.TextType) == CategoryCode:
		sink = r.sinks.Code
	}
	if sink == nil {
		sink = r.sinks.Text
	}
	return sink
}

// Category is the presentation group of a text type.
type Category string

const (
	CategoryChart  Category = "chart"
	CategoryReport Category = "report"
	CategoryCode   Category = "code"
	CategoryText   Category = "text"
)

// CategoryOf maps a text type to its presentation group.
func CategoryOf(t domain.TextType) Category {
	switch t {
	case domain.TextTypeResultSet, domain.TextTypeJSON:
		return CategoryChart
	case domain.TextTypeMarkdown, domain.TextTypeHTML:
		return CategoryReport
	case domain.TextTypeSQL, domain.TextTypePython:
		return CategoryCode
	default:
		return CategoryText
	}
}
