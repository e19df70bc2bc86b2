package refiner

import (
	"context"

	"github.com/3leaps/gostage/pkg/output"
	"github.com/3leaps/gostage/pkg/planstore"
)

// Sink receives the finished nodes of a run.
type Sink interface {
	WriteNodes(ctx context.Context, nodes []*Node) error
}

// JSONLSink writes one node record per line.
type JSONLSink struct {
	W output.Writer
}

// WriteNodes implements Sink.
func (s JSONLSink) WriteNodes(ctx context.Context, nodes []*Node) error {
	for _, n := range nodes {
		rec := n.Record()
		if err := s.W.WriteNode(ctx, &rec); err != nil {
			return err
		}
	}
	return nil
}

// StoreSink persists nodes under a run in the plan store.
type StoreSink struct {
	Store *planstore.Store
	RunID string
}

// WriteNodes implements Sink.
func (s StoreSink) WriteNodes(ctx context.Context, nodes []*Node) error {
	recs := make([]output.NodeRecord, len(nodes))
	for i, n := range nodes {
		recs[i] = n.Record()
	}
	return s.Store.PutNodes(ctx, s.RunID, recs)
}
