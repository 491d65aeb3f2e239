package neo4jgraph

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/twinsync/neo4jgraph")
var meter = otel.Meter("github.com/go-digitaltwin/twinsync/neo4jgraph")

var (
	// rejectedPatches counts the patches UpdateTwin refused to apply, labelled with
	// the reason: a stale ETag, or operations that do not fit the twin's current
	// properties. A steady rate of stale ETags hints at competing writers.
	rejectedPatches metric.Int64Counter
)

func init() {
	// We're initiating the metric instruments on the otel meter. Encounter an error
	// during an instrument's initialisation, triggering a panic. This scenario
	// should not occur, if it does, it is likely related to the attributes applied
	// on the instrument.
	var err error
	rejectedPatches, err = meter.Int64Counter(
		"neo4jgraph_rejected_patches",
		metric.WithDescription("how many patches were rejected by the neo4j graph"),
	)
	if err != nil {
		s := fmt.Sprintf("neo4jgraph: failed to init 'neo4jgraph_rejected_patches' instrument: %v", err)
		panic(s)
	}
}
