package dbtest

import (
	"flag"
	"os"
	"os/signal"
)

var (
	// Inspect keeps the container of a failed test running until interrupted,
	// so the graph it left behind can be examined. testcontainers still reaps
	// it eventually.
	Inspect = flag.Bool("dbtest.inspect", false, "keep the container of a failed test running for inspection")

	// Image is the Neo4j image SetupNeo4j runs.
	Image = flag.String("dbtest.neo4j-image", Neo4jImage, "neo4j container image to run twin graph tests against")
)

// waitForInspection blocks until SIGINT.
func waitForInspection() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer signal.Stop(c)
	<-c
}
