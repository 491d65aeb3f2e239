/*
Package dbtest runs disposable Neo4j containers for twin graph tests, on top of
testcontainers-go and its neo4j module.

Tests that only need "a Neo4j" should call SetupNeo4j. Tests that depend on a
particular server configuration should use testcontainers-go directly.

The image is chosen with the -dbtest.neo4j-image flag, so another Neo4j release
can be tried without code changes:

	go test ./neo4jgraph -dbtest.neo4j-image=docker.io/neo4j:5.26-enterprise

To inspect the graph a failed test left behind, keep its container running:

	go test ./neo4jgraph -dbtest.inspect

This package is for tests only.
*/
package dbtest
