package dbtest

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/go-connections/nat"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jtest "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

// Neo4jImage is the default image for the Neo4j container.
//
// The enterprise variant is required: twin ids are constrained with a node key,
// which the community edition does not support.
//
// See <https://hub.docker.com/_/neo4j> for more images.
const Neo4jImage = "docker.io/neo4j:5-enterprise"

// Port of the Neo4j browser.
const neo4jHTTP = nat.Port("7474/tcp")

// SetupNeo4j runs a Neo4j container for the calling test and returns a driver
// connected to it, without authentication. Twin graphs under test use the
// default "neo4j" database; tests needing isolation from each other get a
// container each, so nothing is shared between them. The driver and the
// container are released when the test completes.
//
// Container tests are skipped with -short, and always run in parallel.
func SetupNeo4j(t *testing.T) neo4j.DriverWithContext {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping Neo4j container test in short mode")
	}
	t.Parallel()
	ctx := context.Background()

	container, err := neo4jtest.Run(ctx, *Image, containerOptions(t,
		neo4jtest.WithoutAuthentication(),
		neo4jtest.WithAcceptCommercialLicenseAgreement(),
	)...)
	if err != nil {
		t.Fatal("Failed to run neo4j container:", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Error("Failed to terminate neo4j container:", err)
		}
	})

	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatal("Failed to get bolt url:", err)
	}
	driver, err := neo4j.NewDriverWithContext(boltURL, neo4j.NoAuth())
	if err != nil {
		t.Fatal("Failed to open neo4j driver:", err)
	}
	t.Cleanup(func() {
		if err := driver.Close(ctx); err != nil {
			t.Error("Failed to close neo4j driver:", err)
		}
	})
	if err := awaitConnectivity(t, ctx, driver); err != nil {
		t.Fatal("Neo4j never accepted connections:", err)
	}

	// Registered last so it runs first: the container must outlive inspection.
	t.Cleanup(func() {
		if !t.Failed() || !*Inspect {
			return
		}
		browser, err := container.PortEndpoint(ctx, neo4jHTTP, "http")
		if err != nil {
			t.Log("Failed to get the browser endpoint:", err)
		}
		// See <https://neo4j.com/docs/browser-manual/current/operations/browser-url-parameters>
		t.Logf("Container %v is still running for inspection (Ctrl+C to terminate)...", container.GetContainerID())
		t.Logf("Browser = %s/browser?preselectAuthMethod=%s&dbms=%s", browser, url.QueryEscape("[NO_AUTH]"), url.QueryEscape(boltURL))
		t.Logf("Bolt URL = %s", boltURL)
		waitForInspection()
	})
	return driver
}

// Call awaitConnectivity to wait for the server behind driver to accept
// connections. The container may report readiness before the bolt listener
// does.
func awaitConnectivity(t *testing.T, ctx context.Context, driver neo4j.DriverWithContext) error {
	t.Helper()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second
	notify := func(err error, next time.Duration) {
		t.Logf("Neo4j not ready (%v), retrying in %v", err, next)
	}
	return backoff.RetryNotify(func() error {
		return driver.VerifyConnectivity(ctx)
	}, backoff.WithContext(policy, ctx), notify)
}
