// Command twinctl inspects and edits twins by hand.
//
//	twinctl [flags] get <id>
//	twinctl [flags] set <id> <property>=<value>...
//	twinctl [flags] parent [-relation name] [-traversal] <id>
//
// Every flag may also be set through the environment with the TWINCTL_
// prefix, e.g. TWINCTL_ADT_ENDPOINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/go-digitaltwin/twinsync"
	"github.com/go-digitaltwin/twinsync/adt"
	"github.com/go-digitaltwin/twinsync/neo4jgraph"
)

func main() {
	ctx := context.Background()
	root := newRootCommand(os.Stdout)
	if err := root.ParseAndRun(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "twinctl:", err)
		os.Exit(1)
	}
}

// connection holds the global flags selecting the graph service.
type connection struct {
	backend  string
	verbose  bool
	endpoint string
	tenantID string
	clientID string
	secret   string
	neo4jURI string
	neo4jDB  string
	user     string
	password string
}

func (c *connection) register(fs *flag.FlagSet) {
	fs.StringVar(&c.backend, "backend", "adt", "graph service: adt or neo4j")
	fs.BoolVar(&c.verbose, "v", false, "log backend calls to stderr")
	fs.StringVar(&c.endpoint, "adt-endpoint", "", "Azure Digital Twins instance URL")
	fs.StringVar(&c.tenantID, "tenant-id", "", "Azure tenant id")
	fs.StringVar(&c.clientID, "client-id", "", "service principal client id")
	fs.StringVar(&c.secret, "client-secret", "", "service principal client secret")
	fs.StringVar(&c.neo4jURI, "neo4j-uri", "neo4j://localhost:7687", "Neo4j server URI")
	fs.StringVar(&c.neo4jDB, "neo4j-database", "neo4j", "Neo4j database name")
	fs.StringVar(&c.user, "neo4j-user", "neo4j", "Neo4j user")
	fs.StringVar(&c.password, "neo4j-password", "", "Neo4j password")
}

// open connects to the selected graph service. Call the session's close
// function once done with it.
func (c *connection) open(ctx context.Context) (session, error) {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	ctx = component.InjectLogger(ctx, logger)

	switch c.backend {
	case "adt":
		creds := adt.Credentials{TenantID: c.tenantID, ClientID: c.clientID, ClientSecret: c.secret}
		client, err := adt.NewClient(c.endpoint, creds.HTTPClient(ctx))
		if err != nil {
			return session{}, err
		}
		return session{logger: logger, graph: client, parentQuery: twinsync.ADTParentQuery, close: func() {}}, nil
	case "neo4j":
		driver, err := neo4j.NewDriverWithContext(c.neo4jURI, neo4j.BasicAuth(c.user, c.password, ""))
		if err != nil {
			return session{}, fmt.Errorf("create neo4j driver: %w", err)
		}
		closeDriver := func() { _ = driver.Close(context.Background()) }
		return session{logger: logger, graph: neo4jgraph.New(driver, c.neo4jDB), parentQuery: neo4jgraph.ParentQuery, close: closeDriver}, nil
	default:
		return session{}, fmt.Errorf("unknown backend %q", c.backend)
	}
}

func newRootCommand(out io.Writer) *ffcli.Command {
	var conn connection
	fs := flag.NewFlagSet("twinctl", flag.ContinueOnError)
	conn.register(fs)

	cli := commands{out: out, open: conn.open}
	return &ffcli.Command{
		Name:       "twinctl",
		ShortUsage: "twinctl [flags] <subcommand> [args...]",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix("TWINCTL")},
		Subcommands: []*ffcli.Command{
			cli.getCommand(),
			cli.setCommand(),
			cli.parentCommand(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
}
