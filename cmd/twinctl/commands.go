package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/danielorbach/go-component"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/go-digitaltwin/twinsync"
)

// session is an open connection to a graph service.
type session struct {
	logger      *slog.Logger
	graph       twinsync.GraphService
	parentQuery twinsync.QueryFunc
	close       func()
}

// commands implements the subcommands over whatever graph service open
// connects to.
type commands struct {
	out  io.Writer
	open func(context.Context) (session, error)
}

// Call connect to open a session and carry its logger in the context.
func (c commands) connect(ctx context.Context) (context.Context, session, error) {
	s, err := c.open(ctx)
	if err != nil {
		return ctx, session{}, err
	}
	return component.InjectLogger(ctx, s.logger), s, nil
}

func (c commands) getCommand() *ffcli.Command {
	return &ffcli.Command{
		Name:       "get",
		ShortUsage: "twinctl get <id>",
		ShortHelp:  "Print a twin as JSON",
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return flag.ErrHelp
			}
			return c.get(ctx, twinsync.TwinID(args[0]))
		},
	}
}

func (c commands) get(ctx context.Context, id twinsync.TwinID) error {
	ctx, s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	twin, err := twinsync.Reader{Graph: s.graph}.FetchTwin(ctx, id)
	if err != nil {
		return err
	}
	return c.print(twin)
}

func (c commands) setCommand() *ffcli.Command {
	fs := flag.NewFlagSet("twinctl set", flag.ContinueOnError)
	conditional := fs.Bool("if-match", false, "fail if the twin changes between reading and writing it")
	return &ffcli.Command{
		Name:       "set",
		ShortUsage: "twinctl set [-if-match] <id> <property>=<value>...",
		ShortHelp:  "Add or replace twin properties",
		LongHelp: "Values are parsed as JSON when possible and taken as strings otherwise, so\n" +
			"Moisture=30.5 sets a number and Type=Tomato a string. Properties the twin\n" +
			"already has are replaced, the rest are added. The twin is printed before\n" +
			"and after the change.",
		FlagSet: fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) < 2 {
				return flag.ErrHelp
			}
			patch, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			return c.set(ctx, twinsync.TwinID(args[0]), patch, *conditional)
		},
	}
}

// set applies assignments, a patch of Add operations turned into Replace for
// properties the twin already has.
func (c commands) set(ctx context.Context, id twinsync.TwinID, assignments twinsync.Patch, conditional bool) error {
	ctx, s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	reader := twinsync.Reader{Graph: s.graph}
	before, err := reader.FetchTwin(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Before:")
	if err := c.print(before); err != nil {
		return err
	}

	opts := []twinsync.PatchOption{twinsync.WithKnownState(before)}
	if conditional {
		opts = append(opts, twinsync.WithIfMatch(before.ETag))
	}
	if err := (twinsync.Patcher{Graph: s.graph}).ApplyPatch(ctx, id, assignments, opts...); err != nil {
		return err
	}

	after, err := reader.FetchTwin(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, "After:")
	return c.print(after)
}

// parseAssignments turns "name=value" arguments into a patch of Add
// operations.
func parseAssignments(args []string) (twinsync.Patch, error) {
	patch := make(twinsync.Patch, 0, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid assignment %q: want <property>=<value>", arg)
		}
		path := name
		if !strings.HasPrefix(path, "/") {
			path = twinsync.PropertyPath(name)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		patch = append(patch, twinsync.Add(path, value))
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	return patch, nil
}

func (c commands) parentCommand() *ffcli.Command {
	fs := flag.NewFlagSet("twinctl parent", flag.ContinueOnError)
	relation := fs.String("relation", twinsync.DefaultRelation, "relationship name to follow")
	traversal := fs.Bool("traversal", false, "list incoming relationships instead of querying")
	return &ffcli.Command{
		Name:       "parent",
		ShortUsage: "twinctl parent [-relation name] [-traversal] <id>",
		ShortHelp:  "Print the id of the twin related to a twin",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return flag.ErrHelp
			}
			return c.parent(ctx, twinsync.TwinID(args[0]), *relation, *traversal)
		},
	}
}

func (c commands) parent(ctx context.Context, id twinsync.TwinID, relation string, traversal bool) error {
	ctx, s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	var resolver twinsync.Resolver = twinsync.QueryResolver{Graph: s.graph, Query: s.parentQuery}
	if traversal {
		resolver = twinsync.TraversalResolver{Graph: s.graph}
	}
	parentID, err := resolver.ResolveParent(ctx, id, relation)
	if errors.Is(err, twinsync.ErrNoneFound) {
		return fmt.Errorf("%s has no %q parent", id, relation)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, parentID)
	return err
}

func (c commands) print(twin twinsync.Twin) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(twin.Document())
}
