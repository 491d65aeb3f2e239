// Package adt implements twinsync.GraphService against the Azure Digital Twins
// data-plane REST API.
package adt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/go-digitaltwin/twinsync"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/twinsync/adt")

// APIVersion is the data-plane API version the client speaks.
const APIVersion = "2023-10-31"

// Scope is the OAuth2 scope granting access to the Azure Digital Twins data
// plane.
const Scope = "https://digitaltwins.azure.net/.default"

// Credentials identify a service principal allowed to access the instance.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Microsoft identity platform token endpoint derived
	// from TenantID.
	TokenURL string
}

// HTTPClient returns an HTTP client that authenticates every request with a
// token obtained through the OAuth2 client-credentials flow. Tokens are cached
// and refreshed by the client. Both token and data-plane requests are traced.
func (c Credentials) HTTPClient(ctx context.Context) *http.Client {
	tokenURL := c.TokenURL
	if tokenURL == "" {
		tokenURL = "https://login.microsoftonline.com/" + url.PathEscape(c.TenantID) + "/oauth2/v2.0/token"
	}
	cfg := clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{Scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	// The oauth2 package fetches tokens with the client found in the context.
	base := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	return cfg.Client(ctx)
}

// Client is a twinsync.GraphService backed by an Azure Digital Twins instance.
//
// A Client is safe for concurrent use.
type Client struct {
	endpoint *url.URL
	http     *http.Client
}

// NewClient returns a Client for the instance at endpoint (e.g.
// "https://myinstance.api.weu.digitaltwins.azure.net"). The given HTTP client
// is responsible for authentication; see Credentials.HTTPClient. A nil client
// means an unauthenticated, traced client, which is only useful in tests.
func NewClient(endpoint string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse endpoint: %q is not an absolute URL", endpoint)
	}
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{endpoint: u, http: hc}, nil
}

// Call resolve to build the URL of an API path, with the API version set.
func (c *Client) resolve(path string, query url.Values) string {
	u := c.endpoint.JoinPath(path)
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", APIVersion)
	u.RawQuery = query.Encode()
	return u.String()
}

// GetTwin implements twinsync.GraphService.
func (c *Client) GetTwin(ctx context.Context, id twinsync.TwinID) (twinsync.Twin, error) {
	ctx, span := tracer.Start(ctx, "GetTwin")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve("digitaltwins/"+url.PathEscape(string(id)), nil), nil)
	if err != nil {
		return twinsync.Twin{}, &twinsync.TransportError{Op: "GetTwin", Err: err}
	}
	var body map[string]any
	if err := c.do(req, "GetTwin", string(id), &body); err != nil {
		return twinsync.Twin{}, err
	}
	twin, err := parseTwin(body)
	if err != nil {
		return twinsync.Twin{}, &twinsync.TransportError{Op: "GetTwin", StatusCode: http.StatusOK, Err: err}
	}
	return twin, nil
}

type incomingRelationship struct {
	ID       string `json:"$relationshipId"`
	SourceID string `json:"$sourceId"`
	Name     string `json:"$relationshipName"`
}

type relationshipPage struct {
	Value    []incomingRelationship `json:"value"`
	NextLink string                 `json:"nextLink"`
}

// IncomingRelationships implements twinsync.GraphService. Pages are fetched
// on demand by following the service's nextLink.
func (c *Client) IncomingRelationships(ctx context.Context, id twinsync.TwinID) iter.Seq2[twinsync.Relationship, error] {
	return func(yield func(twinsync.Relationship, error) bool) {
		ctx, span := tracer.Start(ctx, "IncomingRelationships")
		defer span.End()

		next := c.resolve("digitaltwins/"+url.PathEscape(string(id))+"/incomingrelationships", nil)
		for next != "" {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
			if err != nil {
				yield(twinsync.Relationship{}, &twinsync.TransportError{Op: "IncomingRelationships", Err: err})
				return
			}
			var page relationshipPage
			if err := c.do(req, "IncomingRelationships", string(id), &page); err != nil {
				yield(twinsync.Relationship{}, err)
				return
			}
			for _, rel := range page.Value {
				r := twinsync.Relationship{
					ID:       rel.ID,
					Name:     rel.Name,
					SourceID: twinsync.TwinID(rel.SourceID),
					TargetID: id,
				}
				if !yield(r, nil) {
					return
				}
			}
			next = page.NextLink
		}
	}
}

type queryRequest struct {
	Query             string `json:"query,omitempty"`
	ContinuationToken string `json:"continuationToken,omitempty"`
}

type queryPage struct {
	Value             []map[string]any `json:"value"`
	ContinuationToken string           `json:"continuationToken"`
}

// Query implements twinsync.GraphService. Pages are fetched on demand with the
// service's continuation token. Rows projecting a single twin under an alias
// (as in "SELECT Parent ...") are unwrapped.
func (c *Client) Query(ctx context.Context, query string) iter.Seq2[twinsync.Twin, error] {
	return func(yield func(twinsync.Twin, error) bool) {
		ctx, span := tracer.Start(ctx, "Query")
		defer span.End()

		body := queryRequest{Query: query}
		for {
			b, err := json.Marshal(body)
			if err != nil {
				yield(twinsync.Twin{}, &twinsync.TransportError{Op: "Query", Err: err})
				return
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve("query", nil), bytes.NewReader(b))
			if err != nil {
				yield(twinsync.Twin{}, &twinsync.TransportError{Op: "Query", Err: err})
				return
			}
			req.Header.Set("Content-Type", "application/json")
			var page queryPage
			if err := c.do(req, "Query", "", &page); err != nil {
				yield(twinsync.Twin{}, err)
				return
			}
			for _, row := range page.Value {
				twin, err := parseTwin(unwrapRow(row))
				if err != nil {
					yield(twinsync.Twin{}, &twinsync.TransportError{Op: "Query", StatusCode: http.StatusOK, Err: err})
					return
				}
				if !yield(twin, nil) {
					return
				}
			}
			if page.ContinuationToken == "" {
				return
			}
			body = queryRequest{ContinuationToken: page.ContinuationToken}
		}
	}
}

func unwrapRow(row map[string]any) map[string]any {
	if _, ok := row["$dtId"]; ok || len(row) != 1 {
		return row
	}
	for _, v := range row {
		if inner, ok := v.(map[string]any); ok {
			return inner
		}
	}
	return row
}

// UpdateTwin implements twinsync.GraphService.
func (c *Client) UpdateTwin(ctx context.Context, id twinsync.TwinID, patch twinsync.Patch, ifMatch string) error {
	ctx, span := tracer.Start(ctx, "UpdateTwin")
	defer span.End()

	b, err := json.Marshal(patch)
	if err != nil {
		return &twinsync.TransportError{Op: "UpdateTwin", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.resolve("digitaltwins/"+url.PathEscape(string(id)), nil), bytes.NewReader(b))
	if err != nil {
		return &twinsync.TransportError{Op: "UpdateTwin", Err: err}
	}
	req.Header.Set("Content-Type", "application/json-patch+json")
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	return c.do(req, "UpdateTwin", string(id), nil)
}

// serviceError is the error body of the data-plane API.
type serviceError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Call do to send req and decode a successful JSON response into v, which may
// be nil. Failures are reported as the error kinds twinsync.GraphService
// documents; id names the twin a 404 refers to.
func (c *Client) do(req *http.Request, op, id string, v any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &twinsync.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if v == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return &twinsync.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	var se serviceError
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(b, &se)
	if resp.StatusCode == http.StatusNotFound && id != "" {
		return &twinsync.NotFoundError{Kind: "twin", ID: id}
	}
	msg := se.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(b))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	err = errors.New(msg)
	if resp.StatusCode == http.StatusPreconditionFailed {
		err = fmt.Errorf("%w: %s", twinsync.ErrPreconditionFailed, msg)
	}
	return &twinsync.TransportError{Op: op, StatusCode: resp.StatusCode, Code: se.Error.Code, Err: err}
}

// parseTwin splits a twin document into its metadata and property bag.
func parseTwin(doc map[string]any) (twinsync.Twin, error) {
	id, _ := doc["$dtId"].(string)
	if id == "" {
		return twinsync.Twin{}, errors.New("twin document has no $dtId")
	}
	twin := twinsync.Twin{
		ID:         twinsync.TwinID(id),
		Properties: make(map[string]any, len(doc)),
	}
	twin.ETag, _ = doc["$etag"].(string)
	if meta, ok := doc["$metadata"].(map[string]any); ok {
		twin.ModelID, _ = meta["$model"].(string)
	}
	for name, v := range doc {
		if strings.HasPrefix(name, "$") {
			continue
		}
		twin.Properties[name] = v
	}
	return twin, nil
}
