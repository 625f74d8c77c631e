package opencti

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/threatmesh/threatmesh/core"
	"github.com/threatmesh/threatmesh/logging"
)

// Options configures the OpenCTI client.
type Options struct {
	// HTTPClient overrides the default client, e.g. for custom TLS config.
	HTTPClient *http.Client
	// Timeout bounds a single API call when HTTPClient is not supplied.
	Timeout time.Duration
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Client talks to one OpenCTI instance.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     logging.Logger
}

// New creates a client for the OpenCTI instance at baseURL, authenticating
// with the given API token.
func New(baseURL, token string, optFns ...func(o *Options)) *Client {
	opts := Options{
		Timeout: 30 * time.Second,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		endpoint:   strings.TrimRight(baseURL, "/") + "/graphql",
		token:      token,
		httpClient: httpClient,
		logger:     opts.Logger,
	}
}

var _ core.CTIClient = (*Client)(nil)

const observableByIDQuery = `query ObservableByID($id: String!) {
  stixCyberObservable(id: $id) {
    id
    entity_type
    observable_value
    created_at
    objectLabel { value }
  }
}`

const observableSearchQuery = `query ObservableSearch($search: String) {
  stixCyberObservables(search: $search, first: 1) {
    edges {
      node {
        id
        entity_type
        observable_value
        created_at
        objectLabel { value }
      }
    }
  }
}`

type observableNode struct {
	ID              string    `json:"id"`
	EntityType      string    `json:"entity_type"`
	ObservableValue string    `json:"observable_value"`
	CreatedAt       time.Time `json:"created_at"`
	ObjectLabel     []struct {
		Value string `json:"value"`
	} `json:"objectLabel"`
}

func (n *observableNode) toThreatObject() core.ThreatObject {
	obj := core.ThreatObject{
		ID:        n.ID,
		Type:      n.EntityType,
		Value:     n.ObservableValue,
		CreatedAt: n.CreatedAt,
	}
	for _, l := range n.ObjectLabel {
		obj.Labels = append(obj.Labels, l.Value)
	}
	raw, err := json.Marshal(n)
	if err == nil {
		obj.Raw = raw
	}
	return obj
}

// FetchObservable resolves an observable by platform id, or by value search
// when ref does not look like a STIX id. A missing observable is
// core.ErrNotFound.
func (c *Client) FetchObservable(ctx context.Context, ref string) (core.ThreatObject, error) {
	if strings.Contains(ref, "--") {
		var data struct {
			StixCyberObservable *observableNode `json:"stixCyberObservable"`
		}
		if err := c.do(ctx, observableByIDQuery, map[string]any{"id": ref}, &data); err != nil {
			return core.ThreatObject{}, err
		}
		if data.StixCyberObservable == nil {
			return core.ThreatObject{}, fmt.Errorf("observable %s: %w", ref, core.ErrNotFound)
		}
		return data.StixCyberObservable.toThreatObject(), nil
	}

	var data struct {
		StixCyberObservables struct {
			Edges []struct {
				Node observableNode `json:"node"`
			} `json:"edges"`
		} `json:"stixCyberObservables"`
	}
	if err := c.do(ctx, observableSearchQuery, map[string]any{"search": ref}, &data); err != nil {
		return core.ThreatObject{}, err
	}
	if len(data.StixCyberObservables.Edges) == 0 {
		return core.ThreatObject{}, fmt.Errorf("observable %q: %w", ref, core.ErrNotFound)
	}
	return data.StixCyberObservables.Edges[0].Node.toThreatObject(), nil
}

const relatedQuery = `query Related($fromId: StixRef, $types: [String]) {
  stixCoreRelationships(fromId: $fromId, relationship_type: $types) {
    edges {
      node {
        relationship_type
        to {
          ... on BasicObject { id entity_type }
          ... on StixCyberObservable { observable_value }
          ... on StixDomainObject { created_at }
        }
      }
    }
  }
}`

// FetchRelated lists the entities reachable from id over core relationships,
// optionally restricted to the given relationship types.
func (c *Client) FetchRelated(ctx context.Context, id string, relationKinds []string) ([]core.ThreatObject, error) {
	variables := map[string]any{"fromId": id}
	if len(relationKinds) > 0 {
		variables["types"] = relationKinds
	}

	var data struct {
		StixCoreRelationships struct {
			Edges []struct {
				Node struct {
					RelationshipType string          `json:"relationship_type"`
					To               json.RawMessage `json:"to"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"stixCoreRelationships"`
	}
	if err := c.do(ctx, relatedQuery, variables, &data); err != nil {
		return nil, err
	}

	out := make([]core.ThreatObject, 0, len(data.StixCoreRelationships.Edges))
	for _, edge := range data.StixCoreRelationships.Edges {
		var to struct {
			ID              string    `json:"id"`
			EntityType      string    `json:"entity_type"`
			ObservableValue string    `json:"observable_value"`
			Name            string    `json:"name"`
			CreatedAt       time.Time `json:"created_at"`
		}
		if err := json.Unmarshal(edge.Node.To, &to); err != nil || to.ID == "" {
			continue
		}
		value := to.ObservableValue
		if value == "" {
			value = to.Name
		}
		out = append(out, core.ThreatObject{
			ID:        to.ID,
			Type:      to.EntityType,
			Value:     value,
			Raw:       edge.Node.To,
			CreatedAt: to.CreatedAt,
		})
	}
	return out, nil
}

const reportAddMutation = `mutation ReportAdd($input: ReportAddInput!) {
  reportAdd(input: $input) { id }
}`

// PersistReport creates a report container and returns its platform id.
func (c *Client) PersistReport(ctx context.Context, report core.Report) (string, error) {
	published := report.Published
	if published.IsZero() {
		published = time.Now().UTC()
	}

	input := map[string]any{
		"name":         report.Name,
		"description":  report.Description,
		"content":      report.Content,
		"published":    published.Format(time.RFC3339),
		"report_types": []string{"threat-report"},
	}
	if len(report.ObjectRefs) > 0 {
		input["objects"] = report.ObjectRefs
	}
	if len(report.Labels) > 0 {
		input["objectLabel"] = report.Labels
	}

	var data struct {
		ReportAdd struct {
			ID string `json:"id"`
		} `json:"reportAdd"`
	}
	if err := c.do(ctx, reportAddMutation, map[string]any{"input": input}, &data); err != nil {
		return "", err
	}
	if data.ReportAdd.ID == "" {
		return "", fmt.Errorf("report creation returned no id: %w", core.ErrUnavailable)
	}
	c.logger.Info("report persisted", "report_id", data.ReportAdd.ID, "name", report.Name)
	return data.ReportAdd.ID, nil
}

const noteAddMutation = `mutation NoteAdd($input: NoteAddInput!) {
  noteAdd(input: $input) { id }
}`

// SubmitEnrichment attaches the enrichment to the object as a note.
// Enrichment is additive: notes never replace platform state.
func (c *Client) SubmitEnrichment(ctx context.Context, id string, enrichment core.Enrichment) error {
	objects := []string{id}
	for _, r := range enrichment.Related {
		objects = append(objects, r.ID)
	}

	input := map[string]any{
		"attribute_abstract": "Automated enrichment",
		"content":            enrichment.Summary,
		"objects":            objects,
	}

	var data struct {
		NoteAdd struct {
			ID string `json:"id"`
		} `json:"noteAdd"`
	}
	if err := c.do(ctx, noteAddMutation, map[string]any{"input": input}, &data); err != nil {
		return err
	}
	c.logger.Debug("enrichment submitted", "object_id", id, "note_id", data.NoteAdd.ID)
	return nil
}

type graphQLError struct {
	Message string `json:"message"`
}

// do executes one GraphQL call and decodes the data envelope into out.
func (c *Client) do(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("opencti request: %v: %w", err, core.ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &core.RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return fmt.Errorf("opencti returned %d: %w", resp.StatusCode, core.ErrUnavailable)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("opencti returned %d", resp.StatusCode)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode graphql response: %v: %w", err, core.ErrUnavailable)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("opencti: %s", envelope.Errors[0].Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode graphql data: %w", err)
		}
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return 0
}
