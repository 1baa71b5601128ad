package portainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/shepherd/pkg/config"
	"github.com/cuemby/shepherd/pkg/errkind"
	"github.com/cuemby/shepherd/pkg/log"
)

const (
	// stackTypeSwarm is the Portainer stack type for swarm stacks.
	stackTypeSwarm = 1

	// StatusActive is the stack Status value for a running stack.
	StatusActive = 1

	// DefaultVerifyDeadline bounds post-deploy status polling.
	DefaultVerifyDeadline = 60 * time.Second

	verifyPollInterval = 2 * time.Second
)

// Stack is the remote representation Portainer returns for a stack.
type Stack struct {
	ID         int64  `json:"Id"`
	Name       string `json:"Name"`
	Type       int    `json:"Type"`
	EndpointID int64  `json:"EndpointId"`
	SwarmID    string `json:"SwarmId"`
	Status     int    `json:"Status"`
}

type endpoint struct {
	ID   int64  `json:"Id"`
	Name string `json:"Name"`
}

// Client talks to one Portainer instance. The bearer token is cached for the
// client's lifetime and refreshed transparently on a 401.
type Client struct {
	baseURL    *url.URL
	http       *http.Client
	username   string
	password   string
	stackName  string
	endpointID int64
	verifyIn   time.Duration
	logger     zerolog.Logger

	mu    sync.Mutex
	token string
}

// NewClient builds a client for one configured instance. timeout bounds each
// individual HTTP call.
func NewClient(cfg config.PortainerConfig, timeout time.Duration) (*Client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, "portainer url", err)
	}
	return &Client{
		baseURL:    base,
		http:       &http.Client{Timeout: timeout},
		username:   cfg.Username,
		password:   cfg.Password,
		stackName:  cfg.StackName,
		endpointID: cfg.EndpointID,
		verifyIn:   DefaultVerifyDeadline,
		logger:     log.WithStackName(cfg.StackName),
	}, nil
}

// StackName returns the stack this client manages.
func (c *Client) StackName() string { return c.stackName }

// Authenticate obtains a bearer token. Called lazily by request, and
// explicitly at startup to wait for the instance to come up.
func (c *Client) Authenticate(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"Username": c.username,
		"Password": c.password,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("api/auth", nil), bytes.NewReader(body))
	if err != nil {
		return errkind.Wrap(errkind.TransientIO, "portainer auth", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("portainer auth: %w", ctx.Err())
		}
		return errkind.Wrap(errkind.TransientIO, "portainer auth", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errkind.Errorf(classify(resp.StatusCode), "portainer auth",
			"authentication returned %d", resp.StatusCode)
	}

	var out struct {
		JWT string `json:"jwt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return errkind.Wrap(errkind.TransientIO, "portainer auth", err)
	}

	c.mu.Lock()
	c.token = out.JWT
	c.mu.Unlock()
	c.logger.Debug().Msg("authenticated with portainer")
	return nil
}

// ResolveEndpoint returns the endpoint id to deploy to. A negative
// configured id means discovery: the instance must expose exactly one
// endpoint.
func (c *Client) ResolveEndpoint(ctx context.Context) (int64, error) {
	if c.endpointID >= 0 {
		return c.endpointID, nil
	}

	var endpoints []endpoint
	if err := c.do(ctx, http.MethodGet, "api/endpoints", nil, nil, &endpoints); err != nil {
		return 0, err
	}
	switch len(endpoints) {
	case 1:
		return endpoints[0].ID, nil
	case 0:
		return 0, errkind.Errorf(errkind.OrchestratorRejected, "portainer endpoints", "no endpoints available")
	default:
		return 0, errkind.Errorf(errkind.OrchestratorRejected, "portainer endpoints",
			"%d endpoints available, endpoint_id must be set explicitly", len(endpoints))
	}
}

// SwarmID fetches the swarm cluster id of an endpoint.
func (c *Client) SwarmID(ctx context.Context, endpointID int64) (string, error) {
	var out struct {
		ID string `json:"ID"`
	}
	path := fmt.Sprintf("api/endpoints/%d/docker/swarm", endpointID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// FindStack looks up the managed stack by name, matching case-sensitively.
// Returns nil when the stack does not exist.
func (c *Client) FindStack(ctx context.Context, swarmID string) (*Stack, error) {
	query := url.Values{}
	if swarmID != "" {
		filters, err := json.Marshal(map[string]string{"SwarmID": swarmID})
		if err != nil {
			return nil, err
		}
		query.Set("filters", string(filters))
	}

	var stacks []Stack
	if err := c.do(ctx, http.MethodGet, "api/stacks", query, nil, &stacks); err != nil {
		return nil, err
	}
	for i := range stacks {
		if stacks[i].Name == c.stackName {
			return &stacks[i], nil
		}
	}
	return nil, nil
}

// CreateStack creates the named swarm stack from the serialized descriptor.
func (c *Client) CreateStack(ctx context.Context, endpointID int64, swarmID string, content []byte) (*Stack, error) {
	query := url.Values{}
	query.Set("type", fmt.Sprint(stackTypeSwarm))
	query.Set("method", "string")
	query.Set("endpointId", fmt.Sprint(endpointID))

	body := map[string]any{
		"Name":             c.stackName,
		"SwarmID":          swarmID,
		"StackFileContent": string(content),
	}

	var created Stack
	if err := c.do(ctx, http.MethodPost, "api/stacks", query, body, &created); err != nil {
		return nil, err
	}
	c.logger.Info().Int64("stack_id", created.ID).Msg("stack created")
	return &created, nil
}

// UpdateStack replaces the stack's file content, pruning services that are
// no longer referenced.
func (c *Client) UpdateStack(ctx context.Context, stackID, endpointID int64, content []byte) error {
	query := url.Values{}
	query.Set("endpointId", fmt.Sprint(endpointID))

	body := map[string]any{
		"StackFileContent": string(content),
		"Env":              []any{},
		"Prune":            true,
	}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("api/stacks/%d", stackID), query, body, nil); err != nil {
		return err
	}
	c.logger.Info().Int64("stack_id", stackID).Msg("stack updated")
	return nil
}

// DeleteStack removes a stack. Operator tooling; the reconciler never calls it.
func (c *Client) DeleteStack(ctx context.Context, stackID, endpointID int64) error {
	query := url.Values{}
	query.Set("endpointId", fmt.Sprint(endpointID))
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("api/stacks/%d", stackID), query, nil, nil)
}

// Verify polls the stack until it reports active or the deadline elapses.
func (c *Client) Verify(ctx context.Context, stackID int64) error {
	deadline := time.Now().Add(c.verifyIn)
	for {
		var stack Stack
		err := c.do(ctx, http.MethodGet, fmt.Sprintf("api/stacks/%d", stackID), nil, nil, &stack)
		if err == nil && stack.Status == StatusActive {
			return nil
		}
		if err != nil && errkind.KindOf(err) == errkind.Cancelled {
			return err
		}

		if time.Now().After(deadline) {
			if err != nil {
				return err
			}
			return errkind.Errorf(errkind.TransientIO, "portainer verify",
				"stack %d not active after %s (status %d)", stackID, c.verifyIn, stack.Status)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("portainer verify: %w", ctx.Err())
		case <-time.After(verifyPollInterval):
		}
	}
}

// Outcome describes what a deploy did.
type Outcome int

const (
	// OutcomeNoop means the remote stack already runs the exact artifact.
	OutcomeNoop Outcome = iota
	// OutcomeCreated means the stack did not exist and was created.
	OutcomeCreated
	// OutcomeUpdated means the existing stack was updated.
	OutcomeUpdated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	}
	return "no-op"
}

// Deploy pushes the serialized descriptor: find the stack, create or update
// it, then verify it becomes active. lastDigest is the digest of the last
// artifact this controller deployed; when it matches digest and the remote
// stack is active, the deploy is a no-op.
func (c *Client) Deploy(ctx context.Context, content []byte, digest, lastDigest string) (Outcome, error) {
	endpointID, err := c.ResolveEndpoint(ctx)
	if err != nil {
		return OutcomeNoop, err
	}
	swarmID, err := c.SwarmID(ctx, endpointID)
	if err != nil {
		return OutcomeNoop, err
	}

	existing, err := c.FindStack(ctx, swarmID)
	if err != nil {
		return OutcomeNoop, err
	}

	if existing != nil && digest == lastDigest && existing.Status == StatusActive {
		c.logger.Debug().Str("digest", digest).Msg("stack already runs this artifact")
		return OutcomeNoop, nil
	}

	if existing == nil {
		created, err := c.CreateStack(ctx, endpointID, swarmID, content)
		if err != nil {
			return OutcomeNoop, err
		}
		if created.ID != 0 {
			if err := c.Verify(ctx, created.ID); err != nil {
				return OutcomeNoop, err
			}
		}
		return OutcomeCreated, nil
	}

	if err := c.UpdateStack(ctx, existing.ID, endpointID, content); err != nil {
		return OutcomeNoop, err
	}
	if err := c.Verify(ctx, existing.ID); err != nil {
		return OutcomeNoop, err
	}
	return OutcomeUpdated, nil
}

// StackExists reports whether the managed stack exists remotely.
func (c *Client) StackExists(ctx context.Context) (bool, error) {
	stack, err := c.FindStack(ctx, "")
	if err != nil {
		return false, err
	}
	return stack != nil, nil
}

// do performs an authenticated request, decoding the JSON response into out
// when non-nil. A 401 triggers one transparent re-authentication.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if c.currentToken() == "" {
		if err := c.Authenticate(ctx); err != nil {
			return err
		}
	}

	resp, err := c.request(ctx, method, path, query, body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if err := c.Authenticate(ctx); err != nil {
			return err
		}
		resp, err = c.request(ctx, method, path, query, body)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return errkind.Errorf(classify(resp.StatusCode), "portainer "+method+" "+path,
			"status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errkind.Wrap(errkind.TransientIO, "portainer decode", err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransientIO, "portainer request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.currentToken())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation and deadline expiry keep their own kinds.
			return nil, fmt.Errorf("portainer request: %w", ctx.Err())
		}
		return nil, errkind.Wrap(errkind.TransientIO, "portainer request", err)
	}
	return resp, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// classify maps an HTTP status to an error kind: client errors are
// rejections, everything else is transient.
func classify(status int) errkind.Kind {
	if status >= 400 && status < 500 {
		return errkind.OrchestratorRejected
	}
	return errkind.TransientIO
}
