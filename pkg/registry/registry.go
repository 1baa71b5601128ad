package registry

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/shepherd/pkg/compose"
	"github.com/cuemby/shepherd/pkg/config"
	"github.com/cuemby/shepherd/pkg/errkind"
	"github.com/cuemby/shepherd/pkg/log"
)

// dockerHubRegistry is the API host used for images without a domain.
const dockerHubRegistry = "https://registry-1.docker.io"

// manifestAccept lists the manifest media types we ask for. The digest of
// whatever the registry serves is what we track.
const manifestAccept = "application/vnd.docker.distribution.manifest.list.v2+json, " +
	"application/vnd.docker.distribution.manifest.v2+json, " +
	"application/vnd.oci.image.index.v1+json, " +
	"application/vnd.oci.image.manifest.v1+json"

// ErrNotFound marks an image whose manifest the registry does not serve.
var ErrNotFound = errors.New("manifest not found")

// ImageDigest pairs an image reference with its resolved manifest digest. An
// empty digest means the image is not (yet) present in its registry.
type ImageDigest struct {
	Ref    string
	Digest digest.Digest
}

// Watcher resolves image digests against the configured registries and
// fingerprints the digest set of a stack.
type Watcher struct {
	registries []config.RegistryConfig
	client     *http.Client
	logger     zerolog.Logger

	mu     sync.Mutex
	tokens map[string]string // bearer token cache, keyed by registry host
}

// New builds a Watcher. timeout bounds each individual registry request.
func New(registries []config.RegistryConfig, timeout time.Duration) *Watcher {
	return &Watcher{
		registries: registries,
		client:     &http.Client{Timeout: timeout},
		logger:     log.WithComponent("registry"),
		tokens:     make(map[string]string),
	}
}

// Resolve returns the manifest digest the registry currently serves for an
// image reference. References already pinned by digest resolve to that
// digest without a network round trip.
func (w *Watcher) Resolve(ctx context.Context, ref string) (digest.Digest, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", errkind.Errorf(errkind.RecipeFailed, "registry resolve", "invalid image reference %q: %v", ref, err)
	}
	if digested, ok := named.(reference.Digested); ok {
		return digested.Digest(), nil
	}

	tag := "latest"
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}

	base, creds := w.registryFor(reference.Domain(named))
	repoPath := reference.Path(named)

	manifestURL := fmt.Sprintf("%s/v2/%s/manifests/%s", strings.TrimSuffix(base, "/"), repoPath, tag)
	dgst, err := w.headManifest(ctx, manifestURL, base, repoPath, creds)
	if err != nil {
		return "", err
	}
	return dgst, nil
}

// headManifest issues the manifest HEAD, negotiating bearer-token auth on 401.
func (w *Watcher) headManifest(ctx context.Context, manifestURL, base, repoPath string, creds *config.RegistryConfig) (digest.Digest, error) {
	resp, err := w.head(ctx, manifestURL, w.cachedToken(base), creds)
	if err != nil {
		return "", errkind.Wrap(errkind.TransientIO, "registry head", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		challenge := resp.Header.Get("Www-Authenticate")
		token, err := w.fetchToken(ctx, challenge, repoPath, creds)
		if err != nil {
			return "", err
		}
		w.storeToken(base, token)

		resp, err = w.head(ctx, manifestURL, token, creds)
		if err != nil {
			return "", errkind.Wrap(errkind.TransientIO, "registry head", err)
		}
		defer resp.Body.Close()
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return "", errkind.Wrap(errkind.TransientIO, "registry head", fmt.Errorf("%w: %s", ErrNotFound, manifestURL))
	case resp.StatusCode == http.StatusUnauthorized:
		return "", errkind.Errorf(errkind.TransientIO, "registry head", "authentication rejected for %s", manifestURL)
	default:
		return "", errkind.Errorf(errkind.TransientIO, "registry head", "unexpected status %d for %s", resp.StatusCode, manifestURL)
	}

	raw := resp.Header.Get("Docker-Content-Digest")
	dgst, err := digest.Parse(raw)
	if err != nil {
		return "", errkind.Errorf(errkind.TransientIO, "registry head", "bad digest header %q: %v", raw, err)
	}
	return dgst, nil
}

func (w *Watcher) head(ctx context.Context, rawURL, token string, creds *config.RegistryConfig) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", manifestAccept)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if creds != nil && creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	return w.client.Do(req)
}

var challengeParam = regexp.MustCompile(`(\w+)="([^"]*)"`)

// fetchToken follows a Bearer WWW-Authenticate challenge and returns the
// issued token. Credentials, when configured for the registry, are passed as
// basic auth to the token endpoint.
func (w *Watcher) fetchToken(ctx context.Context, challenge, repoPath string, creds *config.RegistryConfig) (string, error) {
	if !strings.HasPrefix(challenge, "Bearer ") {
		return "", errkind.Errorf(errkind.TransientIO, "registry auth", "unsupported auth challenge %q", challenge)
	}
	params := map[string]string{}
	for _, m := range challengeParam.FindAllStringSubmatch(challenge, -1) {
		params[m[1]] = m[2]
	}
	realm := params["realm"]
	if realm == "" {
		return "", errkind.Errorf(errkind.TransientIO, "registry auth", "auth challenge without realm: %q", challenge)
	}

	q := url.Values{}
	if params["service"] != "" {
		q.Set("service", params["service"])
	}
	q.Set("scope", fmt.Sprintf("repository:%s:pull", repoPath))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realm+"?"+q.Encode(), nil)
	if err != nil {
		return "", errkind.Wrap(errkind.TransientIO, "registry auth", err)
	}
	if creds != nil && creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", errkind.Wrap(errkind.TransientIO, "registry auth", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errkind.Errorf(errkind.TransientIO, "registry auth", "token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errkind.Wrap(errkind.TransientIO, "registry auth", err)
	}
	if body.Token != "" {
		return body.Token, nil
	}
	return body.AccessToken, nil
}

// registryFor picks the configured registry whose URL host matches the image
// domain, falling back to Docker Hub.
func (w *Watcher) registryFor(domain string) (string, *config.RegistryConfig) {
	for i := range w.registries {
		reg := &w.registries[i]
		u, err := url.Parse(reg.URL)
		if err != nil {
			continue
		}
		if u.Host == domain {
			return reg.URL, reg
		}
	}
	if domain == "docker.io" {
		return dockerHubRegistry, nil
	}
	// An unconfigured private domain is still reachable anonymously.
	return "https://" + domain, nil
}

func (w *Watcher) cachedToken(base string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokens[base]
}

func (w *Watcher) storeToken(base, token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tokens[base] = token
}

// Fingerprint resolves every image referenced by the stack and digests the
// sorted (reference, digest) pairs. An image missing from its registry
// contributes an empty digest instead of failing the cycle; it typically
// means a new service whose image has not been pushed yet.
func (w *Watcher) Fingerprint(ctx context.Context, stack *compose.Stack) (string, []ImageDigest, error) {
	images := stack.Images()
	resolved := make([]ImageDigest, len(images))

	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range images {
		g.Go(func() error {
			dgst, err := w.Resolve(gctx, ref)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					w.logger.Warn().Str("image", ref).Msg("image not in registry yet")
					resolved[i] = ImageDigest{Ref: ref}
					return nil
				}
				return err
			}
			resolved[i] = ImageDigest{Ref: ref, Digest: dgst}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", nil, err
	}

	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Ref < resolved[j].Ref })

	h := sha256.New()
	for _, entry := range resolved {
		fmt.Fprintf(h, "%s\x00%s\n", entry.Ref, entry.Digest)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), resolved, nil
}
