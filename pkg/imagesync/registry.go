package imagesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// acceptManifests is the union of OCI and Docker manifest media types sent
// on digest probes so the registry answers for whichever kind it stores.
const acceptManifests = "application/vnd.oci.image.manifest.v1+json," +
	"application/vnd.oci.image.index.v1+json," +
	"application/vnd.docker.distribution.manifest.v2+json," +
	"application/vnd.docker.distribution.manifest.list.v2+json"

// resolveDigest returns the current manifest digest for ref. Digest-pinned
// references resolve to their own digest without a network round trip.
func (r *Refresher) resolveDigest(ctx context.Context, ref Reference) (string, error) {
	if ref.Digest != "" {
		return ref.Digest, nil
	}

	token, err := r.fetchToken(ctx, ref)
	if err != nil {
		return "", err
	}

	manifestURL := fmt.Sprintf("https://%s/v2/%s/manifests/%s", ref.Registry, ref.Repository, ref.Tag)
	if r.registryBase != "" {
		manifestURL = fmt.Sprintf("%s/v2/%s/manifests/%s", r.registryBase, ref.Repository, ref.Tag)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, manifestURL, nil)
	if err != nil {
		return "", fmt.Errorf("imagesync: build manifest request: %w", err)
	}
	req.Header.Set("Accept", acceptManifests)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("imagesync: probe manifest: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("imagesync: manifest probe for %s returned HTTP %d", ref.String(), resp.StatusCode)
	}
	digest := strings.TrimSpace(resp.Header.Get("Docker-Content-Digest"))
	if digest == "" {
		return "", fmt.Errorf("imagesync: registry sent no Docker-Content-Digest for %s", ref.String())
	}
	return digest, nil
}

// fetchToken obtains a pull-scoped bearer token. The registry's /v2/ probe
// advertises the token endpoint via WWW-Authenticate; registries that answer
// 200 directly need no token.
func (r *Refresher) fetchToken(ctx context.Context, ref Reference) (string, error) {
	probeURL := fmt.Sprintf("https://%s/v2/", ref.Registry)
	if r.registryBase != "" {
		probeURL = r.registryBase + "/v2/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return "", fmt.Errorf("imagesync: build auth probe: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("imagesync: auth probe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK {
		return "", nil
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return "", fmt.Errorf("imagesync: auth probe returned HTTP %d", resp.StatusCode)
	}

	realm, service := parseBearerChallenge(resp.Header.Get("WWW-Authenticate"))
	if realm == "" {
		return "", fmt.Errorf("imagesync: registry challenge missing realm")
	}

	tokenURL, err := url.Parse(realm)
	if err != nil {
		return "", fmt.Errorf("imagesync: parse token realm: %w", err)
	}
	q := tokenURL.Query()
	if service != "" {
		q.Set("service", service)
	}
	q.Set("scope", "repository:"+ref.Repository+":pull")
	tokenURL.RawQuery = q.Encode()

	tokenReq, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("imagesync: build token request: %w", err)
	}
	if r.username != "" {
		tokenReq.SetBasicAuth(r.username, r.password)
	}

	tokenResp, err := r.http.Do(tokenReq)
	if err != nil {
		return "", fmt.Errorf("imagesync: fetch token: %w", err)
	}
	defer func() { _ = tokenResp.Body.Close() }()

	if tokenResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("imagesync: token endpoint returned HTTP %d", tokenResp.StatusCode)
	}
	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(tokenResp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("imagesync: parse token response: %w", err)
	}
	if payload.Token != "" {
		return payload.Token, nil
	}
	return payload.AccessToken, nil
}

// parseBearerChallenge extracts realm and service from a header like
// `Bearer realm="https://auth.example/token",service="registry.example"`.
func parseBearerChallenge(header string) (realm, service string) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ""
	}
	for _, part := range strings.Split(header[len("Bearer "):], ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		val := strings.Trim(kv[1], `"`)
		switch kv[0] {
		case "realm":
			realm = val
		case "service":
			service = val
		}
	}
	return realm, service
}
