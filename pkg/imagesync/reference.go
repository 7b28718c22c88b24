// Package imagesync keeps the worker's container image in step with a
// remote OCI reference. It resolves the remote manifest digest, compares it
// against a local digest sidecar, and pulls only on mismatch. The sidecar is
// written after the image is renamed into place, never before.
package imagesync

import (
	"fmt"
	"strings"
)

// Reference is a parsed OCI image reference.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string // set when the reference is digest-pinned
}

// String reassembles the reference in canonical form.
func (r Reference) String() string {
	s := r.Registry + "/" + r.Repository
	if r.Digest != "" {
		return s + "@" + r.Digest
	}
	return s + ":" + r.Tag
}

// ParseReference parses `registry/repo[:tag]` or `registry/repo@sha256:…`.
// Scheme prefixes used by container tooling (docker://, oras://) are
// stripped first.
func ParseReference(ref string) (Reference, error) {
	ref = strings.TrimSpace(ref)
	for _, scheme := range []string{"docker://", "oras://", "https://"} {
		ref = strings.TrimPrefix(ref, scheme)
	}
	if ref == "" {
		return Reference{}, fmt.Errorf("imagesync: empty image reference")
	}

	var out Reference
	if i := strings.Index(ref, "@"); i >= 0 {
		out.Digest = ref[i+1:]
		ref = ref[:i]
		if !strings.HasPrefix(out.Digest, "sha256:") {
			return Reference{}, fmt.Errorf("imagesync: unsupported digest algorithm in %q", out.Digest)
		}
	}

	slash := strings.Index(ref, "/")
	if slash < 0 {
		return Reference{}, fmt.Errorf("imagesync: reference %q has no registry host", ref)
	}
	host := ref[:slash]
	rest := ref[slash+1:]
	if !strings.ContainsAny(host, ".:") && host != "localhost" {
		return Reference{}, fmt.Errorf("imagesync: %q does not look like a registry host", host)
	}

	if i := strings.LastIndex(rest, ":"); i >= 0 {
		out.Tag = rest[i+1:]
		rest = rest[:i]
	} else if out.Digest == "" {
		out.Tag = "latest"
	}
	if rest == "" {
		return Reference{}, fmt.Errorf("imagesync: reference %q has no repository", ref)
	}

	out.Registry = host
	out.Repository = rest
	return out, nil
}
