package imagesync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Mode selects the failure policy for Ensure.
type Mode int

const (
	// Blocking is used at worker startup: with no usable local image, a
	// refresh failure is fatal.
	Blocking Mode = iota
	// BestEffort is used before each job: failures are logged and the
	// existing image keeps serving.
	BestEffort
)

// Config wires a Refresher.
type Config struct {
	// OCIRef is the remote image reference (registry/repo:tag or @digest).
	OCIRef string
	// SIFURL, when set, is a direct HTTPS download location for the image
	// and takes the place of a runtime-driven pull.
	SIFURL string
	// ImagePath is where the image lives on disk. The digest sidecar is
	// ImagePath + ".digest".
	ImagePath string
	// ApptainerBin invokes the container runtime for OCI pulls.
	ApptainerBin string

	Username string
	Password string

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Refresher resolves the remote digest and installs a new image when the
// sidecar disagrees. Safe for concurrent use; pulls are serialized.
type Refresher struct {
	ociRef   string
	sifURL   string
	image    string
	bin      string
	username string
	password string

	// registryBase overrides https://<registry> for tests.
	registryBase string

	http   *http.Client
	logger *zap.Logger

	mu sync.Mutex

	// runCommand executes the runtime pull; swapped in tests.
	runCommand func(ctx context.Context, name string, args ...string) error
}

func New(cfg Config) *Refresher {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bin := cfg.ApptainerBin
	if bin == "" {
		bin = "apptainer"
	}
	r := &Refresher{
		ociRef:   cfg.OCIRef,
		sifURL:   cfg.SIFURL,
		image:    cfg.ImagePath,
		bin:      bin,
		username: cfg.Username,
		password: cfg.Password,
		http:     hc,
		logger:   logger,
	}
	r.runCommand = func(ctx context.Context, name string, args ...string) error {
		cmd := exec.CommandContext(ctx, name, args...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
	return r
}

// SidecarPath returns the digest sidecar location for the image.
func (r *Refresher) SidecarPath() string { return r.image + ".digest" }

func (r *Refresher) localDigest() string {
	b, err := os.ReadFile(r.SidecarPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (r *Refresher) imageExists() bool {
	info, err := os.Stat(r.image)
	return err == nil && info.Size() > 0
}

// Ensure brings the local image up to date with the remote digest.
//
// Resolution failure with a usable local image logs and keeps the stale
// image. With no local image, one unconditional pull is attempted before
// the error is surfaced (fatal only in Blocking mode by the caller's
// choice; the returned error is the same either way).
func (r *Refresher) Ensure(ctx context.Context, mode Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ociRef == "" && r.sifURL == "" {
		if r.imageExists() {
			return nil
		}
		return fmt.Errorf("imagesync: no image at %s and no remote reference configured", r.image)
	}

	remote, err := r.remoteDigest(ctx)
	if err != nil {
		if r.imageExists() {
			r.logger.Warn("digest resolution failed; continuing with existing image",
				zap.String("image", r.image), zap.Error(err))
			return nil
		}
		r.logger.Warn("digest resolution failed with no local image; attempting unconditional pull",
			zap.Error(err))
		if pullErr := r.pull(ctx, ""); pullErr != nil {
			return fmt.Errorf("imagesync: resolve digest: %v; unconditional pull: %w", err, pullErr)
		}
		return nil
	}

	if remote == r.localDigest() && r.imageExists() {
		r.logger.Debug("image digest unchanged", zap.String("digest", remote))
		return nil
	}

	if err := r.pull(ctx, remote); err != nil {
		if r.imageExists() {
			r.logger.Warn("image pull failed; continuing with existing image", zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

func (r *Refresher) remoteDigest(ctx context.Context) (string, error) {
	if r.ociRef == "" {
		// SIF-URL-only deployments have no manifest to probe; a recorded
		// sidecar digest stands in for the remote one. Without one this
		// fails, so Ensure keeps an existing image as it is and pulls only
		// when no image exists.
		if r.imageExists() && r.localDigest() != "" {
			return r.localDigest(), nil
		}
		return "", fmt.Errorf("imagesync: no digest source for %s", r.sifURL)
	}
	ref, err := ParseReference(r.ociRef)
	if err != nil {
		return "", err
	}
	return r.resolveDigest(ctx, ref)
}

// pull installs a fresh image: download or runtime pull into ImagePath.tmp,
// atomic rename over ImagePath, then write the sidecar. The sidecar is
// written last so a crash never leaves it ahead of the image.
func (r *Refresher) pull(ctx context.Context, digest string) error {
	tmp := r.image + ".tmp"
	defer func() { _ = os.Remove(tmp) }()

	var err error
	if r.sifURL != "" {
		err = r.download(ctx, tmp)
	} else {
		err = r.runtimePull(ctx, tmp, digest)
	}
	if err != nil {
		return err
	}

	if err := os.Rename(tmp, r.image); err != nil {
		return fmt.Errorf("imagesync: install image: %w", err)
	}
	if digest != "" {
		if err := os.WriteFile(r.SidecarPath(), []byte(digest+"\n"), 0o644); err != nil {
			return fmt.Errorf("imagesync: write digest sidecar: %w", err)
		}
	} else {
		// Unconditional pull with unknown digest: drop any stale sidecar so
		// the next successful resolution forces a verification pull.
		_ = os.Remove(r.SidecarPath())
	}
	r.logger.Info("image installed", zap.String("image", r.image), zap.String("digest", digest))
	return nil
}

func (r *Refresher) runtimePull(ctx context.Context, dest, digest string) error {
	ref := r.ociRef
	if digest != "" {
		if parsed, err := ParseReference(r.ociRef); err == nil {
			parsed.Digest = digest
			parsed.Tag = ""
			ref = parsed.String()
		}
	}
	if err := r.runCommand(ctx, r.bin, "pull", "--force", dest, "docker://"+ref); err != nil {
		return fmt.Errorf("imagesync: runtime pull: %w", err)
	}
	return nil
}

func (r *Refresher) download(ctx context.Context, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.sifURL, nil)
	if err != nil {
		return fmt.Errorf("imagesync: build download request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("imagesync: download image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("imagesync: image download returned HTTP %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("imagesync: create temp image: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("imagesync: write temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("imagesync: close temp image: %w", err)
	}
	return nil
}
