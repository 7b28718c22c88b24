package imagesync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		in      string
		want    Reference
		wantErr bool
	}{
		{
			in:   "ghcr.io/acme/runtime:v3",
			want: Reference{Registry: "ghcr.io", Repository: "acme/runtime", Tag: "v3"},
		},
		{
			in:   "docker://ghcr.io/acme/runtime",
			want: Reference{Registry: "ghcr.io", Repository: "acme/runtime", Tag: "latest"},
		},
		{
			in:   "registry.example:5000/team/img@sha256:abc123",
			want: Reference{Registry: "registry.example:5000", Repository: "team/img", Digest: "sha256:abc123"},
		},
		{in: "no-registry-host/img", wantErr: true},
		{in: "ghcr.io/acme/img@md5:zzz", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseReference(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBearerChallenge(t *testing.T) {
	realm, service := parseBearerChallenge(`Bearer realm="https://auth.example/token",service="registry.example"`)
	assert.Equal(t, "https://auth.example/token", realm)
	assert.Equal(t, "registry.example", service)

	realm, _ = parseBearerChallenge("Basic realm=x")
	assert.Empty(t, realm)
}

// fakeRegistry serves /v2/ token auth and a manifest HEAD with a settable
// digest.
type fakeRegistry struct {
	digest     string
	headCalls  atomic.Int64
	tokenCalls atomic.Int64
}

func (f *fakeRegistry) start(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/" {
			if r.Header.Get("Authorization") == "" {
				w.Header().Set("WWW-Authenticate",
					`Bearer realm="`+srv.URL+`/token",service="fake-registry"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		f.headCalls.Add(1)
		require.Equal(t, "Bearer fake-token", r.Header.Get("Authorization"))
		require.Contains(t, r.Header.Get("Accept"), "application/vnd.oci.image.manifest.v1+json")
		w.Header().Set("Docker-Content-Digest", f.digest)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		require.Equal(t, "repository:acme/runtime:pull", r.URL.Query().Get("scope"))
		_, _ = w.Write([]byte(`{"token":"fake-token"}`))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestRefresher(t *testing.T, reg *httptest.Server, dir string) (*Refresher, *atomic.Int64) {
	r := New(Config{
		OCIRef:    "registry.test/acme/runtime:v1",
		ImagePath: filepath.Join(dir, "runtime.sif"),
	})
	r.registryBase = reg.URL
	pulls := &atomic.Int64{}
	r.runCommand = func(ctx context.Context, name string, args ...string) error {
		pulls.Add(1)
		// args: pull --force <dest> docker://…
		require.Len(t, args, 4)
		return os.WriteFile(args[2], []byte("sif-bytes"), 0o644)
	}
	return r, pulls
}

func TestEnsurePullsOnDigestMismatchAndSkipsWhenCurrent(t *testing.T) {
	dir := t.TempDir()
	reg := &fakeRegistry{digest: "sha256:aaa"}
	srv := reg.start(t)
	r, pulls := newTestRefresher(t, srv, dir)

	require.NoError(t, r.Ensure(context.Background(), Blocking))
	assert.Equal(t, int64(1), pulls.Load())

	sidecar, err := os.ReadFile(r.SidecarPath())
	require.NoError(t, err)
	assert.Equal(t, "sha256:aaa\n", string(sidecar))

	// Same remote digest: second start performs no pull.
	require.NoError(t, r.Ensure(context.Background(), Blocking))
	assert.Equal(t, int64(1), pulls.Load())

	// Remote moved: pull happens and the sidecar follows.
	reg.digest = "sha256:bbb"
	require.NoError(t, r.Ensure(context.Background(), Blocking))
	assert.Equal(t, int64(2), pulls.Load())
	sidecar, err = os.ReadFile(r.SidecarPath())
	require.NoError(t, err)
	assert.Equal(t, "sha256:bbb\n", string(sidecar))
}

func TestEnsureKeepsStaleImageWhenResolutionFails(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "runtime.sif")
	require.NoError(t, os.WriteFile(image, []byte("old"), 0o644))

	r := New(Config{OCIRef: "registry.test/acme/runtime:v1", ImagePath: image})
	r.registryBase = "http://127.0.0.1:1" // unreachable
	r.runCommand = func(ctx context.Context, name string, args ...string) error {
		t.Fatal("pull must not run when a local image can serve")
		return nil
	}

	require.NoError(t, r.Ensure(context.Background(), BestEffort))
	b, err := os.ReadFile(image)
	require.NoError(t, err)
	assert.Equal(t, "old", string(b))
}

func TestEnsureUnconditionalPullWhenNoLocalImage(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{OCIRef: "registry.test/acme/runtime:v1", ImagePath: filepath.Join(dir, "runtime.sif")})
	r.registryBase = "http://127.0.0.1:1"
	pulled := false
	r.runCommand = func(ctx context.Context, name string, args ...string) error {
		pulled = true
		return os.WriteFile(args[2], []byte("fresh"), 0o644)
	}

	require.NoError(t, r.Ensure(context.Background(), Blocking))
	assert.True(t, pulled)
	assert.FileExists(t, filepath.Join(dir, "runtime.sif"))
	// Unknown digest: no sidecar may claim freshness.
	assert.NoFileExists(t, r.SidecarPath())
}

func TestEnsureFatalWhenNothingUsable(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{OCIRef: "registry.test/acme/runtime:v1", ImagePath: filepath.Join(dir, "runtime.sif")})
	r.registryBase = "http://127.0.0.1:1"
	r.runCommand = func(ctx context.Context, name string, args ...string) error {
		return assert.AnError
	}

	assert.Error(t, r.Ensure(context.Background(), Blocking))
}

func TestEnsureDownloadsFromSIFURL(t *testing.T) {
	dir := t.TempDir()
	var downloads atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		_, _ = w.Write([]byte("sif-payload"))
	}))
	t.Cleanup(srv.Close)

	image := filepath.Join(dir, "runtime.sif")
	r := New(Config{SIFURL: srv.URL + "/runtime.sif", ImagePath: image})

	require.NoError(t, r.Ensure(context.Background(), Blocking))
	assert.Equal(t, int64(1), downloads.Load())
	b, err := os.ReadFile(image)
	require.NoError(t, err)
	assert.Equal(t, "sif-payload", string(b))
}

func TestEnsureNoRemoteConfiguredUsesLocalImage(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "runtime.sif")

	r := New(Config{ImagePath: image})
	assert.Error(t, r.Ensure(context.Background(), Blocking))

	require.NoError(t, os.WriteFile(image, []byte("x"), 0o644))
	assert.NoError(t, r.Ensure(context.Background(), Blocking))
}
