package steps

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

type fakeImageAPI struct {
	buildStream string
	pushStream  string
	buildOpts   build.ImageBuildOptions
	pushRef     string
	pushAuth    string
	closed      bool
}

func (f *fakeImageAPI) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	_, _ = io.Copy(io.Discard, buildContext)
	f.buildOpts = options
	return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.buildStream))}, nil
}

func (f *fakeImageAPI) ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
	f.pushRef = ref
	f.pushAuth = options.RegistryAuth
	return io.NopCloser(strings.NewReader(f.pushStream)), nil
}

func (f *fakeImageAPI) Close() error {
	f.closed = true
	return nil
}

type testPlatform struct{}

func (testPlatform) Name() string { return "local" }
func (testPlatform) Host() string { return "" }

type testRegistry struct{}

func (testRegistry) Endpoint() string { return "registry.example.com" }
func (testRegistry) Repository(name string) string {
	return "registry.example.com/shop/" + name
}
func (testRegistry) Credentials(ctx context.Context) (engine.RegistryCredentials, error) {
	return engine.RegistryCredentials{Username: "ci", Password: "s3cret", ServerAddress: "registry.example.com"}, nil
}

func newImageStep(t *testing.T, api *fakeImageAPI) (*ImageStep, string) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))

	return &ImageStep{
		Name:       "api",
		Tag:        "v1.2.0",
		ContextDir: dir,
		Dockerfile: "Dockerfile",
		BuildArgs:  map[string]string{"VERSION": "1.2.0"},
		Platform:   testPlatform{},
		Registry:   testRegistry{},
		Clients:    func(host string) (ImageAPI, error) { return api, nil },
	}, dir
}

func TestImageStep_BuildAndPush(t *testing.T) {
	api := &fakeImageAPI{
		buildStream: `{"stream":"Step 1/1 : FROM scratch\n"}` + "\n" + `{"stream":"Successfully built 1234\n"}`,
		pushStream:  `{"status":"Pushed"}` + "\n" + `{"aux":{"Tag":"v1.2.0","Digest":"sha256:abc123","Size":512}}`,
	}
	step, _ := newImageStep(t, api)

	outcome := step.Execute(context.Background(), engine.StepInput{})
	require.True(t, outcome.Success, "unexpected failure: %v", outcome.Err)
	assert.Equal(t, "registry.example.com/shop/api@sha256:abc123", outcome.Output)

	assert.Equal(t, []string{"registry.example.com/shop/api:v1.2.0"}, api.buildOpts.Tags)
	require.NotNil(t, api.buildOpts.BuildArgs["VERSION"])
	assert.Equal(t, "1.2.0", *api.buildOpts.BuildArgs["VERSION"])
	assert.Equal(t, "registry.example.com/shop/api:v1.2.0", api.pushRef)
	assert.True(t, api.closed)

	raw, err := base64.URLEncoding.DecodeString(api.pushAuth)
	require.NoError(t, err)
	var auth registry.AuthConfig
	require.NoError(t, json.Unmarshal(raw, &auth))
	assert.Equal(t, "ci", auth.Username)
}

func TestImageStep_BuildErrorInStream(t *testing.T) {
	api := &fakeImageAPI{
		buildStream: `{"errorDetail":{"message":"failed to solve: toomanyrequests: rate limit"},"error":"failed to solve: toomanyrequests: rate limit"}`,
	}
	step, _ := newImageStep(t, api)

	outcome := step.Execute(context.Background(), engine.StepInput{})
	require.False(t, outcome.Success)
	assert.True(t, engine.IsThrottled(outcome.Err))
	assert.True(t, outcome.Retryable)
	assert.Empty(t, api.pushRef)
}

func TestImageStep_RequiresCollaborators(t *testing.T) {
	step := &ImageStep{Name: "api"}
	outcome := step.Execute(context.Background(), engine.StepInput{})

	require.False(t, outcome.Success)
	assert.True(t, engine.IsConfiguration(outcome.Err))
}

func TestImageStep_Reference(t *testing.T) {
	step := &ImageStep{Name: "worker", Registry: testRegistry{}}
	assert.Equal(t, "registry.example.com/shop/worker:latest", step.Reference())
}
