package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

// ImageAPI is the subset of the docker client used to build and push images.
type ImageAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	Close() error
}

// ImageClientFactory opens an ImageAPI against a build daemon host.
type ImageClientFactory func(host string) (ImageAPI, error)

// NewDockerClient connects to the daemon at host, or to the environment's
// default daemon when host is empty.
func NewDockerClient(host string) (ImageAPI, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// ImageStep builds a container image on the build platform and pushes it to
// the container registry. Its output is the pushed reference, pinned by digest
// when the registry reports one.
type ImageStep struct {
	// Name is the image name inside the registry.
	Name string
	Tag  string

	// ContextDir is the build context, relative to the session work dir
	// unless absolute.
	ContextDir string
	Dockerfile string
	BuildArgs  map[string]string

	Platform engine.BuildPlatform
	Registry engine.ContainerRegistry
	Clients  ImageClientFactory
}

// Describe implements engine.StepExecutor.
func (s *ImageStep) Describe() string {
	return fmt.Sprintf("docker build %s:%s", s.Name, s.Tag)
}

// Reference returns the fully qualified tag the step pushes.
func (s *ImageStep) Reference() string {
	repo := s.Name
	if s.Registry != nil {
		repo = s.Registry.Repository(s.Name)
	}
	tag := s.Tag
	if tag == "" {
		tag = "latest"
	}
	return repo + ":" + tag
}

// Execute implements engine.StepExecutor.
func (s *ImageStep) Execute(ctx context.Context, in engine.StepInput) engine.StepOutcome {
	if s.Platform == nil || s.Registry == nil {
		return engine.Failed(engine.NewConfigurationError("image build requires a build platform and a container registry", nil).
			WithCode(engine.ErrCodeUnsupported))
	}

	clients := s.Clients
	if clients == nil {
		clients = NewDockerClient
	}
	cli, err := clients(s.Platform.Host())
	if err != nil {
		return engine.Failed(classifyFailure("docker", "connect", err.Error(), err))
	}
	defer cli.Close()

	ref := s.Reference()
	if err := s.build(ctx, cli, resolveDir(in.WorkDir, s.ContextDir), ref); err != nil {
		return s.failed(ctx, "build", err)
	}

	digest, err := s.push(ctx, cli, ref)
	if err != nil {
		return s.failed(ctx, "push", err)
	}
	if digest == "" {
		return engine.Succeeded(ref)
	}
	return engine.Succeeded(s.Registry.Repository(s.Name) + "@" + digest)
}

func (s *ImageStep) build(ctx context.Context, cli ImageAPI, contextDir, ref string) error {
	buildContext, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return engine.NewConfigurationError(fmt.Sprintf("failed to archive build context %s", contextDir), err)
	}
	defer buildContext.Close()

	args := make(map[string]*string, len(s.BuildArgs))
	for k, v := range s.BuildArgs {
		v := v
		args[k] = &v
	}

	resp, err := cli.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        []string{ref},
		Dockerfile:  s.Dockerfile,
		BuildArgs:   args,
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, err = readStream(resp.Body)
	return err
}

func (s *ImageStep) push(ctx context.Context, cli ImageAPI, ref string) (string, error) {
	creds, err := s.Registry.Credentials(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get registry credentials: %w", err)
	}
	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Password,
		ServerAddress: creds.ServerAddress,
	})
	if err != nil {
		return "", engine.NewConfigurationError("failed to encode registry credentials", err)
	}

	body, err := cli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return "", err
	}
	defer body.Close()

	return readStream(body)
}

func (s *ImageStep) failed(ctx context.Context, op string, err error) engine.StepOutcome {
	var classified *engine.EngineError
	switch {
	case ctx.Err() != nil:
		return engine.Failed(engine.NewCancelledError("docker "+op+" cancelled", err))
	case errors.As(err, &classified):
		return engine.Failed(err)
	default:
		return engine.Failed(classifyFailure("docker", op, err.Error(), err))
	}
}

// readStream drains a daemon progress stream. It returns the digest reported
// in the push aux message, and fails on the first error message.
func readStream(r io.Reader) (string, error) {
	var digest string
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return digest, nil
			}
			return digest, engine.NewStepExecutionError("malformed daemon output", err).
				WithCode(engine.ErrCodeMalformedOutput)
		}
		if msg.Error != nil {
			return digest, errors.New(msg.Error.Message)
		}
		if msg.Aux != nil {
			var aux struct {
				Digest string `json:"Digest"`
			}
			if err := json.Unmarshal(*msg.Aux, &aux); err == nil && aux.Digest != "" {
				digest = aux.Digest
			}
		}
	}
}
