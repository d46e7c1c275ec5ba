package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	units "github.com/docker/go-units"
	"github.com/gosimple/slug"

	"code-arena-system/models"
	"code-arena-system/utils"
)

// ContainerBuilder turns a verified submission into a resource-bounded Docker
// image. The submission's own Dockerfile is never trusted: the per-language
// Dockerfile from DOCKERFILE_PATH is copied over it first.
type ContainerBuilder struct {
	Docker         *client.Client
	DockerfilePath string
	LogfilePath    string
	NanoCPUs       int64
	MemoryBytes    int64
}

func NewContainerBuilder(docker *client.Client) *ContainerBuilder {
	dockerfilePath := os.Getenv("DOCKERFILE_PATH")
	if dockerfilePath == "" {
		dockerfilePath = "/per_language_dockerfiles"
	}
	logfilePath := os.Getenv("LOGFILE_PATH")
	if logfilePath == "" {
		logfilePath = "/tmp/arena_logfiles"
	}

	return &ContainerBuilder{
		Docker:         docker,
		DockerfilePath: dockerfilePath,
		LogfilePath:    logfilePath,
		NanoCPUs:       containerNanoCPUs(),
		MemoryBytes:    containerMemoryBytes(),
	}
}

// NewDockerClient connects to the local Docker daemon. An unreachable daemon
// is a resource-exhaustion condition: the arena must stop claiming work.
func NewDockerClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return cli, nil
}

// ImageTag derives the deterministic image reference for a submission, so a
// rebuilt worker finds images built before a crash.
func ImageTag(teamName string, sub *models.Submission) string {
	return fmt.Sprintf("arena/%s:v%d", slug.Make(teamName), sub.Version)
}

// ImageExists checks whether a submission image is already present.
func (b *ContainerBuilder) ImageExists(ctx context.Context, tag string) (bool, error) {
	images, err := b.Docker.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", tag)),
	})
	if err != nil {
		return false, err
	}
	return len(images) > 0, nil
}

// Build produces the submission's container image. The full build output is
// captured and returned regardless of success — a failed build log is an
// artifact too. Build failures are terminal for this submission attempt
// (ErrBuild), never retried automatically.
func (b *ContainerBuilder) Build(ctx context.Context, sub *models.Submission, teamName, clientDir string) (string, []byte, error) {
	tag := ImageTag(teamName, sub)

	exists, err := b.ImageExists(ctx, tag)
	if err != nil {
		return "", nil, fmt.Errorf("failed to list images: %w", err)
	}
	if exists {
		log.Printf("%s already built", tag)
		return tag, []byte("image already built\n"), nil
	}

	safeDockerfile := filepath.Join(b.DockerfilePath, sub.Language, "Dockerfile")
	if _, err := os.Stat(safeDockerfile); err != nil {
		return "", nil, fmt.Errorf("no Dockerfile for language %q at %s: %w", sub.Language, safeDockerfile, err)
	}
	if err := utils.CopyFile(safeDockerfile, filepath.Join(clientDir, "Dockerfile")); err != nil {
		return "", nil, fmt.Errorf("failed to copy dockerfile: %w", err)
	}

	buildCtx, err := archive.TarWithOptions(clientDir, &archive.TarOptions{})
	if err != nil {
		return "", nil, fmt.Errorf("failed to tar build context: %w", err)
	}
	defer buildCtx.Close()

	log.Printf("building image %s for submission %s", tag, sub.ID)
	resp, err := b.Docker.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		CPUQuota:    b.NanoCPUs / 10000, // quota is in 1/100000ths of a CPU-second
		Memory:      b.MemoryBytes,
		MemorySwap:  b.MemoryBytes, // no swap headroom
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBuild, err)
	}
	defer resp.Body.Close()

	buildLog, streamErr := b.captureBuildLog(sub.ID, resp.Body)

	exists, err = b.ImageExists(ctx, tag)
	if err != nil {
		return "", buildLog, fmt.Errorf("failed to list images: %w", err)
	}
	if streamErr != nil || !exists {
		return "", buildLog, fmt.Errorf("%w: submission %s: %v", ErrBuild, sub.ID, streamErr)
	}

	return tag, buildLog, nil
}

// captureBuildLog decodes the daemon's JSON build stream into plain text,
// mirrored to a logfile on disk. The returned error is the in-stream build
// error, if any.
func (b *ContainerBuilder) captureBuildLog(submissionID string, stream io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	var sink io.Writer = &buf

	if err := utils.EnsureDir(b.LogfilePath); err == nil {
		logfile, err := os.Create(b.BuildLogPath(submissionID))
		if err == nil {
			defer logfile.Close()
			sink = io.MultiWriter(&buf, logfile)
		}
	}

	err := jsonmessage.DisplayJSONMessagesStream(stream, sink, 0, false, nil)
	return buf.Bytes(), err
}

func (b *ContainerBuilder) BuildLogPath(submissionID string) string {
	return filepath.Join(b.LogfilePath, fmt.Sprintf("dockerbuild_%s", submissionID))
}

func containerMemoryBytes() int64 {
	raw := os.Getenv("CONTAINER_RAM")
	if raw == "" {
		raw = "1g"
	}
	ram, err := units.RAMInBytes(raw)
	if err != nil || ram <= 0 {
		log.Printf("⚠️  Invalid CONTAINER_RAM %q, using 1g", raw)
		ram, _ = units.RAMInBytes("1g")
	}
	return ram
}

func containerNanoCPUs() int64 {
	raw := os.Getenv("CONTAINER_CPU")
	if raw == "" {
		raw = "0.5"
	}
	cpus, err := strconv.ParseFloat(raw, 64)
	if err != nil || cpus <= 0 {
		log.Printf("⚠️  Invalid CONTAINER_CPU %q, using 0.5", raw)
		cpus = 0.5
	}
	return int64(cpus * 1e9)
}
