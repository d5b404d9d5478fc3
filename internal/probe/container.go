// container.go adapts a Docker-socket-auto-detection-plus-container-
// listing shape into a best-effort enricher: "which container, if any,
// publishes this host port?" Every running container is a candidate,
// because a conflicting port can belong to any container, managed by
// this daemon or not.
package probe

import (
	"context"
	"errors"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/mateoortiz/portguardd/internal/model"
)

var (
	errUnsupportedPlatform  = errors.New("probe: unsupported platform for docker socket detection")
	errDockerSocketNotFound = errors.New("probe: no docker socket found")
)

// dockerPingTimeout bounds the initial connectivity check.
const dockerPingTimeout = 5 * time.Second

// containerCacheTTL bounds how long a published-port snapshot is reused
// before ContainerEnricher re-queries the Docker API, so that a burst of
// Describe/Scan calls during one reconciliation tick does not each pay
// a full ContainerList round-trip.
const containerCacheTTL = 2 * time.Second

// ContainerEnricher best-effort-attributes a listening port to the
// Docker container that published it, by asking the Docker Engine API
// for every running container's port bindings.
//
// Construction never fails hard: if no Docker socket is found, or the
// daemon does not respond, NewContainerEnricher returns (nil, err) and
// callers (cmd/portguardd) are expected to proceed without it — Docker
// enrichment is a diagnostic nicety, not a dependency of port allocation.
type ContainerEnricher struct {
	inner *client.Client
	log   *zap.SugaredLogger

	mu        sync.Mutex
	cache     map[int]containerBinding // hostPort -> binding
	cachedAt  time.Time
}

// containerBinding names the container that publishes a given host port.
type containerBinding struct {
	name  string
	image string
}

// NewContainerEnricher auto-detects the Docker socket and verifies
// connectivity with one bounded Ping. Returns an error if no socket is
// found or the daemon does not respond — the caller should treat this
// as "enrichment unavailable," not as a fatal startup condition.
func NewContainerEnricher(log *zap.SugaredLogger) (*ContainerEnricher, error) {
	host := os.Getenv("DOCKER_HOST")
	var err error
	if host == "" {
		host, err = detectDockerHost()
		if err != nil {
			return nil, err
		}
	}

	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), dockerPingTimeout)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}

	return &ContainerEnricher{inner: cli, log: log}, nil
}

// detectDockerHost probes known socket paths per platform.
func detectDockerHost() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return detectUnixSocket([]string{"/var/run/docker.sock"})
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return detectUnixSocket([]string{"/var/run/docker.sock"})
		}
		return detectUnixSocket([]string{
			"/var/run/docker.sock",
			homeDir + "/.docker/run/docker.sock",
		})
	case "windows":
		pipePath := `//./pipe/docker_engine`
		conn, err := net.DialTimeout("pipe", pipePath, 1*time.Second)
		if err == nil {
			conn.Close()
			return "npipe://" + pipePath, nil
		}
		return "", err
	default:
		return "", errUnsupportedPlatform
	}
}

func detectUnixSocket(paths []string) (string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, nil
		}
	}
	return "", errDockerSocketNotFound
}

// Close releases the underlying Docker client.
func (e *ContainerEnricher) Close() error {
	if e.inner != nil {
		return e.inner.Close()
	}
	return nil
}

// refresh re-lists running containers and rebuilds the host-port ->
// binding cache, if the cache is older than containerCacheTTL. Failures
// are logged and leave the previous cache in place — best effort.
func (e *ContainerEnricher) refresh(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if time.Since(e.cachedAt) < containerCacheTTL && e.cache != nil {
		return
	}

	containers, err := e.inner.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		if e.log != nil {
			e.log.Debugw("container enrichment: list failed", "error", err)
		}
		return
	}

	cache := make(map[int]containerBinding)
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		for _, p := range c.Ports {
			if p.PublicPort == 0 {
				continue
			}
			cache[int(p.PublicPort)] = containerBinding{name: name, image: c.Image}
		}
	}

	e.cache = cache
	e.cachedAt = time.Now()
}

// Enrich fills obs.ProcessName/obs.Command from the container that
// publishes obs.Port, if any. It overwrites only when a binding is
// found, leaving a non-container observation untouched: lsof/netstat/ss
// already named the process (typically dockerd's proxy or containerd-shim),
// and a matched container name is strictly more useful.
func (e *ContainerEnricher) Enrich(ctx context.Context, obs *model.Observation) {
	if e == nil || obs == nil {
		return
	}

	e.refresh(ctx)

	e.mu.Lock()
	binding, ok := e.cache[obs.Port]
	e.mu.Unlock()
	if !ok {
		return
	}

	obs.ProcessName = "docker:" + binding.name
	obs.Command = binding.image
	if svc := inferServiceType(binding.name, binding.image); svc != "" {
		obs.InferredService = svc
	}
	obs.InferredInstanceID = inferInstanceID(binding.name)
}
