package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const chromeImage = "browserless/chrome:latest"

// Instance is one running Chrome container backing a managed tab
type Instance struct {
	ContainerID string
	TabID       string
	ConnectURL  string
	Port        string
}

// Pool launches and stops Chrome containers for managed tabs
type Pool struct {
	client         *client.Client
	viewportWidth  int
	viewportHeight int
}

// NewPool creates a docker-backed pool with a fixed capture viewport
func NewPool(viewportWidth, viewportHeight int) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Pool{
		client:         cli,
		viewportWidth:  viewportWidth,
		viewportHeight: viewportHeight,
	}, nil
}

// Launch starts a Chrome container for the tab and resolves its
// DevTools websocket URL once the debugger endpoint answers.
func (p *Pool) Launch(ctx context.Context, tabID string) (*Instance, error) {
	containerConfig := &container.Config{
		Image: chromeImage,
		Labels: map[string]string{
			"tab-id":     tabID,
			"managed-by": "snaprelay",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
			fmt.Sprintf("DEFAULT_LAUNCH_ARGS=[\"--window-size=%d,%d\"]", p.viewportWidth, p.viewportHeight),
		},
		ExposedPorts: nat.PortSet{
			"3000/tcp": struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"3000/tcp": []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: "0",
				},
			},
		},
		AutoRemove: false,
	}

	resp, err := p.client.ContainerCreate(
		ctx,
		containerConfig,
		hostConfig,
		nil,
		nil,
		fmt.Sprintf("tab-%s", tabID[:8]),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	port := inspect.NetworkSettings.Ports["3000/tcp"][0].HostPort

	connectURL, err := p.waitForDebugger(port)
	if err != nil {
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	return &Instance{
		ContainerID: resp.ID,
		TabID:       tabID,
		ConnectURL:  connectURL,
		Port:        port,
	}, nil
}

// Stop halts and removes the tab's container
func (p *Pool) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	stopOptions := container.StopOptions{
		Timeout: &timeout,
	}

	if err := p.client.ContainerStop(ctx, containerID, stopOptions); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	return nil
}

// IsHealthy reports whether the tab's container is still running
func (p *Pool) IsHealthy(ctx context.Context, containerID string) bool {
	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

// EnsureImage pulls the Chrome image if it is not available locally
func (p *Pool) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == chromeImage {
				return nil
			}
		}
	}

	reader, err := p.client.ImagePull(ctx, chromeImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Pool) Close() error {
	return p.client.Close()
}

// waitForDebugger polls /json/version until the DevTools endpoint
// answers, then returns its websocket URL.
func (p *Pool) waitForDebugger(port string) (string, error) {
	url := fmt.Sprintf("http://localhost:%s/json/version", port)
	maxRetries := 20 // 10 seconds total (20 * 500ms)

	for i := 0; i < maxRetries; i++ {
		resp, err := http.Get(url)
		if err == nil {
			if resp.StatusCode == http.StatusOK {
				var version struct {
					WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
				}
				decodeErr := json.NewDecoder(resp.Body).Decode(&version)
				resp.Body.Close()
				if decodeErr == nil && version.WebSocketDebuggerURL != "" {
					return version.WebSocketDebuggerURL, nil
				}
				// Fall back to the root websocket the proxy exposes
				return fmt.Sprintf("ws://localhost:%s", port), nil
			}
			resp.Body.Close()
		}
		time.Sleep(500 * time.Millisecond)
	}

	return "", fmt.Errorf("browser did not become ready after %d retries", maxRetries)
}
