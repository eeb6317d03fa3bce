package instrument

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/client"
)

var (
	sharedDockerClient *client.Client
	dockerClientOnce   sync.Once
	dockerClientErr    error
)

// dockerClient returns a process-wide shared Docker client, probing common
// Docker Desktop socket locations when DOCKER_HOST is unset. Callers must
// not Close the returned client.
func dockerClient() (*client.Client, error) {
	dockerClientOnce.Do(func() {
		sharedDockerClient, dockerClientErr = newDockerClient()
	})
	return sharedDockerClient, dockerClientErr
}

func newDockerClient() (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if os.Getenv("DOCKER_HOST") == "" {
		if sock := findDockerSocket(); sock != "" {
			opts = append(opts, client.WithHost("unix://"+sock))
		}
	}
	return client.NewClientWithOpts(opts...)
}

func findDockerSocket() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	candidates := []string{"/var/run/docker.sock"}
	if home != "" {
		candidates = append(candidates,
			filepath.Join(home, ".docker", "run", "docker.sock"),
			filepath.Join(home, ".colima", "default", "docker.sock"),
		)
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}
