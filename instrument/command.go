package instrument

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

// Container wraps the lifecycle of a Docker container as an instrumented
// Command entity (SPEC_FULL.md §3's CommandBody, grounded on
// internal/server/service/container.go's container lifecycle). A stuck
// ContainerCreate/ContainerStart call shows up the same way a stuck mutex
// acquire does: a waits-on edge from the caller's causal target to the
// Command entity for as long as the Docker API call is outstanding.
type Container struct {
	db        DB
	id        id.EntityId
	bt        id.BacktraceId
	cli       *client.Client
	name      string
	createdID string
}

// NewContainer creates a Command entity named name for a container that
// will run image, and returns a handle whose Start/Stop methods bracket
// the corresponding Docker API calls with waits-on edges.
func NewContainer(db DB, name, image string) (*Container, error) {
	cli, err := dockerClient()
	if err != nil {
		return nil, fmt.Errorf("instrument: docker client: %w", err)
	}
	cid := id.NewEntityId()
	bt, site := callerBacktrace(db, 2)
	db.UpsertEntity(rtdb.Entity{
		ID:        cid,
		Name:      name,
		Body:      rtdb.CommandBody{Program: image},
		Backtrace: bt,
		Birth:     ptime.Now(),
		Source:    site,
	})
	return &Container{db: db, id: cid, bt: bt, cli: cli, name: name}, nil
}

// ID returns the Command entity's id.
func (c *Container) ID() id.EntityId { return c.id }

// Start creates and starts the container on behalf of waiter, recording a
// waits-on edge for the duration of the (potentially slow, image-pull-bound)
// Docker API round trip.
func (c *Container) Start(ctx context.Context, waiter id.EntityId, image string, ports nat.PortSet) error {
	c.db.UpsertEdge(waiter, c.id, rtdb.EdgeWaitingOn, c.bt)
	defer c.db.RemoveEdge(waiter, c.id, rtdb.EdgeWaitingOn)

	resp, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image:        image,
		ExposedPorts: ports,
	}, &container.HostConfig{}, nil, nil, c.name)
	if err != nil {
		return fmt.Errorf("instrument: container create %s: %w", c.name, err)
	}
	c.createdID = resp.ID

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("instrument: container start %s: %w", c.name, err)
	}

	c.db.MutateEntityBody(c.id, func(rtdb.EntityBody) rtdb.EntityBody {
		return rtdb.CommandBody{Program: image}
	})
	c.db.UpsertEdge(waiter, c.id, rtdb.EdgeOwns, c.bt)
	return nil
}

// Stop stops and removes the container, marking the Command entity exited.
func (c *Container) Stop(ctx context.Context, waiter id.EntityId, timeoutSeconds int) error {
	if c.createdID == "" {
		return nil
	}
	c.db.RemoveEdge(waiter, c.id, rtdb.EdgeOwns)

	c.db.UpsertEdge(waiter, c.id, rtdb.EdgeWaitingOn, c.bt)
	defer c.db.RemoveEdge(waiter, c.id, rtdb.EdgeWaitingOn)

	secs := timeoutSeconds
	if err := c.cli.ContainerStop(ctx, c.createdID, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("instrument: container stop %s: %w", c.name, err)
	}
	if err := c.cli.ContainerRemove(ctx, c.createdID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("instrument: container remove %s: %w", c.name, err)
	}

	c.db.MutateEntityBody(c.id, func(rtdb.EntityBody) rtdb.EntityBody {
		return rtdb.CommandBody{Program: c.name, Exited: true}
	})
	return nil
}

// Close removes the Command entity without touching the underlying
// container (callers that already stopped it via Stop should still call
// Close; calling Close without a prior Stop leaves the container running,
// matching the Command entity's meaning as "the thing being observed," not
// an owner of the container's lifetime).
func (c *Container) Close() { c.db.RemoveEntity(c.id) }
