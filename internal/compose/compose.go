// Package compose drives a session's resource group through the container
// orchestration CLI.
//
// Every session gets its own compose project, so containers, networks and
// volumes of concurrent sessions never collide. All invocations go through a
// runner.Runner and capture their output in full.
package compose

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/ashita-ai/utsushi/internal/runner"
)

// Service names defined by the resource-group file.
const (
	ServiceSource = "source"
	ServiceTarget = "target"
	ServiceLoader = "loader"
)

// inspectFormat yields the health status when the container defines a
// healthcheck and the plain state otherwise.
const inspectFormat = "{{if .State.Health}}{{.State.Health.Status}}{{else}}{{.State.Status}}{{end}}"

// Project identifies one resource group.
type Project struct {
	Name string
	File string
	Env  map[string]string // Passed to every invocation; referenced by File.
}

// ProjectName derives the resource-group name for a session. Separators are
// dropped and the first 12 hex characters kept, which is enough to keep
// concurrent sessions apart while staying readable in `docker ps`.
func ProjectName(sessionID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(sessionID) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			b.WriteRune(r)
			if b.Len() == 12 {
				break
			}
		}
	}
	return "utsushi-" + b.String()
}

// ContainerName is the name compose gives the first replica of service.
func ContainerName(project, service string) string {
	return project + "-" + service + "-1"
}

// Client runs compose commands.
type Client struct {
	runner  runner.Runner
	base    []string // compose command, e.g. ["docker", "compose"]
	inspect string   // container CLI used for inspection
	logger  *slog.Logger
}

// New creates a Client. command is split with shell quoting rules, so
// "docker compose" and "podman compose" both work.
func New(r runner.Runner, command string, logger *slog.Logger) (*Client, error) {
	base, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("compose: parse command %q: %w", command, err)
	}
	if len(base) == 0 {
		return nil, fmt.Errorf("compose: empty command")
	}
	return &Client{
		runner:  r,
		base:    base,
		inspect: strings.TrimSuffix(base[0], "-compose"),
		logger:  logger,
	}, nil
}

func (c *Client) command(p Project, extraEnv map[string]string, args ...string) runner.Command {
	full := make([]string, 0, len(c.base)+4+len(args))
	full = append(full, c.base[1:]...)
	full = append(full, "-p", p.Name)
	if p.File != "" {
		full = append(full, "-f", p.File)
	}
	full = append(full, args...)

	env := make(map[string]string, len(p.Env)+len(extraEnv))
	maps.Copy(env, p.Env)
	maps.Copy(env, extraEnv)
	return runner.Command{Name: c.base[0], Args: full, Env: env}
}

// Up starts the resource group detached. Each non-empty output line is
// passed to onLine, in order, once the command has finished.
func (c *Client) Up(ctx context.Context, p Project, onLine func(string)) error {
	c.logger.Debug("compose: up", "project", p.Name, "file", p.File)
	res, err := c.runner.Run(ctx, c.command(p, nil, "up", "-d"))
	if onLine != nil {
		for _, line := range strings.Split(res.Combined, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				onLine(line)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("compose: up %s: %w", p.Name, err)
	}
	return nil
}

// Down stops the resource group and removes its volumes and orphans.
func (c *Client) Down(ctx context.Context, p Project) error {
	c.logger.Debug("compose: down", "project", p.Name)
	if _, err := c.runner.Run(ctx, c.command(p, nil, "down", "-v", "--remove-orphans")); err != nil {
		return fmt.Errorf("compose: down %s: %w", p.Name, err)
	}
	return nil
}

// Ready reports whether service's container is healthy, or running when it
// defines no healthcheck. A container that does not exist yet is an error.
func (c *Client) Ready(ctx context.Context, p Project, service string) (bool, error) {
	name := ContainerName(p.Name, service)
	res, err := c.runner.Run(ctx, runner.Command{
		Name: c.inspect,
		Args: []string{"inspect", "--format", inspectFormat, name},
	})
	if err != nil {
		return false, fmt.Errorf("compose: inspect %s: %w", name, err)
	}
	switch strings.TrimSpace(res.Stdout) {
	case "healthy", "running":
		return true, nil
	default:
		return false, nil
	}
}

// Exec runs args inside service's running container. env values are passed
// through the process environment and named with -e, keeping them off the
// command line.
func (c *Client) Exec(ctx context.Context, p Project, service string, env map[string]string, args ...string) (runner.Result, error) {
	full := []string{"exec", "-T"}
	for _, k := range slices.Sorted(maps.Keys(env)) {
		full = append(full, "-e", k)
	}
	full = append(full, service)
	full = append(full, args...)
	res, err := c.runner.Run(ctx, c.command(p, env, full...))
	if err != nil {
		return res, fmt.Errorf("compose: exec %s: %w", service, err)
	}
	return res, nil
}

// Run starts a one-off container of service and removes it on exit.
func (c *Client) Run(ctx context.Context, p Project, service string, args ...string) (runner.Result, error) {
	full := append([]string{"run", "--rm", "-T", service}, args...)
	res, err := c.runner.Run(ctx, c.command(p, nil, full...))
	if err != nil {
		return res, fmt.Errorf("compose: run %s: %w", service, err)
	}
	return res, nil
}

// PublishedPort returns the host port that service's privatePort is
// published on.
func (c *Client) PublishedPort(ctx context.Context, p Project, service, privatePort string) (string, error) {
	res, err := c.runner.Run(ctx, c.command(p, nil, "port", service, privatePort))
	if err != nil {
		return "", fmt.Errorf("compose: port %s: %w", service, err)
	}
	addr := strings.TrimSpace(res.Stdout)
	if i := strings.IndexByte(addr, '\n'); i >= 0 {
		addr = addr[:i]
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" || port == "0" {
		return "", fmt.Errorf("compose: port %s: unexpected output %q", service, addr)
	}
	return port, nil
}
