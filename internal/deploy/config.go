package deploy

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/shellcrate/shellcrate/internal/action"
)

// PullPolicy controls when the deployment pulls its image.
type PullPolicy string

const (
	PullNever   PullPolicy = "never"
	PullAlways  PullPolicy = "always"
	PullMissing PullPolicy = "missing"
)

const (
	DefaultImage            = "python:3.11"
	DefaultMemory           = "8g"
	DefaultCPUs             = 2.0
	DefaultAutoClearMinutes = 120
)

// Config describes one docker-backed sandbox deployment.
type Config struct {
	Image         string     `yaml:"image" json:"image"`
	ContainerName string     `yaml:"container_name" json:"container_name,omitempty"`
	Pull          PullPolicy `yaml:"pull" json:"pull,omitempty"`
	Memory        string     `yaml:"memory" json:"memory,omitempty"`
	CPUs          float64    `yaml:"cpus" json:"cpus,omitempty"`
	// Platform selects the image platform. It may alternatively be supplied
	// through DockerArgs as "--platform X" or "--platform=X"; supplying both
	// is a configuration error.
	Platform string `yaml:"platform" json:"platform,omitempty"`
	// DockerArgs are passed through to docker run verbatim.
	DockerArgs []string `yaml:"docker_args" json:"docker_args,omitempty"`
	// AutoClearMinutes is how long an idle container lives before the admin
	// tier reclaims it.
	AutoClearMinutes int `yaml:"auto_clear_minutes" json:"auto_clear_minutes,omitempty"`
}

// Resolve applies defaults, extracts a platform supplied via DockerArgs, and
// validates the image reference. The input value is not mutated.
func (c Config) Resolve() (Config, error) {
	out := c
	if strings.TrimSpace(out.Image) == "" {
		out.Image = DefaultImage
	}
	if out.Pull == "" {
		out.Pull = PullMissing
	}
	switch out.Pull {
	case PullNever, PullAlways, PullMissing:
	default:
		return Config{}, action.Validationf("invalid pull policy %q", out.Pull)
	}
	if strings.TrimSpace(out.Memory) == "" {
		out.Memory = DefaultMemory
	}
	if out.CPUs == 0 {
		out.CPUs = DefaultCPUs
	}
	if out.AutoClearMinutes == 0 {
		out.AutoClearMinutes = DefaultAutoClearMinutes
	}

	argPlatform, found := platformFromDockerArgs(out.DockerArgs)
	if found {
		if strings.TrimSpace(out.Platform) != "" {
			return Config{}, action.Validationf("platform specified both explicitly (%q) and via docker_args", out.Platform)
		}
		out.Platform = argPlatform
		out.DockerArgs = stripPlatformArgs(out.DockerArgs)
	}

	if _, err := name.ParseReference(out.Image); err != nil {
		return Config{}, action.Validationf("invalid image reference %q: %v", out.Image, err)
	}
	return out, nil
}

// platformFromDockerArgs scans for "--platform X" or "--platform=X".
func platformFromDockerArgs(args []string) (string, bool) {
	for i, arg := range args {
		if arg == "--platform" {
			if i+1 < len(args) {
				return args[i+1], true
			}
			return "", true
		}
		if rest, ok := strings.CutPrefix(arg, "--platform="); ok {
			return rest, true
		}
	}
	return "", false
}

// stripPlatformArgs removes the platform entries so the extracted value is
// not passed to docker twice.
func stripPlatformArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--platform" {
			i++
			continue
		}
		if strings.HasPrefix(args[i], "--platform=") {
			continue
		}
		out = append(out, args[i])
	}
	return out
}

// runArgs renders the docker run arguments for the resolved config. The
// caller appends the container name and image.
func (c Config) runArgs() []string {
	args := []string{"run", "--detach"}
	if c.Memory != "" {
		args = append(args, "--memory", c.Memory)
	}
	if c.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%g", c.CPUs))
	}
	if c.Platform != "" {
		args = append(args, "--platform", c.Platform)
	}
	args = append(args, c.DockerArgs...)
	return args
}
