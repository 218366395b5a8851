// Package nixpacks synthesizes a Dockerfile for apps that ship without one,
// by invoking the nixpacks CLI over the checked-out source tree.
package nixpacks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/prezel/prezel/pkg/log"
)

// WriteDockerfile runs plan generation for dir and leaves a Dockerfile at
// its root, ready for a regular image build. The env set is visible to the
// plan providers so framework detection can read feature flags.
func WriteDockerfile(ctx context.Context, dir string, envs []string) error {
	args := []string{"build", dir, "--out", dir}
	for _, env := range envs {
		args = append(args, "--env", env)
	}

	cmd := exec.CommandContext(ctx, "nixpacks", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return fmt.Errorf("nixpacks plan failed: %s", lastLine(detail))
		}
		return fmt.Errorf("nixpacks plan failed: %w", err)
	}

	// nixpacks leaves its output under .nixpacks, the image build expects
	// the Dockerfile at the context root
	generated := filepath.Join(dir, ".nixpacks", "Dockerfile")
	if _, err := os.Stat(generated); err != nil {
		return fmt.Errorf("nixpacks did not produce a Dockerfile: %w", err)
	}
	if err := os.Rename(generated, filepath.Join(dir, "Dockerfile")); err != nil {
		return fmt.Errorf("failed to move generated Dockerfile: %w", err)
	}
	logger := log.WithComponent("nixpacks")
	logger.Debug().Str("dir", dir).Msg("generated Dockerfile")
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return s
}
