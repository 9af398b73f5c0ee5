package autofix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const maxInstallOutput = 8 * 1024

// CommandInstaller runs a fixed argv in the manifest directory.
type CommandInstaller struct {
	Command []string
	Timeout time.Duration
}

// Install implements Installer.
func (c CommandInstaller) Install(ctx context.Context, dir string) (string, error) {
	argv := c.Command
	if len(argv) == 0 {
		argv = []string{"npm", "install"}
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if len(output) > maxInstallOutput {
		output = output[len(output)-maxInstallOutput:]
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, fmt.Errorf("install exited with code %d", exitErr.ExitCode())
		}
		return output, fmt.Errorf("install: %w", err)
	}
	return output, nil
}
