package compiler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	sourceFileSuffix = ".cl"
	argsFileName     = "kernelargs"
)

// CommandCompiler runs an external toolchain. Each compile gets a scratch
// directory holding <name>.cl and the kernelargs layout file; the command
// runs there and must leave the artifact at Output. Command elements and
// Output are templates over the same fields as WATCompiler sources.
type CommandCompiler struct {
	Command []string
	Output  string
	// WorkDir is the parent of the scratch directories, empty for os.TempDir
	WorkDir string
	Env     []string
	// KeepScratch leaves scratch directories behind for inspection
	KeepScratch bool
}

// Compile implements Compiler
func (c *CommandCompiler) Compile(ctx context.Context, req Request) ([]byte, error) {
	if len(c.Command) == 0 {
		return nil, fmt.Errorf("%w: no compiler command configured", ErrCompileFailed)
	}

	dir, err := os.MkdirTemp(c.WorkDir, "genericocl-build-")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompileFailed, err)
	}
	if !c.KeepScratch {
		defer os.RemoveAll(dir)
	}

	if err := os.WriteFile(filepath.Join(dir, req.Name+sourceFileSuffix), req.Source, 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompileFailed, err)
	}
	if err := os.WriteFile(filepath.Join(dir, argsFileName), []byte(ArgLayout(req.Args)), 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompileFailed, err)
	}

	argv := make([]string, len(c.Command))
	for i, part := range c.Command {
		if argv[i], err = expand("command", part, req); err != nil {
			return nil, fmt.Errorf("%w: command template: %v", ErrCompileFailed, err)
		}
	}
	output, err := expand("output", c.Output, req)
	if err != nil {
		return nil, fmt.Errorf("%w: output template: %v", ErrCompileFailed, err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), c.Env...)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v: %s", ErrCompileFailed, argv[0], err, bytes.TrimSpace(combined.Bytes()))
	}

	if !filepath.IsAbs(output) {
		output = filepath.Join(dir, output)
	}
	artifact, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("%w: reading artifact: %v", ErrCompileFailed, err)
	}
	if len(artifact) == 0 {
		return nil, fmt.Errorf("%w: %s produced an empty artifact", ErrCompileFailed, argv[0])
	}
	return artifact, nil
}
