// Package compiler turns kernel source into the artifact the device executes.
// Compilation happens on the host, once per kernel layout and work size.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/jackyluk/genericOCL/wasm"
)

// ErrCompileFailed wraps every compilation failure
var ErrCompileFailed = errors.New("compiler: compile failed")

// Arg is one kernel argument as laid out in device memory
type Arg struct {
	Offset uint32
	Size   uint32
}

// Request describes one compilation
type Request struct {
	Name    string
	Source  []byte
	GlobalX uint32
	GlobalY uint32
	Args    []Arg
}

// ArgLayout renders args as "offset size" lines, the layout file consumed by
// wrapper generators
func ArgLayout(args []Arg) string {
	var b strings.Builder
	for _, a := range args {
		fmt.Fprintf(&b, "%d %d\n", a.Offset, a.Size)
	}
	return b.String()
}

// Compiler produces a device artifact
type Compiler interface {
	Compile(ctx context.Context, req Request) ([]byte, error)
}

// templateData is what kernel source templates see
type templateData struct {
	Name    string
	GlobalX uint32
	GlobalY uint32
	Args    []Arg
	Layout  string
}

func expand(name string, text string, req Request) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	err = tmpl.Execute(&out, templateData{
		Name:    req.Name,
		GlobalX: req.GlobalX,
		GlobalY: req.GlobalY,
		Args:    req.Args,
		Layout:  ArgLayout(req.Args),
	})
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

// WATCompiler treats the source as a WebAssembly text template. The template
// may reference .Name, .GlobalX, .GlobalY, .Args (each with .Offset and
// .Size) and .Layout.
type WATCompiler struct{}

// Compile implements Compiler
func (WATCompiler) Compile(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(req.Source)) == 0 {
		return nil, fmt.Errorf("%w: %s: empty source", ErrCompileFailed, req.Name)
	}
	wat, err := expand(req.Name, string(req.Source), req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: template: %v", ErrCompileFailed, req.Name, err)
	}
	bin, err := wasm.Compile(wat)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCompileFailed, req.Name, err)
	}
	return bin, nil
}
