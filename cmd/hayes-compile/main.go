// Command hayes-compile precompiles Lua modules into binary chunks the bot
// loads like source modules.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/stake-plus/hayes/src/modules/script"
)

// CLI defines the command-line interface for hayes-compile.
var CLI struct {
	Compile CompileCmd `cmd:"" default:"withargs" help:"Compile .lua files to .luac"`
	Check   CheckCmd   `cmd:"" help:"Check .lua files for syntax errors without writing output"`
}

// CompileCmd writes a .luac next to each source, or into OutDir.
type CompileCmd struct {
	OutDir string   `name:"out-dir" short:"o" help:"Directory for compiled files" type:"path"`
	Files  []string `arg:"" help:"Lua source files" type:"existingfile"`
}

func (c *CompileCmd) Run(ctx *kong.Context) error {
	var errs []error
	for _, src := range c.Files {
		if !strings.EqualFold(filepath.Ext(src), script.SourceExt) {
			errs = append(errs, fmt.Errorf("%s: not a %s file", src, script.SourceExt))
			continue
		}
		dst := script.CompiledName(src)
		if c.OutDir != "" {
			dst = filepath.Join(c.OutDir, filepath.Base(dst))
		}
		if err := script.CompileFile(src, dst); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src, err))
			continue
		}
		fmt.Fprintf(ctx.Stdout, "%s -> %s\n", src, dst)
	}
	return errors.Join(errs...)
}

// CheckCmd parses each file without executing it.
type CheckCmd struct {
	Files []string `arg:"" help:"Lua source files" type:"existingfile"`
}

func (c *CheckCmd) Run(ctx *kong.Context) error {
	src := script.NewSource()
	var errs []error
	for _, path := range c.Files {
		code, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		plugin, err := src.Compile(name, path, code)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if m, ok := plugin.(*script.Module); ok {
			_ = m.Close()
		}
		fmt.Fprintf(ctx.Stdout, "%s: ok\n", path)
	}
	return errors.Join(errs...)
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("hayes-compile"),
		kong.Description("Precompile Lua modules for the hayes bot"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(ctx)
	ctx.FatalIfErrorf(err)
}
