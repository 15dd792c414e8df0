package toolchain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/tee-module-deployer/interfaces"
)

// CommandToolchain builds modules with cargo, the Fortanix EDP tools and the
// Sancus compiler, all invoked through a Runner.
type CommandToolchain struct {
	cfg    Config
	runner interfaces.Runner
	log    *slog.Logger
}

func NewCommandToolchain(cfg Config, runner interfaces.Runner, log *slog.Logger) *CommandToolchain {
	return &CommandToolchain{cfg: cfg, runner: runner, log: log}
}

func (t *CommandToolchain) Build(ctx context.Context, req interfaces.BuildRequest) (string, error) {
	t.log.Info("Building module", "module", req.Module, "family", req.Family)

	switch req.Family {
	case "sancus":
		return t.buildSancus(ctx, req)
	case "sgx":
		return t.buildCargo(ctx, req, t.cfg.SGXTarget)
	case "native":
		return t.buildCargo(ctx, req, "")
	default:
		return "", fmt.Errorf("no build rule for family %q", req.Family)
	}
}

func (t *CommandToolchain) buildCargo(ctx context.Context, req interfaces.BuildRequest, target string) (string, error) {
	args := argv(t.cfg.Cargo, "build", "--manifest-path", filepath.Join(req.OutputDir, "Cargo.toml"))
	if t.cfg.BuildMode == "release" {
		args = append(args, "--release")
	}
	if target != "" {
		args = append(args, "--target", target)
	}
	if len(req.Features) > 0 {
		args = append(args, "--features", strings.Join(req.Features, ","))
	}

	if _, err := t.runner.Run(ctx, req.OutputDir, args...); err != nil {
		return "", fmt.Errorf("could not build %s: %w", req.Module, err)
	}

	if target == "" {
		return filepath.Join(req.OutputDir, "target", t.cfg.BuildMode, req.Module), nil
	}
	return filepath.Join(req.OutputDir, "target", target, t.cfg.BuildMode, req.Module), nil
}

func (t *CommandToolchain) buildSancus(ctx context.Context, req interfaces.BuildRequest) (string, error) {
	if len(req.Files) == 0 {
		return "", fmt.Errorf("sancus module %s has no source files", req.Module)
	}
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return "", err
	}

	objects := make([]string, 0, len(req.Files))
	for _, file := range req.Files {
		object := filepath.Join(req.OutputDir, strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))+".o")
		args := argv(t.cfg.SancusCC, req.CFlags...)
		args = append(args, "-c", "-o", object, file)
		if _, err := t.runner.Run(ctx, req.OutputDir, args...); err != nil {
			return "", fmt.Errorf("could not compile %s: %w", file, err)
		}
		objects = append(objects, object)
	}

	binary := filepath.Join(req.OutputDir, req.Module+".elf")
	args := argv(t.cfg.SancusLD, req.LDFlags...)
	args = append(args, "--standalone", "-o", binary)
	args = append(args, objects...)
	if _, err := t.runner.Run(ctx, req.OutputDir, args...); err != nil {
		return "", fmt.Errorf("could not link %s: %w", req.Module, err)
	}

	return binary, nil
}

func (t *CommandToolchain) ConvertSign(ctx context.Context, binary string, vendorKey string) (interfaces.SignedImage, error) {
	image := interfaces.SignedImage{
		SGXS:      binary + ".sgxs",
		Signature: binary + ".sig",
	}
	dir := filepath.Dir(binary)

	convert := argv(t.cfg.ELF2SGXS, binary,
		"--heap-size", t.cfg.EnclaveHeap,
		"--stack-size", t.cfg.EnclaveSize,
		"--threads", t.cfg.Threads,
		"--debug")
	if _, err := t.runner.Run(ctx, dir, convert...); err != nil {
		return interfaces.SignedImage{}, fmt.Errorf("could not convert %s: %w", binary, err)
	}

	sign := argv(t.cfg.SGXSSign, "--key", vendorKey, image.SGXS, image.Signature,
		"-d", "--xfrm", "7/0", "--isvprodid", "0", "--isvsvn", "0")
	if _, err := t.runner.Run(ctx, dir, sign...); err != nil {
		return interfaces.SignedImage{}, fmt.Errorf("could not sign %s: %w", image.SGXS, err)
	}

	return image, nil
}

// Link places the module at the addresses chosen by the node.
func (t *CommandToolchain) Link(ctx context.Context, binary string, symtab string) (string, error) {
	linked := strings.TrimSuffix(binary, filepath.Ext(binary)) + "-linked.elf"

	args := argv(t.cfg.SancusLD, "--inline-arithmetics", "-T", symtab, "-o", linked, binary)
	if _, err := t.runner.Run(ctx, filepath.Dir(binary), args...); err != nil {
		return "", fmt.Errorf("could not relink %s: %w", binary, err)
	}
	return linked, nil
}
