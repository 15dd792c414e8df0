package toolchain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ruteri/tee-module-deployer/interfaces"
)

// CommandGenerator runs the per-family code generator and parses the
// interface ids it prints as JSON on stdout.
type CommandGenerator struct {
	cfg    Config
	runner interfaces.Runner
	log    *slog.Logger
}

func NewCommandGenerator(cfg Config, runner interfaces.Runner, log *slog.Logger) *CommandGenerator {
	return &CommandGenerator{cfg: cfg, runner: runner, log: log}
}

func (g *CommandGenerator) Generate(ctx context.Context, req interfaces.GenerateRequest) (*interfaces.GeneratedInterfaces, error) {
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return nil, err
	}

	args, err := g.args(req)
	if err != nil {
		return nil, err
	}

	out, err := g.runner.Run(ctx, req.OutputDir, args...)
	if err != nil {
		return nil, fmt.Errorf("could not generate code for %s: %w", req.Module, err)
	}

	var generated interfaces.GeneratedInterfaces
	if err := json.Unmarshal(out, &generated); err != nil {
		return nil, fmt.Errorf("could not parse generator output for %s: %w", req.Module, err)
	}

	g.log.Info("Generated code for module", "module", req.Module,
		"inputs", len(generated.Inputs),
		"outputs", len(generated.Outputs),
		"entrypoints", len(generated.Entrypoints))

	return &generated, nil
}

func (g *CommandGenerator) args(req interfaces.GenerateRequest) ([]string, error) {
	common := []string{
		"--input", req.SourceDir,
		"--output", req.OutputDir,
		"--connections", strconv.Itoa(req.Connections),
		"--print", "json",
	}

	switch req.Family {
	case "sancus":
		return argv(g.cfg.SancusGen, append(common, "--name", req.Module)...), nil
	case "sgx":
		spKeyPath := filepath.Join(req.OutputDir, "sp_pubkey.pem")
		if err := os.WriteFile(spKeyPath, req.SPKey, 0644); err != nil {
			return nil, fmt.Errorf("could not write service key: %w", err)
		}
		return argv(g.cfg.RustGen, append(common,
			"--moduleid", strconv.Itoa(int(req.ModuleID)),
			"--emport", strconv.Itoa(int(req.DeployPort)),
			"--runner", "runner_sgx",
			"--spkey", spKeyPath)...), nil
	case "native":
		return argv(g.cfg.RustGen, append(common,
			"--moduleid", strconv.Itoa(int(req.ModuleID)),
			"--emport", strconv.Itoa(int(req.DeployPort)),
			"--runner", "runner_nosgx",
			"--key", hex.EncodeToString(req.Key))...), nil
	default:
		return nil, fmt.Errorf("no generator for family %q", req.Family)
	}
}
