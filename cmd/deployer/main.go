package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/tee-module-deployer/cmd/flags"
	"github.com/ruteri/tee-module-deployer/deployment"
	"github.com/ruteri/tee-module-deployer/httpserver"
	"github.com/ruteri/tee-module-deployer/interfaces"
	"github.com/ruteri/tee-module-deployer/metrics"
	"github.com/ruteri/tee-module-deployer/noderesolver"
	"github.com/ruteri/tee-module-deployer/storage"
	"github.com/urfave/cli/v2"
)

var flagArchive = &cli.StringSliceFlag{
	Name:  "archive",
	Usage: "storage location URI to archive the resulting descriptor in (file, s3, ipfs, vault, github); repeatable",
}
var flagModule = &cli.StringFlag{
	Name:     "module",
	Required: true,
	Usage:    "module name",
}
var flagEntry = &cli.StringFlag{
	Name:     "entry",
	Required: true,
	Usage:    "entry point name or numeric id",
}
var flagArg = &cli.StringFlag{
	Name:  "arg",
	Usage: "hex-encoded argument",
}
var flagConnection = &cli.UintFlag{
	Name:     "connection",
	Required: true,
	Usage:    "id of a direct connection",
}
var flagNode = &cli.StringFlag{
	Name:  "node",
	Usage: "node name; pings every node if omitted",
}
var flagFrom = &cli.StringSliceFlag{
	Name:     "from",
	Required: true,
	Usage:    "storage location URI to fetch the descriptor from; repeatable",
}
var flagID = &cli.StringFlag{
	Name:     "id",
	Required: true,
	Usage:    "hex content id printed by deploy --archive",
}
var flagOutput = &cli.StringFlag{
	Name:     "output",
	Aliases:  []string{"o"},
	Required: true,
	Usage:    "file to write the fetched descriptor to",
}

func main() {
	app := &cli.App{
		Name:  "deployer",
		Usage: "Deploy and connect modules on Sancus, SGX and native nodes",
		Flags: flags.LogFlags,
		Commands: []*cli.Command{
			{
				Name:   "deploy",
				Usage:  "Build, deploy and connect every module of a descriptor",
				Flags:  descriptorFlags(flagArchive),
				Action: runDeploy,
			},
			{
				Name:   "call",
				Usage:  "Call an entry point of a module",
				Flags:  descriptorFlags(flagModule, flagEntry, flagArg),
				Action: runCall,
			},
			{
				Name:   "output",
				Usage:  "Send a value over a direct connection",
				Flags:  descriptorFlags(flagConnection, flagArg),
				Action: runOutput,
			},
			{
				Name:   "ping",
				Usage:  "Check that nodes answer",
				Flags:  descriptorFlags(flagNode),
				Action: runPing,
			},
			{
				Name:   "fetch",
				Usage:  "Restore an archived descriptor",
				Flags:  []cli.Flag{flagFrom, flagID, flagOutput},
				Action: runFetch,
			},
			{
				Name:   "serve",
				Usage:  "Serve the status and call API of a deployed system",
				Flags:  descriptorFlags(flags.ServerFlags...),
				Action: runServe,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func descriptorFlags(extra ...cli.Flag) []cli.Flag {
	out := []cli.Flag{flags.ConfigFlag, flags.ResultFlag, flags.DNSServerFlag}
	out = append(out, flags.ToolchainFlags...)
	return append(out, extra...)
}

// load reads the descriptor named by --config. deploy selects whether the
// descriptor is deployed from scratch or describes a running system.
func load(ctx context.Context, cCtx *cli.Context, logger *slog.Logger, reg *metrics.Registry, deploy bool) (*deployment.Deployment, error) {
	d, err := deployment.Load(ctx, cCtx.String(flags.ConfigFlag.Name), deployment.Options{
		Deploy:   deploy,
		Env:      flags.ConfigureEnv(cCtx, logger, reg),
		Resolver: noderesolver.New(cCtx.String(flags.DNSServerFlag.Name)),
		Log:      logger,
		Metrics:  reg,
	})
	if err != nil {
		logger.Error("Failed to load deployment", "err", err)
		return nil, err
	}
	return d, nil
}

func save(cCtx *cli.Context, d *deployment.Deployment) error {
	path := cCtx.String(flags.ResultFlag.Name)
	if path == "" {
		path = cCtx.String(flags.ConfigFlag.Name)
	}
	return d.Save(path)
}

func parseArg(cCtx *cli.Context) ([]byte, error) {
	arg, err := hex.DecodeString(cCtx.String(flagArg.Name))
	if err != nil {
		return nil, fmt.Errorf("invalid --arg: %w", err)
	}
	return arg, nil
}

func runDeploy(cCtx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := flags.SetupLogger(cCtx)
	d, err := load(ctx, cCtx, logger, metrics.NewRegistry(), true)
	if err != nil {
		return err
	}

	installErr := d.Install(ctx)
	if installErr != nil {
		logger.Error("Install failed", "err", installErr)
	}

	// Whatever was deployed before a failure is still recorded.
	if err := save(cCtx, d); err != nil {
		return errors.Join(installErr, err)
	}
	if installErr != nil {
		return installErr
	}

	uris := cCtx.StringSlice(flagArchive.Name)
	if len(uris) == 0 {
		return nil
	}

	backend, err := createBackend(logger, uris)
	if err != nil {
		return err
	}
	id, err := d.Archive(ctx, backend)
	if err != nil {
		logger.Error("Failed to archive descriptor", "err", err)
		return err
	}
	fmt.Println(id.String())
	return nil
}

func runCall(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	d, err := load(cCtx.Context, cCtx, logger, nil, false)
	if err != nil {
		return err
	}

	name := cCtx.String(flagModule.Name)
	m := d.Module(name)
	if m == nil {
		return fmt.Errorf("unknown module %q", name)
	}

	arg, err := parseArg(cCtx)
	if err != nil {
		return err
	}

	res, err := m.Call(cCtx.Context, cCtx.String(flagEntry.Name), arg)
	if err != nil {
		logger.Error("Call failed", "err", err, "module", name)
		return err
	}
	fmt.Println(hex.EncodeToString(res))
	return nil
}

func runOutput(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	d, err := load(cCtx.Context, cCtx, logger, nil, false)
	if err != nil {
		return err
	}

	id := cCtx.Uint(flagConnection.Name)
	if id > 0xffff {
		return fmt.Errorf("connection id %d out of range", id)
	}
	c := d.Connection(uint16(id))
	if c == nil {
		return fmt.Errorf("unknown connection %d", id)
	}

	value, err := parseArg(cCtx)
	if err != nil {
		return err
	}

	res, err := c.Output(cCtx.Context, value)
	if err != nil {
		logger.Error("Output failed", "err", err, "connection", id)
		return err
	}

	// The connection nonce advanced.
	if err := save(cCtx, d); err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(res))
	return nil
}

func runPing(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	d, err := load(cCtx.Context, cCtx, logger, nil, false)
	if err != nil {
		return err
	}

	if name := cCtx.String(flagNode.Name); name != "" {
		n := d.Node(name)
		if n == nil {
			return fmt.Errorf("unknown node %q", name)
		}
		if err := n.Ping(cCtx.Context); err != nil {
			return err
		}
		logger.Info("Node is up", "node", name)
		return nil
	}

	if err := httpserver.NewHandler(d, logger).PingNodes(cCtx.Context); err != nil {
		return err
	}
	logger.Info("All nodes are up", "count", len(d.Nodes))
	return nil
}

func runFetch(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	id, err := interfaces.ParseContentID(cCtx.String(flagID.Name))
	if err != nil {
		return err
	}

	backend, err := createBackend(logger, cCtx.StringSlice(flagFrom.Name))
	if err != nil {
		return err
	}

	desc, err := deployment.FetchArchived(cCtx.Context, backend, id)
	if err != nil {
		logger.Error("Failed to fetch descriptor", "err", err)
		return err
	}

	path := cCtx.String(flagOutput.Name)
	data, err := desc.Marshal(deployment.FormatForPath(path))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	logger.Info("Restored deployment descriptor", "path", path, "contentID", id.String())
	return nil
}

func runServe(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	reg := metrics.NewRegistry()

	d, err := load(cCtx.Context, cCtx, logger, reg, false)
	if err != nil {
		return err
	}

	handler := httpserver.NewHandler(d, logger).WithPersist(func(d *deployment.Deployment) error {
		return save(cCtx, d)
	})
	server, err := httpserver.New(flags.ConfigureServer(cCtx, logger, reg), handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()

	return save(cCtx, d)
}

func createBackend(logger *slog.Logger, uris []string) (interfaces.StorageBackend, error) {
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
}
