// Command cellard is the runnable entry point for the snapshot/lease/patch
// core: a stdio JSON-RPC server plus a couple of maintenance subcommands.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"cellar/internal/blobstore"
	"cellar/internal/config"
	"cellar/internal/lease"
	"cellar/internal/obslog"
	"cellar/internal/patch"
	"cellar/internal/snapshot"
	"cellar/internal/store"
	"cellar/internal/toolserver"
	"cellar/internal/worktree"
)

func main() {
	app := &cli.App{
		Name:  "cellard",
		Usage: "content-addressed snapshot engine and lease-based workspace tool server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Aliases: []string{"d"},
				Usage:   "catalog + blob storage root (overrides DATA_DIR)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "debug, info, warn, error",
			},
			&cli.BoolFlag{
				Name:  "log-pretty",
				Usage: "human-readable console logging instead of JSON",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the stdio JSON-RPC tool server",
				Action: serveAction,
			},
			{
				Name:   "gc",
				Usage:  "delete blobs whose catalog refcount has reached zero",
				Action: gcAction,
			},
			{
				Name:   "init",
				Usage:  "create the data directory and metadata catalog without serving",
				Action: initAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type services struct {
	meta    *store.Store
	blobs   *blobstore.Store
	paths   *store.PathIndex
	cleanup func()
}

func openServices(c *cli.Context) (*services, error) {
	dataDir := config.DataDir(c.String("data-dir"))
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	meta, err := store.Open(dataDir, store.Options{})
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	blobs, err := blobstore.New(filepath.Join(dataDir, "blobs"))
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("open blob backend: %w", err)
	}

	paths, err := store.OpenPathIndex(filepath.Join(dataDir, "pathindex"))
	if err != nil {
		blobs.Close()
		meta.Close()
		return nil, fmt.Errorf("open path index: %w", err)
	}

	return &services{
		meta:  meta,
		blobs: blobs,
		paths: paths,
		cleanup: func() {
			paths.Close()
			blobs.Close()
			meta.Close()
		},
	}, nil
}

func serveAction(c *cli.Context) error {
	logger := obslog.New(obslog.Config{Level: c.String("log-level"), Pretty: c.Bool("log-pretty")})

	svc, err := openServices(c)
	if err != nil {
		return err
	}
	defer svc.cleanup()

	leases := lease.New(svc.meta)
	snap := snapshot.New(svc.meta, svc.blobs, leases).WithPathIndex(svc.paths)
	wt := worktree.New(leases)
	patchTx := patch.New(svc.meta, svc.blobs, leases)

	srv := toolserver.New(snap, wt, patchTx, obslog.Component(logger, "toolserver"))

	logger.Info().Str("data_dir", config.DataDir(c.String("data-dir"))).Msg("cellard serving on stdio")
	return srv.Serve(c.Context, os.Stdin, os.Stdout)
}

func gcAction(c *cli.Context) error {
	logger := obslog.New(obslog.Config{Level: c.String("log-level"), Pretty: c.Bool("log-pretty")})

	svc, err := openServices(c)
	if err != nil {
		return err
	}
	defer svc.cleanup()

	collected, err := svc.meta.CollectGarbage(svc.blobs)
	if err != nil {
		return fmt.Errorf("garbage collection: %w", err)
	}
	logger.Info().Int("collected", collected).Msg("garbage collection complete")
	fmt.Printf("collected %d orphan blob(s)\n", collected)
	return nil
}

func initAction(c *cli.Context) error {
	svc, err := openServices(c)
	if err != nil {
		return err
	}
	defer svc.cleanup()
	fmt.Printf("initialized data directory %s\n", config.DataDir(c.String("data-dir")))
	return nil
}
