// Command hg2git-helper drives an internal/orchestrator.Orchestrator from a
// line command stream on stdin, bridging Mercurial revision data into a
// Git object store.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nullbridge/hg2git/internal/config"
	"github.com/nullbridge/hg2git/internal/gitstore"
	"github.com/nullbridge/hg2git/internal/orchestrator"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		repoDir        string
		packWindow     int
		maxDeltaDepth  int
		checkManifests bool
		checkHelper    bool
	)

	cmd := &cobra.Command{
		Use:   "hg2git-helper",
		Short: "Bridge Mercurial revision data into a Git object store over a line command stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.New()
			if packWindow > 0 {
				cfg.SetPackWindow(packWindow)
			}
			if maxDeltaDepth > 0 {
				cfg.SetMaxDeltaDepth(maxDeltaDepth)
			}
			cfg.SetCheckManifests(checkManifests)
			cfg.SetCheckHelper(checkHelper)

			objects, err := gitstore.Open(gitstore.Config{
				OutDir:        repoDir,
				WindowSize:    cfg.PackWindow(),
				MaxDeltaDepth: cfg.MaxDeltaDepth(),
			})
			if err != nil {
				return fmt.Errorf("open object store: %w", err)
			}
			defer objects.Close()

			backend := newFastImportBackend(objects, cmd.OutOrStdout())
			o := orchestrator.New(cfg, objects, backend, cmd.OutOrStdout())

			r := bufio.NewReader(cmd.InOrStdin())
			for {
				err := o.Dispatch(r)
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				if o.Done() {
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVar(&repoDir, "repo", ".", "path to the Git object store directory")
	cmd.Flags().IntVar(&packWindow, "pack-window", 0, "in-memory tail buffer size in bytes of the pack being written (0 = default)")
	cmd.Flags().IntVar(&maxDeltaDepth, "max-delta-depth", 0, "maximum delta chain depth followed when reading an object back (0 = default)")
	cmd.Flags().BoolVar(&checkManifests, "check-manifests", envBool("CHECK_MANIFESTS"), "verify reconstructed manifests against a diff-based round trip")
	cmd.Flags().BoolVar(&checkHelper, "check-helper", envBool("CHECK_HELPER"), "record the CHECK_HELPER flag in the session config (no dispatcher check reads it)")

	return cmd
}

func envBool(name string) bool {
	v, ok := os.LookupEnv(name)
	return ok && v != "" && v != "0"
}
