// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// bk is a command-line tool for incremental, deduplicated and encrypted
// backups of directory hierarchies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mmp/bkpack/catalog"
	"github.com/mmp/bkpack/config"
	"github.com/mmp/bkpack/engine"
	"github.com/mmp/bkpack/fspath"
	"github.com/mmp/bkpack/storage"
	u "github.com/mmp/bkpack/util"
	"github.com/mmp/bkpack/volume"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var log *u.Logger

var globalFlags struct {
	config  string
	verbose bool
	debug   bool
}

var rootCmd = &cobra.Command{
	Use:   "bk",
	Short: "Incremental deduplicating backups",
	Long: `bk backs up directory hierarchies to local disk or Google Cloud Storage.

Files are split into blocks; only blocks that haven't been stored before
are uploaded, packed together into compressed and encrypted volumes. A
local catalog records every backup set and the blocks that make up each
file, so that any backed-up version can be restored.

Settings are read from the YAML file given with --config. The
passphrase for encrypted repositories is taken from BK_PASSPHRASE.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log = u.NewLogger(globalFlags.verbose, globalFlags.debug)
		catalog.SetLogger(log)
		engine.SetLogger(log)
		fspath.SetLogger(log)
		storage.SetLogger(log)
		volume.SetLogger(log)
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&globalFlags.config, "config", "c", os.Getenv("BK_CONFIG"), "configuration file")
	f.BoolVarP(&globalFlags.verbose, "verbose", "v", false, "verbose output")
	f.BoolVar(&globalFlags.debug, "debug", false, "debugging output")

	rootCmd.AddCommand(backupCmd, restoreCmd, listCmd, versionsCmd, deleteCmd, compactCmd,
		verifyCmd, mountCmd, readmeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// repo bundles everything that's needed to operate on a backup repository.
type repo struct {
	cfg config.Config
	cat *catalog.Catalog
	c   *engine.Controller
}

func openRepo(ctx context.Context) (*repo, error) {
	cfg, err := config.Load(globalFlags.config)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Catalog, 0700); err != nil {
		return nil, err
	}
	cat, err := catalog.Open(cfg.CatalogOptions())
	if err != nil {
		return nil, err
	}

	var key []byte
	if cfg.Encrypted() {
		if key, err = engine.Key(cat, cfg.Encryption.Passphrase); err != nil {
			cat.Close()
			return nil, err
		}
	}
	backend, err := storage.Open(ctx, cfg.Backend.Type, cfg.StorageOptions())
	if err != nil {
		cat.Close()
		return nil, err
	}
	c, err := engine.New(cat, backend, cfg.EngineOptions(key))
	if err != nil {
		cat.Close()
		return nil, err
	}
	log.Debug("catalog %s, backend %s", cfg.Catalog, backend)
	return &repo{cfg: cfg, cat: cat, c: c}, nil
}

func (r *repo) Close() {
	log.CheckError(r.cat.Close())
}

// signalContext returns a context that's canceled on SIGINT or SIGTERM,
// so that an interrupted backup is aborted cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// run opens the repository and calls f with it.
func run(f func(ctx context.Context, r *repo) error) error {
	ctx, cancel := signalContext()
	defer cancel()
	r, err := openRepo(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	return f(ctx, r)
}

// selector parses a backup set given either as a set id or as a time;
// an empty string selects the latest set.
func selector(s string) (catalog.Selector, error) {
	if s == "" {
		return catalog.Latest, nil
	}
	if id, err := strconv.ParseUint(s, 10, 64); err == nil {
		return catalog.Selector{SetID: id}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return catalog.Selector{Time: t}, nil
		}
	}
	return catalog.Selector{}, errors.Errorf("%s: expected a backup set id or a time", s)
}

func reportIssues(errs, warnings []error) {
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "error: %s\n", e)
	}
}

///////////////////////////////////////////////////////////////////////////

var backupFlags struct {
	excludes []string
}

var backupCmd = &cobra.Command{
	Use:   "backup <paths...>",
	Short: "Back up files and directories as a new backup set",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, r *repo) error {
			excludes := append(append([]string(nil), r.cfg.Excludes...), backupFlags.excludes...)
			res, err := r.c.Backup(ctx, args, engine.BackupOptions{Excludes: excludes})
			reportIssues(res.Errors, res.Warnings)
			if err != nil {
				return err
			}
			fmt.Printf("backup set %d: %d files added, %d unchanged, %d errors; "+
				"%d new blocks (%s) in %d volumes, %d blocks already stored\n",
				res.SetID, res.FilesAdded, res.FilesUnchanged, res.FilesErrored,
				res.BlocksUploaded, u.FmtBytes(res.BytesUploaded),
				res.VolumesUploaded, res.BlocksDeduplicated)
			if res.State != engine.Done {
				return errors.Errorf("backup %s", res.State)
			}
			return nil
		})
	},
}

var restoreFlags struct {
	set       string
	target    string
	overwrite bool
}

var restoreCmd = &cobra.Command{
	Use:   "restore [paths...]",
	Short: "Restore files from a backup set",
	Long: `Restore the given paths, or everything, from a backup set.

Without --target, files are restored to their original locations;
otherwise they're restored under the target directory, relative to the
directory that contains the given paths.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, err := selector(restoreFlags.set)
		if err != nil {
			return err
		}
		return run(func(ctx context.Context, r *repo) error {
			res, err := r.c.Restore(ctx, args, sel, engine.RestoreOptions{
				RestorePath: restoreFlags.target,
				Overwrite:   restoreFlags.overwrite,
			})
			reportIssues(res.Errors, res.Warnings)
			if err != nil {
				return err
			}
			fmt.Printf("restored %d files (%s), %d errors\n", res.FilesRestored,
				u.FmtBytes(res.BytesRestored), res.FilesErrored)
			if res.State != engine.Done {
				return errors.Errorf("restore %s", res.State)
			}
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list [set]",
	Short: "List backup sets, or the files in one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, r *repo) error {
			if len(args) == 0 {
				sets, err := r.c.ListBackupSets()
				if err != nil {
					return err
				}
				for _, s := range sets {
					fmt.Printf("%6d  %s (%s)  %v\n", s.ID, s.Time.Format("2006-01-02 15:04:05"),
						humanize.Time(s.Time), s.Sources)
				}
				return nil
			}

			sel, err := selector(args[0])
			if err != nil {
				return err
			}
			set, err := r.cat.ResolveSet(sel)
			if err != nil {
				return err
			}
			files, err := r.cat.ListFiles(set.ID)
			if err != nil {
				return err
			}
			for _, fv := range files {
				name := fv.Path
				if fv.LinkTarget != "" {
					name += " -> " + fv.LinkTarget
				}
				fmt.Printf("%s %10s %s %s\n", os.FileMode(fv.Mode), u.FmtBytes(fv.Size),
					fv.ModTime.Format("2006-01-02 15:04"), name)
			}
			return nil
		})
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions <path>",
	Short: "List the backed-up versions of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := fspath.Clean(args[0])
		if err != nil {
			return err
		}
		return run(func(ctx context.Context, r *repo) error {
			fvs, err := r.cat.Versions(path)
			if err != nil {
				return err
			}
			if len(fvs) == 0 {
				return errors.Wrap(catalog.ErrNotFound, path)
			}
			for _, fv := range fvs {
				fmt.Printf("set %6d  %s %10s %s\n", fv.SetID, os.FileMode(fv.Mode),
					u.FmtBytes(fv.Size), fv.ModTime.Format("2006-01-02 15:04:05"))
			}
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <set ids...>",
	Short: "Delete backup sets; run compact afterward to reclaim space",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ids []uint64
		for _, a := range args {
			id, err := strconv.ParseUint(a, 10, 64)
			if err != nil {
				return errors.Wrapf(err, "%s: invalid backup set id", a)
			}
			ids = append(ids, id)
		}
		return run(func(ctx context.Context, r *repo) error {
			for _, id := range ids {
				if err := r.c.DeleteBackupSet(id); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var compactFlags struct {
	threshold float64
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Reclaim space used by blocks that are no longer referenced",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, r *repo) error {
			threshold := r.cfg.CompactThreshold
			if cmd.Flags().Changed("threshold") {
				threshold = compactFlags.threshold
			}
			res, err := r.c.Compact(ctx, threshold)
			reportIssues(res.Errors, nil)
			if err != nil {
				return err
			}
			fmt.Printf("%d empty and %d sparse volumes retired; %d volumes written (%s), "+
				"%d deleted (%s)\n", res.VolumesEmpty, res.VolumesRepacked, res.VolumesWritten,
				u.FmtBytes(res.BytesWritten), res.VolumesDeleted,
				u.FmtBytes(res.BytesDeleted))
			if len(res.Errors) > 0 {
				return errors.Errorf("%d errors during compaction", len(res.Errors))
			}
			return nil
		})
	},
}

var verifyFlags struct {
	full bool
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the catalog and the stored volumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, r *repo) error {
			res, err := r.c.Verify(ctx, verifyFlags.full)
			if err != nil {
				return err
			}
			reportIssues(res.Errors, res.Warnings)
			fmt.Printf("%d volumes checked: %d errors, %d warnings\n", res.VolumesChecked,
				len(res.Errors), len(res.Warnings))
			if len(res.Errors) > 0 {
				return errors.New("verification failed")
			}
			return nil
		})
	},
}

var mountCmd = &cobra.Command{
	Use:   "mount <dir>",
	Short: "Mount the backup sets read-only as a FUSE filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, r *repo) error {
			return mountFUSE(ctx, args[0], r)
		})
	},
}

var readmeCmd = &cobra.Command{
	Use:   "readme",
	Short: "Describe the repository format in enough detail to restore without bk",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(readmeText)
	},
}

func init() {
	backupCmd.Flags().StringSliceVarP(&backupFlags.excludes, "exclude", "x", nil,
		"skip paths containing this string or whose names match this pattern")

	restoreCmd.Flags().StringVarP(&restoreFlags.set, "set", "s", "",
		"backup set to restore from: an id or a time (default latest)")
	restoreCmd.Flags().StringVarP(&restoreFlags.target, "target", "t", "",
		"directory to restore into (default original locations)")
	restoreCmd.Flags().BoolVar(&restoreFlags.overwrite, "overwrite", false,
		"replace existing files")

	compactCmd.Flags().Float64Var(&compactFlags.threshold, "threshold", engine.DefaultCompactThreshold,
		"repack volumes whose live fraction is below this")

	verifyCmd.Flags().BoolVar(&verifyFlags.full, "full", false,
		"download and check every volume")
}
