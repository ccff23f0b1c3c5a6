// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple tool to apply Reed-Solomon encoding to files. Provides facilities
// to check the integrity of encoded files and to recover corrupt files.
// It works directly on the .bkv volumes and .rs sidecars in a file backend
// directory, so damaged volumes can be repaired without bk.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/mmp/bkpack/rdso"
	u "github.com/mmp/bkpack/util"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var log = u.NewLogger(true /*verbose*/, false /*debug*/)

var encodeFlags struct {
	nShards, nParity int
	hashRate         int64
}

var rootCmd = &cobra.Command{
	Use:          "rdso",
	Short:        "Reed-Solomon parity for files",
	SilenceUsage: true,
}

var encodeCmd = &cobra.Command{
	Use:   "encode <files...>",
	Short: "Write a .rs parity file for each file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, fn := range args {
			if strings.HasSuffix(fn, ".rs") {
				fmt.Println(fn, ": skipping Reed-Solomon encoding of .rs file")
				continue
			}
			rsfn := fn + ".rs"
			err := rdso.EncodeFile(fn, rsfn, encodeFlags.nShards, encodeFlags.nParity,
				encodeFlags.hashRate)
			if err != nil {
				fmt.Fprintln(os.Stderr, fn+": "+err.Error())
				failed++
				continue
			}
			fmt.Printf("%s: created Reed-Solomon encoding file\n", rsfn)
		}
		return failures(failed)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <files...>",
	Short: "Check files against their .rs parity files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, fn := range args {
			if err := rdso.CheckFile(fn, fn+".rs", log); err != nil {
				fmt.Fprintln(os.Stderr, fn+": "+err.Error())
				failed++
			}
		}
		return failures(failed)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <files...>",
	Short: "Write a repaired copy of each corrupt file to <file>.recovered",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, fn := range args {
			if err := rdso.RestoreFile(fn, fn+".rs", log); err != nil {
				return errors.Wrap(err, fn)
			}
		}
		return nil
	},
}

func failures(n int) error {
	if n > 0 {
		return errors.Errorf("%d files failed", n)
	}
	return nil
}

func main() {
	f := encodeCmd.Flags()
	f.IntVar(&encodeFlags.nShards, "nshards", 17, "number of data shards")
	f.IntVar(&encodeFlags.nParity, "nparity", 3, "number of parity shards")
	f.Int64Var(&encodeFlags.hashRate, "hashrate", 1024*1024, "chunk size for file hashes")

	rootCmd.AddCommand(encodeCmd, checkCmd, restoreCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
