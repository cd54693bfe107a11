// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/fpath"
	"storj.io/private/cfgstruct"
	"storj.io/private/process"
	"storj.io/sluice/control"
	"storj.io/sluice/control/controldb"
)

var (
	rootCmd = &cobra.Command{
		Use:   "sluice",
		Short: "Sluice loader control plane",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the control plane: scheduler, executor and operator API",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	migrationCmd = &cobra.Command{
		Use:   "migration",
		Short: "Apply pending control database migrations",
		RunE:  cmdMigrationRun,
	}

	runCfg   control.Config
	setupCfg control.Config

	confDir string
)

func init() {
	defaultConfDir := fpath.ApplicationDir("storj", "sluice")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for sluice configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrationCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(migrationCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := controldb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("error connecting to control database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.CheckVersion(ctx); err != nil {
		log.Error("failed control database version check", zap.Error(err))
		return errs.New("failed control database version check: %+v", err)
	}

	peer, err := control.New(log, db, runCfg)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("sluice configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func cmdMigrationRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := controldb.Open(ctx, log.Named("migration"), runCfg.Database)
	if err != nil {
		return errs.New("error connecting to control database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	err = db.MigrateToLatest(ctx)
	if err != nil {
		return errs.New("error applying migrations: %+v", err)
	}
	log.Info("control database is up to date")
	return nil
}

func main() {
	process.Exec(rootCmd)
}
