// SPDX-License-Identifier: AGPL-3.0-or-later
// mvlcd - Mesytec MVLC data acquisition in a single binary
// Copyright (C) 2025-2026 The mvlcd contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/mesytec-daq/mvlcd>

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/mesytec-daq/mvlcd/internal/config"
	"github.com/mesytec-daq/mvlcd/internal/crateconfig"
	"github.com/mesytec-daq/mvlcd/internal/listfile"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/dialog"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/transport"
	"github.com/mesytec-daq/mvlcd/internal/pipeline"
	"github.com/mesytec-daq/mvlcd/internal/readout"
)

const statsInterval = 10 * time.Second

func newReadoutCommand() *cobra.Command {
	var crateConfigPaths []string
	var runName string
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "readout",
		Short: "Run a readout from one or more MVLC crates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReadout(cmd, crateConfigPaths, runName, duration)
		},
	}

	cmd.Flags().StringArrayVar(&crateConfigPaths, "crate-config", nil,
		"Path to a crate config YAML file, repeatable for multi-crate setups")
	cmd.Flags().StringVar(&runName, "run-name", "run", "Basename of the listfile archive")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this duration, 0 runs until interrupted")
	_ = cmd.MarkFlagRequired("crate-config")

	return cmd
}

// cratePipelines are the per-crate moving parts of a readout run.
type cratePipelines struct {
	cfg       *crateconfig.CrateConfig
	transport transport.Transport
	dialog    *dialog.Dialog
	pipeline  *pipeline.Pipeline
	producer  *readout.Producer
	analysis  *readout.CountingAnalysis
}

func runReadout(cmd *cobra.Command, crateConfigPaths []string, runName string, duration time.Duration) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	cleanup, err := setupTracing(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	defer func() {
		if err := cleanup(ctx); err != nil {
			slog.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	scheduler, err := startBackgroundServices(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = scheduler.Shutdown() }()

	ctx, span := otel.Tracer("mvlcd").Start(ctx, "readout")
	defer span.End()

	var crates []*cratePipelines

	for _, path := range crateConfigPaths {
		crate, err := setupCrate(cfg, path, runName)
		if err != nil {
			return err
		}
		crates = append(crates, crate)
		defer func() { _ = crate.transport.Disconnect() }()
	}

	for _, crate := range crates {
		if err := readout.StartDAQ(crate.dialog, crate.cfg); err != nil {
			return fmt.Errorf("starting DAQ on crate %d: %w", crate.cfg.CrateID, err)
		}
		crate.pipeline.Start(ctx)
	}

	waitForStop(duration)

	for _, crate := range crates {
		if err := readout.StopDAQ(crate.dialog, crate.cfg); err != nil {
			slog.Error("Failed to stop DAQ", "crateId", crate.cfg.CrateID, "error", err)
		}
		// The producer stops reading, flushes its pending message with an
		// EndOfFile event and sends shutdown messages downstream.
		crate.pipeline.Steps()[0].Context.SetQuit(true)
	}

	for _, crate := range crates {
		if err := crate.pipeline.Wait(); err != nil {
			slog.Error("Pipeline finished with error",
				"crateId", crate.cfg.CrateID, "error", err)
		}
		slog.Info("Readout finished",
			"crateId", crate.cfg.CrateID,
			"events", crate.analysis.Events.Load(),
			"modules", crate.analysis.Modules.Load(),
			"systemEvents", crate.analysis.SystemEvents.Load())
	}

	return nil
}

func setupCrate(cfg *config.Config, configPath, runName string) (*cratePipelines, error) {
	yamlBytes, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	crateCfg, err := crateconfig.FromYAML(string(yamlBytes))
	if err != nil {
		return nil, fmt.Errorf("parsing crate config %s: %w", configPath, err)
	}
	if err := crateCfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating crate config %s: %w", configPath, err)
	}

	t, err := makeTransport(crateCfg)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to crate %d: %w", crateCfg.CrateID, err)
	}

	crate := &cratePipelines{
		cfg:       crateCfg,
		transport: t,
		dialog:    dialog.New(t),
		analysis:  &readout.CountingAnalysis{},
	}

	// Topology: producer fans out to the listfile writer and the parser;
	// the parser feeds the analysis.
	listfileLink := pipeline.NewLink()
	parserLink := pipeline.NewLink()
	analysisLink := pipeline.NewLink()

	crate.producer = readout.NewProducer(crateCfg.CrateID, t)

	parserStage, err := readout.NewParserStage(crateCfg)
	if err != nil {
		return nil, err
	}

	lfWriter, err := makeListfileWriter(cfg, crateCfg, runName)
	if err != nil {
		return nil, err
	}

	p := pipeline.NewPipeline(fmt.Sprintf("readout%d", crateCfg.CrateID))

	// The listfile writer is the primary sink: it blocks the producer
	// instead of losing raw data. The parser path snoops and drops when it
	// falls behind.
	producerCtx := pipeline.NewJobContext("producer", slog.Default())
	if lfWriter != nil {
		producerCtx.Writer = pipeline.NewTeeWriter(listfileLink, parserLink)
	} else {
		producerCtx.Writer = parserLink
	}
	p.AddStep(producerCtx, crate.producer.Loop)

	if lfWriter != nil {
		writerCtx := pipeline.NewJobContext("listfile_writer", slog.Default())
		writerCtx.Reader = listfileLink
		p.AddStep(writerCtx, readout.NewWriterStage(lfWriter).Loop)
	}

	parserCtx := pipeline.NewJobContext("parser", slog.Default())
	parserCtx.Reader = parserLink
	parserCtx.Writer = analysisLink
	p.AddStep(parserCtx, parserStage.Loop)

	analysisCtx := pipeline.NewJobContext("analysis", slog.Default())
	analysisCtx.Reader = analysisLink
	p.AddStep(analysisCtx, readout.NewAnalysisStage(crate.analysis).Loop)

	crate.pipeline = p
	return crate, nil
}

func makeTransport(crateCfg *crateconfig.CrateConfig) (transport.Transport, error) {
	ct, err := crateCfg.Connection.ConnectionType()
	if err != nil {
		return nil, err
	}

	switch ct {
	case mvlcconst.ConnectionETH:
		return transport.NewETH(crateCfg.Connection.ETHHost), nil
	default:
		return transport.NewUSB(crateCfg.Connection.USBIndex, crateCfg.Connection.USBSerial), nil
	}
}

func makeListfileWriter(cfg *config.Config, crateCfg *crateconfig.CrateConfig, runName string) (*listfile.Writer, error) {
	if !cfg.Listfile.Enabled {
		return nil, nil
	}

	compression := listfile.CompressionLZ4
	if cfg.Listfile.Compression == "none" {
		compression = listfile.CompressionNone
	}

	ct, err := crateCfg.Connection.ConnectionType()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(cfg.Listfile.Directory,
		fmt.Sprintf("%s_crate%d.zip", runName, crateCfg.CrateID))

	w, err := listfile.NewWriter(listfile.WriterOptions{
		Path:        path,
		SplitSize:   cfg.Listfile.SplitSizeMB * 1024 * 1024,
		Compression: compression,
	})
	if err != nil {
		return nil, err
	}

	configYAML, err := crateconfig.ToYAML(crateCfg)
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	frames := listfile.SystemEventFrames([]byte(configYAML), uint64(time.Now().Unix()))
	if err := w.WritePreamble(listfile.MagicFor(ct), frames); err != nil {
		_ = w.Close()
		return nil, err
	}

	slog.Info("Listfile archive created", "path", path)
	return w, nil
}

func waitForStop(duration time.Duration) {
	interruptCh := make(chan os.Signal, 1)
	signal.Notify(interruptCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer signal.Stop(interruptCh)

	if duration > 0 {
		select {
		case sig := <-interruptCh:
			slog.Info("Stopping due to signal", "signal", sig)
		case <-time.After(duration):
			slog.Info("Run duration reached")
		}
		return
	}

	sig := <-interruptCh
	slog.Info("Stopping due to signal", "signal", sig)
}
