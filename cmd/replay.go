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

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/mesytec-daq/mvlcd/internal/crateconfig"
	"github.com/mesytec-daq/mvlcd/internal/listfile"
	"github.com/mesytec-daq/mvlcd/internal/pipeline"
	"github.com/mesytec-daq/mvlcd/internal/readout"
	"github.com/mesytec-daq/mvlcd/internal/replay"
)

func newReplayCommand() *cobra.Command {
	var crateConfigPaths []string

	cmd := &cobra.Command{
		Use:   "replay <archive.zip>",
		Short: "Replay a listfile archive through the parser and analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, args[0], crateConfigPaths)
		},
	}

	cmd.Flags().StringArrayVar(&crateConfigPaths, "crate-config", nil,
		"Crate config YAML overriding the config recovered from the archive preamble, repeatable")

	return cmd
}

func runReplay(cmd *cobra.Command, archivePath string, crateConfigPaths []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	scheduler, err := startBackgroundServices(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = scheduler.Shutdown() }()

	ctx, span := otel.Tracer("mvlcd").Start(ctx, "replay")
	defer span.End()

	reader, err := listfile.NewReader(archivePath)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	stream := reader.Buffered()

	preamble, err := listfile.ReadPreamble(stream)
	if err != nil {
		return fmt.Errorf("reading archive preamble: %w", err)
	}
	slog.Info("Archive preamble read",
		"magic", preamble.Magic, "timestamp", preamble.UnixTimestamp)

	crateConfigs, err := replayCrateConfigs(preamble, crateConfigPaths)
	if err != nil {
		return err
	}

	// One parser/analysis pipeline per crate, fed by the replay
	// demultiplexer.
	outputs := make(map[uint8]pipeline.Writer)
	analyses := make(map[uint8]*readout.CountingAnalysis)
	var pipelines []*pipeline.Pipeline

	for _, crateCfg := range crateConfigs {
		parserStage, err := readout.NewParserStage(crateCfg)
		if err != nil {
			return err
		}

		parserLink := pipeline.NewLink()
		analysisLink := pipeline.NewLink()
		analysis := &readout.CountingAnalysis{}

		p := pipeline.NewPipeline(fmt.Sprintf("replay%d", crateCfg.CrateID))

		parserCtx := pipeline.NewJobContext("parser", slog.Default())
		parserCtx.Reader = parserLink
		parserCtx.Writer = analysisLink
		p.AddStep(parserCtx, parserStage.Loop)

		analysisCtx := pipeline.NewJobContext("analysis", slog.Default())
		analysisCtx.Reader = analysisLink
		p.AddStep(analysisCtx, readout.NewAnalysisStage(analysis).Loop)

		outputs[crateCfg.CrateID] = parserLink
		analyses[crateCfg.CrateID] = analysis
		pipelines = append(pipelines, p)
		p.Start(ctx)
	}

	replayer := replay.New(stream, outputs)
	replayCtx := pipeline.NewJobContext("replay", slog.Default())

	result := replayer.Loop(replayCtx)
	if result.Err != nil {
		slog.Error("Replay loop failed", "error", result.Err)
	}

	for _, p := range pipelines {
		if err := p.Wait(); err != nil {
			slog.Error("Replay pipeline finished with error", "error", err)
		}
	}

	for crateID, analysis := range analyses {
		slog.Info("Replay finished",
			"crateId", crateID,
			"events", analysis.Events.Load(),
			"modules", analysis.Modules.Load(),
			"systemEvents", analysis.SystemEvents.Load())
	}

	return result.Err
}

// replayCrateConfigs resolves the configs for the replayed crates: either
// the override files given on the command line or the single config
// recovered from the archive preamble.
func replayCrateConfigs(preamble *listfile.Preamble, paths []string) ([]*crateconfig.CrateConfig, error) {
	if len(paths) == 0 {
		yamlBytes := preamble.TrimConfigPadding()
		if len(yamlBytes) == 0 {
			return nil, fmt.Errorf("archive preamble contains no crate config; pass --crate-config")
		}
		crateCfg, err := crateconfig.FromYAML(string(yamlBytes))
		if err != nil {
			return nil, fmt.Errorf("parsing preamble crate config: %w", err)
		}
		return []*crateconfig.CrateConfig{crateCfg}, nil
	}

	var configs []*crateconfig.CrateConfig
	for _, path := range paths {
		yamlBytes, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		crateCfg, err := crateconfig.FromYAML(string(yamlBytes))
		if err != nil {
			return nil, fmt.Errorf("parsing crate config %s: %w", path, err)
		}
		configs = append(configs, crateCfg)
	}
	return configs, nil
}
