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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mesytec-daq/mvlcd/internal/pipeline"
	"github.com/mesytec-daq/mvlcd/internal/readout"
)

type Metrics struct {
	// Pipeline stage metrics
	StageBytesReceived    *prometheus.GaugeVec
	StageMessagesReceived *prometheus.GaugeVec
	StageMessagesLost     *prometheus.GaugeVec
	StageBytesSent        *prometheus.GaugeVec
	StageMessagesSent     *prometheus.GaugeVec

	// Parser metrics
	ParserBuffersProcessed *prometheus.GaugeVec
	ParserBufferLoss       *prometheus.GaugeVec
	ParserPacketLoss       *prometheus.GaugeVec
	ParserUnusedBytes      *prometheus.GaugeVec
	ParserExceptions       *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	stageLabels := []string{"stage"}
	crateLabels := []string{"crate"}

	metrics := &Metrics{
		StageBytesReceived: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_stage_bytes_received",
			Help: "Bytes received by a pipeline stage",
		}, stageLabels),
		StageMessagesReceived: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_stage_messages_received",
			Help: "Messages received by a pipeline stage",
		}, stageLabels),
		StageMessagesLost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_stage_messages_lost",
			Help: "Messages lost on the input link of a pipeline stage",
		}, stageLabels),
		StageBytesSent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_stage_bytes_sent",
			Help: "Bytes sent by a pipeline stage",
		}, stageLabels),
		StageMessagesSent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_stage_messages_sent",
			Help: "Messages sent by a pipeline stage",
		}, stageLabels),
		ParserBuffersProcessed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "readout_parser_buffers_processed",
			Help: "Readout buffers processed by the parser",
		}, crateLabels),
		ParserBufferLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "readout_parser_buffer_loss",
			Help: "Readout buffers lost before reaching the parser",
		}, crateLabels),
		ParserPacketLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "readout_parser_eth_packet_loss",
			Help: "ETH packets lost as seen by the parser",
		}, crateLabels),
		ParserUnusedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "readout_parser_unused_bytes",
			Help: "Input bytes the parser could not attribute to events",
		}, crateLabels),
		ParserExceptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "readout_parser_exceptions",
			Help: "Internal parse exceptions",
		}, crateLabels),
	}
	metrics.register()
	return metrics
}

func (m *Metrics) register() {
	prometheus.MustRegister(m.StageBytesReceived)
	prometheus.MustRegister(m.StageMessagesReceived)
	prometheus.MustRegister(m.StageMessagesLost)
	prometheus.MustRegister(m.StageBytesSent)
	prometheus.MustRegister(m.StageMessagesSent)
	prometheus.MustRegister(m.ParserBuffersProcessed)
	prometheus.MustRegister(m.ParserBufferLoss)
	prometheus.MustRegister(m.ParserPacketLoss)
	prometheus.MustRegister(m.ParserUnusedBytes)
	prometheus.MustRegister(m.ParserExceptions)
}

// UpdateStages refreshes the per-stage gauges from the running job
// contexts.
func (m *Metrics) UpdateStages() {
	pipeline.VisitJobContexts(func(name string, ctx *pipeline.JobContext) bool {
		reader := ctx.ReaderCounters.Snapshot()
		writer := ctx.WriterCounters.Snapshot()

		m.StageBytesReceived.WithLabelValues(name).Set(float64(reader.BytesReceived))
		m.StageMessagesReceived.WithLabelValues(name).Set(float64(reader.MessagesReceived))
		m.StageMessagesLost.WithLabelValues(name).Set(float64(reader.MessagesLost))
		m.StageBytesSent.WithLabelValues(name).Set(float64(writer.BytesSent))
		m.StageMessagesSent.WithLabelValues(name).Set(float64(writer.MessagesSent))
		return true
	})
}

// UpdateParsers refreshes the parser gauges from the running parser
// stages.
func (m *Metrics) UpdateParsers() {
	readout.VisitParserStages(func(name string, s *readout.ParserStage) bool {
		counters := s.ParserCounters()

		m.ParserBuffersProcessed.WithLabelValues(name).Set(float64(counters.BuffersProcessed))
		m.ParserBufferLoss.WithLabelValues(name).Set(float64(counters.InternalBufferLoss))
		m.ParserPacketLoss.WithLabelValues(name).Set(float64(counters.ETHPacketLoss))
		m.ParserUnusedBytes.WithLabelValues(name).Set(float64(counters.UnusedBytes))
		m.ParserExceptions.WithLabelValues(name).Set(float64(counters.ParserExceptions))
		return true
	})
}
