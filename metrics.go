package pgas

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricPoolAllocCount      = []string{"pgas", "pool", "alloc", "count"}
	MetricPoolAllocErrorCount = []string{"pgas", "pool", "alloc", "error", "count"}
	MetricPoolFreeCount       = []string{"pgas", "pool", "free", "count"}
	MetricPoolUsedBytes       = []string{"pgas", "pool", "used", "bytes"}
	MetricSegmentAllocBytes   = []string{"pgas", "segment", "alloc", "bytes"}
	MetricTeamCreateCount     = []string{"pgas", "team", "create", "count"}
	MetricTeamDestroyCount    = []string{"pgas", "team", "destroy", "count"}
	MetricEpochOpenCount      = []string{"pgas", "epoch", "open", "count"}
	MetricEpochCloseCount     = []string{"pgas", "epoch", "close", "count"}
	MetricPutBytes            = []string{"pgas", "rma", "put", "bytes"}
	MetricGetBytes            = []string{"pgas", "rma", "get", "bytes"}
	MetricSharedAccessCount   = []string{"pgas", "rma", "shared", "count"}
	MetricInitDuration        = []string{"pgas", "init", "duration"}
	MetricInitErrorCount      = []string{"pgas", "init", "error", "count"}
	MetricExitDuration        = []string{"pgas", "exit", "duration"}
	MetricAbortCount          = []string{"pgas", "abort", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelUnit     TelemetryLabel = "unit"
	LabelTeam     TelemetryLabel = "team"
	LabelSegment  TelemetryLabel = "segment"
	LabelWindow   TelemetryLabel = "window"
	LabelBytes    TelemetryLabel = "bytes"
	LabelCode     TelemetryLabel = "code"
	LabelDuration TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
