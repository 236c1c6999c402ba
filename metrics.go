package weft

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricWeftExchangeCount      = []string{"weft", "exchange", "count"}
	MetricWeftExchangeErrorCount = []string{"weft", "exchange", "error", "count"}
	MetricWeftInboundCount       = []string{"weft", "inbound", "count"}
	MetricWeftInboundErrorCount  = []string{"weft", "inbound", "error", "count"}
	MetricWeftCacheUpdateCount   = []string{"weft", "cache", "update", "count"}
	MetricWeftDispatchCount      = []string{"weft", "pubsub", "dispatch", "count"}
	MetricWeftHandlerErrorCount  = []string{"weft", "pubsub", "handler", "error", "count"}
	MetricWeftSetupRetryCount    = []string{"weft", "registration", "retry", "count"}
)

type TelemetryLabel string

var (
	LabelError        TelemetryLabel = "error"
	LabelService      TelemetryLabel = "service"
	LabelLocation     TelemetryLabel = "location"
	LabelChannel      TelemetryLabel = "channel"
	LabelCommand      TelemetryLabel = "command"
	LabelSubscription TelemetryLabel = "subscription"
	LabelRoutePath    TelemetryLabel = "route_path"
	LabelDuration     TelemetryLabel = "duration"
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
