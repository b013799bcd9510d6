package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments for the data plane. Counters end with _total, sizes are in
// bytes. Labels are limited to the low-cardinality set: direction, family,
// reason.
var (
	initOnce sync.Once

	meter metric.Meter

	mPackets      metric.Int64Counter
	mPacketBytes  metric.Int64Counter
	mPacketDrops  metric.Int64Counter
	mFlowsOpened  metric.Int64Counter
	mFlowErrors   metric.Int64Counter
	mActiveFlows  metric.Int64UpDownCounter
	mDatagrams    metric.Int64Counter
	mSendFailures metric.Int64Counter
)

func registerInstruments() error {
	var err error
	initOnce.Do(func() {
		meter = otel.Meter("anywhere-core")

		mPackets, err = meter.Int64Counter("anywhere_packets_total",
			metric.WithDescription("IP packets crossing the tunnel bridge"))
		if err != nil {
			return
		}
		mPacketBytes, err = meter.Int64Counter("anywhere_packet_bytes_total",
			metric.WithDescription("IP packet bytes crossing the tunnel bridge"))
		if err != nil {
			return
		}
		mPacketDrops, err = meter.Int64Counter("anywhere_packet_drops_total",
			metric.WithDescription("Packets dropped at ingress or egress"))
		if err != nil {
			return
		}
		mFlowsOpened, err = meter.Int64Counter("anywhere_flows_opened_total",
			metric.WithDescription("TCP flows accepted by the catch-all listener"))
		if err != nil {
			return
		}
		mFlowErrors, err = meter.Int64Counter("anywhere_flow_errors_total",
			metric.WithDescription("TCP flows torn down by transport errors"))
		if err != nil {
			return
		}
		mActiveFlows, err = meter.Int64UpDownCounter("anywhere_active_flows",
			metric.WithDescription("Currently tracked TCP flows"))
		if err != nil {
			return
		}
		mDatagrams, err = meter.Int64Counter("anywhere_datagrams_total",
			metric.WithDescription("UDP datagrams delivered or sent"))
		if err != nil {
			return
		}
		mSendFailures, err = meter.Int64Counter("anywhere_send_failures_total",
			metric.WithDescription("One-shot datagram sends that failed"))
	})
	return err
}

func dirAttr(direction string) metric.AddOption {
	return metric.WithAttributes(attribute.String("direction", direction))
}

func reasonAttr(reason string) metric.AddOption {
	return metric.WithAttributes(attribute.String("reason", reason))
}

// PacketIngress records one packet entering the bridge from the tunnel.
func PacketIngress(bytes int) {
	if mPackets == nil {
		return
	}
	ctx := context.Background()
	mPackets.Add(ctx, 1, dirAttr("in"))
	mPacketBytes.Add(ctx, int64(bytes), dirAttr("in"))
}

// PacketEgress records one packet leaving the bridge toward the tunnel.
func PacketEgress(bytes int) {
	if mPackets == nil {
		return
	}
	ctx := context.Background()
	mPackets.Add(ctx, 1, dirAttr("out"))
	mPacketBytes.Add(ctx, int64(bytes), dirAttr("out"))
}

// PacketDropped records a dropped packet with a drop reason.
func PacketDropped(reason string) {
	if mPacketDrops == nil {
		return
	}
	mPacketDrops.Add(context.Background(), 1, reasonAttr(reason))
}

// FlowOpened records an accepted TCP flow.
func FlowOpened() {
	if mFlowsOpened == nil {
		return
	}
	ctx := context.Background()
	mFlowsOpened.Add(ctx, 1)
	mActiveFlows.Add(ctx, 1)
}

// FlowClosed records a flow leaving the table.
func FlowClosed() {
	if mActiveFlows == nil {
		return
	}
	mActiveFlows.Add(context.Background(), -1)
}

// FlowErrored records a flow torn down by a transport error.
func FlowErrored() {
	if mFlowErrors == nil {
		return
	}
	mFlowErrors.Add(context.Background(), 1)
}

// DatagramIn records a UDP datagram delivered to the relay layer.
func DatagramIn() {
	if mDatagrams == nil {
		return
	}
	mDatagrams.Add(context.Background(), 1, dirAttr("in"))
}

// DatagramOut records a UDP datagram sent back through the tunnel.
func DatagramOut() {
	if mDatagrams == nil {
		return
	}
	mDatagrams.Add(context.Background(), 1, dirAttr("out"))
}

// SendFailure records a failed one-shot datagram send.
func SendFailure() {
	if mSendFailures == nil {
		return
	}
	mSendFailures.Add(context.Background(), 1)
}
