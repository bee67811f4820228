package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolyhq/cnc/internal/aggregator"
	"github.com/wolyhq/cnc/internal/model"
	"github.com/wolyhq/cnc/internal/protocol"
	"github.com/wolyhq/cnc/internal/router"
)

// dispatcher implements hub.Dispatcher, fanning inbound node-channel
// frames out to the aggregator (host lifecycle) and the router (command
// correlation).
type dispatcher struct {
	log   zerolog.Logger
	agg   *aggregator.Aggregator
	rtr   *router.Router
}

func newDispatcher(log zerolog.Logger, agg *aggregator.Aggregator, rtr *router.Router) *dispatcher {
	return &dispatcher{log: log.With().Str("component", "dispatcher").Logger(), agg: agg, rtr: rtr}
}

func (d *dispatcher) HandleHostDiscovered(ctx context.Context, nodeID string, p protocol.HostDiscoveredPayload) {
	d.reconcile(ctx, nodeID, p.Location, p.Host)
}

func (d *dispatcher) HandleHostUpdated(ctx context.Context, nodeID string, p protocol.HostDiscoveredPayload) {
	d.reconcile(ctx, nodeID, p.Location, p.Host)
}

func (d *dispatcher) HandleHostRemoved(ctx context.Context, nodeID string, p protocol.HostRemovedPayload) {
	if err := d.agg.Remove(ctx, nodeID, p.Name); err != nil {
		d.log.Error().Err(err).Str("nodeId", nodeID).Str("name", p.Name).Msg("failed to remove host")
	}
}

func (d *dispatcher) HandleNodeHostsSnapshot(ctx context.Context, nodeID string, p protocol.NodeHostsSnapshotPayload) {
	for _, h := range p.Hosts {
		d.reconcile(ctx, nodeID, p.Location, h)
	}
}

func (d *dispatcher) reconcile(ctx context.Context, nodeID, location string, h protocol.HostPayload) {
	status := model.HostAsleep
	if h.Status == string(model.HostAwake) {
		status = model.HostAwake
	}
	var pingResponsive model.PingResponsive
	switch h.PingResponsive {
	case string(model.PingResponsiveY):
		pingResponsive = model.PingResponsiveY
	case string(model.PingResponsiveN):
		pingResponsive = model.PingResponsiveN
	default:
		pingResponsive = model.PingUnknown
	}

	var powerControl *model.PowerControl
	if method, ok := h.PowerControl["method"].(string); ok && method != "" {
		params := map[string]string{}
		if raw, ok := h.PowerControl["params"].(map[string]any); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					params[k] = s
				}
			}
		}
		powerControl = &model.PowerControl{Method: method, Params: params}
	}

	_, err := d.agg.Reconcile(ctx, aggregator.Discovered{
		NodeID:         nodeID,
		Location:       location,
		Name:           h.Name,
		MAC:            h.MAC,
		SecondaryMACs:  h.SecondaryMACs,
		IP:             h.IP,
		Status:         status,
		Discovered:     h.Discovered,
		PingResponsive: pingResponsive,
		Notes:          h.Notes,
		Tags:           h.Tags,
		PowerControl:   powerControl,
	})
	if err != nil {
		d.log.Error().Err(err).Str("nodeId", nodeID).Str("name", h.Name).Msg("failed to reconcile discovered host")
	}
}

func (d *dispatcher) HandleCommandResult(ctx context.Context, nodeID string, p protocol.CommandResultPayload) {
	d.rtr.HandleCommandResult(ctx, nodeID, p)
}

func (d *dispatcher) HandlePingResult(ctx context.Context, nodeID string, p protocol.PingResultPayload) {
	d.rtr.HandlePingResult(ctx, nodeID, p)
}

func (d *dispatcher) HandleHostPortScanResult(ctx context.Context, nodeID string, p protocol.HostPortScanResultPayload) {
	if fqn, ok := d.rtr.HostFQNForCommand(p.CommandID); ok {
		if err := d.agg.SaveHostPortScanSnapshot(ctx, fqn, portsOf(p), time.Now()); err != nil {
			d.log.Error().Err(err).Str("nodeId", nodeID).Str("fqn", fqn).Msg("failed to save port scan snapshot")
		}
	}
	d.rtr.HandleHostPortScanResult(ctx, nodeID, p)
}

func (d *dispatcher) HandleNodeDisconnected(nodeID string) {
	ctx := context.Background()
	if err := d.agg.MarkNodeHostsUnreachable(ctx, nodeID); err != nil {
		d.log.Error().Err(err).Str("nodeId", nodeID).Msg("failed to mark node hosts unreachable")
	}
	d.rtr.HandleNodeDisconnected(nodeID)
}

func portsOf(p protocol.HostPortScanResultPayload) []model.OpenPort {
	out := make([]model.OpenPort, 0, len(p.HostPortScan.OpenPorts))
	for _, pr := range p.HostPortScan.OpenPorts {
		out = append(out, model.OpenPort{Port: pr.Port, Protocol: pr.Protocol, Service: pr.Service})
	}
	return out
}
