// Package telemetry implements the per-machine OPC UA polling client and
// the Latest-State Register it feeds. The Snapshot Writer that consumes the
// register lives in package snapshot.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/awcullen/opcua"
	"github.com/awcullen/opcua/ua"

	"github.com/Atot4/shopfloor-monitor/internal/appconfig"
	"github.com/Atot4/shopfloor-monitor/internal/metrics"
	"github.com/Atot4/shopfloor-monitor/internal/normalize"
)

// reconnectDelay is the fixed delay between connection attempts per
// spec.md §4.1 ("retries with a fixed delay").
const reconnectDelay = 5 * time.Second

// Client is the Telemetry Client for one machine: it owns a single OPC UA
// connection, polls its configured variables on a fixed cadence, and
// publishes normalized state into the two registers.
type Client struct {
	Machine  appconfig.MachineSpec
	Interval time.Duration
	User     string
	Password string

	// Live feeds the Snapshot Writer and any in-process consumer.
	Live *Register
	// WriteQueue feeds the Status Log DB Writer (spec.md §4.1(b): "a
	// second register consumed by the Status Log Store").
	WriteQueue *Register
	Metrics    *metrics.Registry

	clock func() time.Time
}

func (c *Client) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}
	return time.Now()
}

// Run blocks until ctx is cancelled. It never returns a connection error to
// the caller (spec.md §4.1: "Never propagates connection errors to the
// process") — every failure is logged and retried.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.connect(ctx)
		if err != nil {
			slog.Warn("telemetry: connect failed", "machine", c.Machine.Name, "err", err)
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}
		c.pollUntilDisconnected(ctx, conn)
		closeQuietly(ctx, conn)
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) connect(ctx context.Context) (*opcua.Client, error) {
	opts := []opcua.Option{
		opcua.WithUserNameIdentity(c.User, c.Password),
		opcua.WithTimeout(5000),
	}
	return opcua.Dial(ctx, c.Machine.URL, opts...)
}

// pollUntilDisconnected reads every configured variable on each tick until
// a tick produces zero successful reads (a connection-level fault per
// spec.md §4.1) or ctx is cancelled.
func (c *Client) pollUntilDisconnected(ctx context.Context, conn *opcua.Client) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			raw, anyOK := c.readAll(ctx, conn)
			if !anyOK {
				slog.Warn("telemetry: no variables readable, reconnecting", "machine", c.Machine.Name)
				c.Metrics.PollFailure(c.Machine.Name)
				return
			}
			state := normalize.Normalize(c.Machine, raw, c.now())
			c.Live.Put(state)
			c.WriteQueue.Put(state)
		}
	}
}

// readAll reads every configured node. A per-variable failure is logged
// and skipped (the partial map is still used); anyOK is false only when
// every variable failed.
func (c *Client) readAll(ctx context.Context, conn *opcua.Client) (map[string]any, bool) {
	names := make([]string, 0, len(c.Machine.Variables))
	nodes := make([]ua.ReadValueID, 0, len(c.Machine.Variables))
	for name, nodeID := range c.Machine.Variables {
		id, err := ua.ParseNodeID(nodeID)
		if err != nil {
			slog.Warn("telemetry: invalid node id", "machine", c.Machine.Name, "variable", name, "err", err)
			continue
		}
		names = append(names, name)
		nodes = append(nodes, ua.ReadValueID{NodeID: id, AttributeID: ua.AttributeIDValue})
	}
	if len(nodes) == 0 {
		return nil, false
	}

	res, err := conn.Read(ctx, &ua.ReadRequest{NodesToRead: nodes})
	if err != nil {
		slog.Warn("telemetry: read failed", "machine", c.Machine.Name, "err", err)
		return nil, false
	}

	raw := make(map[string]any, len(names))
	anyOK := false
	for i, dv := range res.Results {
		if i >= len(names) {
			break
		}
		if dv.StatusCode.IsGood() {
			raw[names[i]] = dv.Value
			anyOK = true
		} else {
			slog.Warn("telemetry: variable read bad status", "machine", c.Machine.Name, "variable", names[i], "status", dv.StatusCode)
		}
	}
	return raw, anyOK
}

// closeQuietly disconnects, ignoring socket-teardown errors per spec.md §4.1.
func closeQuietly(ctx context.Context, conn *opcua.Client) {
	_ = conn.Close(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
