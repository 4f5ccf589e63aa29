package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jrc1883/meshbrain"
	"github.com/jrc1883/meshbrain/bus"
	"github.com/jrc1883/meshbrain/protocol"
)

var probeTimeout time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Open the configured bus and check a publish/subscribe round trip",
	Long: `probe opens the bus exactly as serve would, including the auto-mode
fallback from the broker to the file backend, then publishes a heartbeat and
waits for it to come back. It also writes and reads a short-lived key.`,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 3*time.Second, "How long to wait for the round trip")
}

func runProbe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	logger := meshbrain.NewLogger(cfg.Logging)
	b, err := bus.Open(ctx, meshbrain.BusConfig(cfg.Bus), func(o *bus.Options) { o.Logger = logger })
	if err != nil {
		return err
	}
	defer b.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "backend: %s\n", b.Backend())

	rtt, err := roundTrip(ctx, b)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "publish/subscribe: ok (%s)\n", rtt.Round(time.Millisecond))

	keys := protocol.Keys{Namespace: cfg.Namespace}
	key := keys.State("meshd-probe")
	if err := b.Set(ctx, key, []byte(`{"agent_id":"meshd-probe"}`), time.Minute); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if _, err := b.Get(ctx, key); err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	_ = b.Delete(ctx, key)
	fmt.Fprintln(out, "key/value: ok")
	return nil
}

// roundTrip publishes a probe heartbeat and waits for its delivery. The
// file backend delivers on its next poll, so the wait can take one poll
// interval.
func roundTrip(ctx context.Context, b bus.Bus) (time.Duration, error) {
	sub, err := b.Subscribe(ctx, protocol.ChannelHeartbeat)
	if err != nil {
		return 0, err
	}
	msg := protocol.MustMessage(protocol.TypeHeartbeat, "meshd-probe", protocol.AgentState{
		AgentID:       "meshd-probe",
		CurrentTask:   "probe",
		LastHeartbeat: time.Now().UTC(),
	})
	start := time.Now()
	if err := b.Publish(ctx, protocol.ChannelHeartbeat, msg); err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("probe heartbeat not delivered: %w", ctx.Err())
		case got, ok := <-sub:
			if !ok {
				return 0, errors.New("subscription closed before delivery")
			}
			if got.ID == msg.ID {
				return time.Since(start), nil
			}
		}
	}
}
