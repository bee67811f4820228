package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wolyhq/cnc/internal/model"
)

// WakeVerificationStatus is the concluding state of a verification task.
type WakeVerificationStatus string

const (
	WakeVerified    WakeVerificationStatus = "verified"
	WakeUnreachable WakeVerificationStatus = "unreachable"
	WakeVerifyTimeout WakeVerificationStatus = "timeout"
)

// WakeVerificationComplete is emitted on conclusion of a verification
// task ; the stream broker forwards it as
// wake.verified.
type WakeVerificationComplete struct {
	CommandID     string                 `json:"commandId"`
	FQN           string                 `json:"fqn"`
	Status        WakeVerificationStatus `json:"status"`
	Attempts      int                    `json:"attempts"`
	ElapsedMs     int64                  `json:"elapsedMs"`
	Source        string                 `json:"source"`
}

// WakeVerificationListener receives completed verification results.
type WakeVerificationListener interface {
	OnWakeVerificationComplete(WakeVerificationComplete)
}

// SetWakeVerificationListener registers the single listener for
// verification completions (normally the stream broker).
func (r *Router) SetWakeVerificationListener(l WakeVerificationListener) {
	r.mu.Lock()
	r.wakeListener = l
	r.mu.Unlock()
}

// runWakeVerification polls host state via the aggregator and a fresh
// ping-host round trip until the host reports awake+responsive, the
// verification window elapses, or the host vanishes.
func (r *Router) runWakeVerification(commandID, fqn, parentCorrelationID string) {
	start := time.Now()
	deadline := start.Add(r.cfg.WakeVerifyWindow)
	attempts := 0
	status := WakeVerifyTimeout
	source := "aggregator"

	for time.Now().Before(deadline) {
		attempts++
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WakeVerifyPollGap)
		host, err := r.hosts.GetHost(ctx, fqn)
		cancel()
		if err != nil || host == nil {
			status = WakeUnreachable
			break
		}
		if host.Status == model.HostAwake {
			status = WakeVerified
			break
		}

		pingCtx, pingCancel := context.WithTimeout(context.Background(), r.cfg.WakeVerifyPollGap)
		res := r.RoutePingHost(pingCtx, fqn, uuid.NewString())
		pingCancel()
		if res.Err == nil && res.Success {
			status = WakeVerified
			source = "ping-host"
			break
		}

		time.Sleep(r.cfg.WakeVerifyPollGap)
	}

	r.mu.Lock()
	listener := r.wakeListener
	r.mu.Unlock()
	if listener != nil {
		listener.OnWakeVerificationComplete(WakeVerificationComplete{
			CommandID: commandID,
			FQN:       fqn,
			Status:    status,
			Attempts:  attempts,
			ElapsedMs: time.Since(start).Milliseconds(),
			Source:    source,
		})
	}
}
