package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-coordinator/internal/model"
	redisclient "github.com/openclaw/agent-coordinator/internal/redis"
	"github.com/openclaw/agent-coordinator/internal/sse"
)

const busyReleaseTimeout = 5 * time.Second

type AwaitCategory string

const (
	CategorySuccess             AwaitCategory = "Success"
	CategoryFailed              AwaitCategory = "Failed"
	CategoryExpired             AwaitCategory = "Expired"
	CategoryTimeout             AwaitCategory = "Timeout"
	CategoryConcurrentOperation AwaitCategory = "ConcurrentOperation"
	CategoryCircuitOpen         AwaitCategory = "CircuitOpen"
	CategoryServerError         AwaitCategory = "ServerError"
)

type AwaitParams struct {
	TenantID string
	// Kind names the operation for busy-flag purposes; one outstanding
	// wait per tenant and kind.
	Kind    string
	Type    string
	Payload json.RawMessage
}

type AwaitResult struct {
	Success   bool            `json:"success"`
	Category  AwaitCategory   `json:"category"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message"`
	CommandID string          `json:"commandId,omitempty"`
}

// Await enqueues one elevated-priority command and blocks until it reaches
// a terminal state or the hard timeout elapses. Outcomes are reported as a
// category; the only error returned is the caller's context error, in which
// case the command has been forced to expired.
func (s *CommandService) Await(ctx context.Context, params AwaitParams) (*AwaitResult, error) {
	kind := params.Kind
	if kind == "" {
		kind = params.Type
	}

	key := redisclient.BusyKey(params.TenantID, kind)
	owner := uuid.NewString()
	acquired, err := s.busy.TryAcquire(ctx, key, owner, s.cfg.SyncTimeout+s.cfg.BusyFlagGrace)
	if err != nil {
		log.Error().Err(err).Str("tenantId", params.TenantID).Str("kind", kind).Msg("busy flag acquire failed")
		return serverError(), nil
	}
	if !acquired {
		return &AwaitResult{
			Category: CategoryConcurrentOperation,
			Message:  "Another operation of this kind is already running",
		}, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), busyReleaseTimeout)
		defer cancel()
		if err := s.busy.Release(releaseCtx, key, owner); err != nil {
			log.Warn().Err(err).Str("tenantId", params.TenantID).Str("kind", kind).Msg("busy flag release failed")
		}
	}()

	if s.breaker != nil && !s.breaker.Allow(params.TenantID) {
		return &AwaitResult{
			Category: CategoryCircuitOpen,
			Message:  "Automation is temporarily unavailable",
		}, nil
	}

	var sub *sse.Client
	if s.events != nil {
		sub = s.events.Subscribe(params.TenantID)
		defer s.events.Unsubscribe(sub)
	}

	cmd, err := s.Enqueue(ctx, EnqueueParams{
		TenantID: params.TenantID,
		Type:     params.Type,
		Payload:  params.Payload,
		Priority: s.cfg.SyncPriority,
	})
	if err != nil {
		s.recordFailure(params.TenantID)
		return serverError(), nil
	}

	return s.wait(ctx, params.TenantID, cmd.ID, sub)
}

func (s *CommandService) wait(ctx context.Context, tenantID, commandID string, sub *sse.Client) (*AwaitResult, error) {
	timeout := time.NewTimer(s.cfg.SyncTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var events <-chan sse.Event
	var done <-chan struct{}
	if sub != nil {
		events = sub.Events
		done = sub.Done
	}

	for {
		select {
		case <-ctx.Done():
			s.forceExpire(tenantID, commandID)
			return nil, ctx.Err()

		case <-timeout.C:
			cmd := s.forceExpire(tenantID, commandID)
			if cmd != nil && cmd.Status != model.CommandStatusExpired {
				return resultFor(cmd), nil
			}
			return &AwaitResult{
				Category:  CategoryTimeout,
				Message:   "Timed out waiting for the extension",
				CommandID: commandID,
			}, nil

		case <-done:
			events, done = nil, nil

		case ev := <-events:
			var finished commandFinished
			if ev.Type != sse.EventCommandFinished || !decodeEvent(ev, &finished) || finished.CommandID != commandID {
				continue
			}
			if res, ok := s.check(ctx, tenantID, commandID); ok {
				return res, nil
			}

		case <-ticker.C:
			if res, ok := s.check(ctx, tenantID, commandID); ok {
				return res, nil
			}
		}
	}
}

// check does a single primary-key read and reports a result once the
// command is terminal.
func (s *CommandService) check(ctx context.Context, tenantID, commandID string) (*AwaitResult, bool) {
	cmd, err := s.commandRepo.FindByID(ctx, commandID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("commandId", commandID).Msg("command state check failed")
		}
		return nil, false
	}
	if cmd == nil {
		s.recordFailure(tenantID)
		return serverError(), true
	}

	now := s.now()
	switch {
	case cmd.Status.IsTerminal():
		s.present(cmd, now)
		return resultFor(cmd), true
	case cmd.EffectiveStatus(now) == model.CommandStatusExpired:
		if expired := s.forceExpire(tenantID, commandID); expired != nil {
			return resultFor(expired), true
		}
		return &AwaitResult{Category: CategoryExpired, Message: expiredMessage, CommandID: commandID}, true
	}
	return nil, false
}

// forceExpire runs on a fresh context so a cancelled caller still leaves the
// command in a terminal state. A failed write still counts as a breaker
// failure.
func (s *CommandService) forceExpire(tenantID, commandID string) *model.Command {
	ctx, cancel := context.WithTimeout(context.Background(), busyReleaseTimeout)
	defer cancel()

	cmd, err := s.Expire(ctx, commandID)
	if err != nil {
		log.Error().Err(err).Str("tenantId", tenantID).Str("commandId", commandID).Msg("failed to expire command")
		s.recordFailure(tenantID)
		return nil
	}
	return cmd
}

func (s *CommandService) recordFailure(tenantID string) {
	if s.breaker != nil {
		s.breaker.RecordFailure(tenantID)
	}
}

const expiredMessage = "Command expired before the extension completed it"

func resultFor(cmd *model.Command) *AwaitResult {
	switch cmd.Status {
	case model.CommandStatusCompleted:
		return &AwaitResult{
			Success:   true,
			Category:  CategorySuccess,
			Data:      json.RawMessage(cmd.Result),
			Message:   "Completed",
			CommandID: cmd.ID,
		}
	case model.CommandStatusFailed:
		msg := "Extension reported a failure"
		if cmd.ErrorMessage != nil && *cmd.ErrorMessage != "" {
			msg = *cmd.ErrorMessage
		}
		res := &AwaitResult{
			Category:  CategoryFailed,
			Message:   msg,
			CommandID: cmd.ID,
		}
		if string(cmd.Result) != "null" {
			res.Data = json.RawMessage(cmd.Result)
		}
		return res
	default:
		return &AwaitResult{
			Category:  CategoryExpired,
			Message:   expiredMessage,
			CommandID: cmd.ID,
		}
	}
}

func serverError() *AwaitResult {
	return &AwaitResult{
		Category: CategoryServerError,
		Message:  "An unexpected error occurred",
	}
}
