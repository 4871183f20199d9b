package service

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/agent-coordinator/internal/errors"
	"github.com/openclaw/agent-coordinator/internal/model"
	"github.com/openclaw/agent-coordinator/internal/repository"
	"github.com/openclaw/agent-coordinator/internal/sse"
	"github.com/openclaw/agent-coordinator/internal/util"
)

const (
	DefaultCommandTTL       = 300 * time.Second
	DefaultSyncPollInterval = 500 * time.Millisecond
	DefaultSyncTimeout      = 120 * time.Second
	DefaultSyncPriority     = 10
	DefaultBusyFlagGrace    = 10 * time.Second
	maxCommandTypeLength    = 64
)

var (
	emptyPayload = types.JSONText(`{}`)
	nullResult   = types.JSONText(`null`)
	sealedPrefix = []byte(`{"$sealed":`)
)

type CommandConfig struct {
	TTL           time.Duration
	PollInterval  time.Duration
	SyncTimeout   time.Duration
	SyncPriority  int
	BusyFlagGrace time.Duration
}

type EnqueueParams struct {
	TenantID string
	Type     string
	Payload  json.RawMessage
	Priority int
	TTL      time.Duration
}

type CompleteParams struct {
	TenantID     string
	CommandID    string
	ResultStatus string
	ResultData   json.RawMessage
	ErrorMessage *string
}

type sealedEnvelope struct {
	Sealed string `json:"$sealed"`
}

type CommandService struct {
	commandRepo repository.CommandRepository
	events      EventBroker
	breaker     Breaker
	busy        BusyFlags
	sealer      *util.Sealer
	cfg         CommandConfig
	now         func() time.Time
}

// NewCommandService builds the dispatcher. sealer may be nil, in which case
// payloads and results are stored in clear.
func NewCommandService(
	commandRepo repository.CommandRepository,
	events EventBroker,
	breaker Breaker,
	busy BusyFlags,
	sealer *util.Sealer,
	cfg CommandConfig,
) *CommandService {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCommandTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultSyncPollInterval
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if cfg.SyncPriority == 0 {
		cfg.SyncPriority = DefaultSyncPriority
	}
	if cfg.BusyFlagGrace <= 0 {
		cfg.BusyFlagGrace = DefaultBusyFlagGrace
	}
	if busy == nil {
		busy = NewLocalBusyFlags()
	}
	return &CommandService{
		commandRepo: commandRepo,
		events:      events,
		breaker:     breaker,
		busy:        busy,
		sealer:      sealer,
		cfg:         cfg,
		now:         utcNow,
	}
}

func (s *CommandService) Enqueue(ctx context.Context, params EnqueueParams) (*model.Command, error) {
	if params.TenantID == "" {
		return nil, apperrors.MissingRequired("tenantId")
	}
	if params.Type == "" {
		return nil, apperrors.MissingRequired("type")
	}
	if len(params.Type) > maxCommandTypeLength {
		return nil, apperrors.InvalidInput("type", "too long")
	}

	payload := types.JSONText(params.Payload)
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = emptyPayload
	}
	if !json.Valid(payload) {
		return nil, apperrors.InvalidInput("payload", "must be valid JSON")
	}

	stored, err := s.seal(payload)
	if err != nil {
		return nil, storeError("enqueue_command", params.TenantID, err)
	}

	ttl := params.TTL
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}

	now := s.now()
	cmd, err := s.commandRepo.Create(ctx, model.CreateCommandParams{
		ID:        uuid.NewString(),
		TenantID:  params.TenantID,
		Type:      params.Type,
		Payload:   stored,
		Priority:  params.Priority,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return nil, storeError("enqueue_command", params.TenantID, err)
	}

	publish(ctx, s.events, cmd.TenantID, sse.EventCommandEnqueued, map[string]any{
		"commandId": cmd.ID,
		"type":      cmd.Type,
		"priority":  cmd.Priority,
	})
	log.Debug().
		Str("tenantId", cmd.TenantID).
		Str("commandId", cmd.ID).
		Str("type", cmd.Type).
		Int("priority", cmd.Priority).
		Msg("command enqueued")

	cmd.Payload = payload
	return cmd, nil
}

// PollPending lists the tenant's runnable commands, highest priority and
// oldest first.
func (s *CommandService) PollPending(ctx context.Context, tenantID string) ([]model.Command, error) {
	now := s.now()
	commands, err := s.commandRepo.ListPending(ctx, tenantID, now)
	if err != nil {
		return nil, storeError("poll_commands", tenantID, err)
	}
	for i := range commands {
		s.present(&commands[i], now)
	}
	return commands, nil
}

// Acknowledge moves a pending command to acknowledged. Repeating it, or
// acknowledging a command that has moved on, is a no-op.
func (s *CommandService) Acknowledge(ctx context.Context, tenantID, commandID string) (*model.Command, error) {
	cmd, err := s.find(ctx, tenantID, commandID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ok, err := s.commandRepo.Acknowledge(ctx, cmd.ID, now)
	if err != nil {
		return nil, storeError("acknowledge_command", tenantID, err)
	}
	if ok {
		cmd.Status = model.CommandStatusAcknowledged
		cmd.AcknowledgedAt = &now
		publish(ctx, s.events, tenantID, sse.EventCommandAcknowledged, map[string]any{
			"commandId": cmd.ID,
		})
	}

	s.present(cmd, now)
	return cmd, nil
}

// Complete records the agent's outcome. The first terminal write wins;
// later calls return the stored command unchanged.
func (s *CommandService) Complete(ctx context.Context, params CompleteParams) (*model.Command, error) {
	if params.CommandID == "" {
		return nil, apperrors.MissingRequired("commandId")
	}
	status, ok := model.ParseResultStatus(params.ResultStatus)
	if !ok {
		return nil, apperrors.ValidationError("resultStatus must be \"success\" or \"failed\"")
	}

	result := types.JSONText(params.ResultData)
	if len(bytes.TrimSpace(result)) == 0 {
		result = nullResult
	}
	if !json.Valid(result) {
		return nil, apperrors.InvalidInput("resultData", "must be valid JSON")
	}

	cmd, err := s.find(ctx, params.TenantID, params.CommandID)
	if err != nil {
		return nil, err
	}

	stored, err := s.seal(result)
	if err != nil {
		return nil, storeError("complete_command", params.TenantID, err)
	}

	ok, err = s.commandRepo.Complete(ctx, model.CompleteCommandParams{
		ID:           cmd.ID,
		Status:       status,
		Result:       stored,
		ErrorMessage: params.ErrorMessage,
		Now:          s.now(),
	})
	if err != nil {
		return nil, storeError("complete_command", params.TenantID, err)
	}

	final, err := s.reload(ctx, cmd.ID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.finish(ctx, final)
	}
	return final, nil
}

// Expire forces a non-terminal command to expired. Terminal commands are
// returned unchanged.
func (s *CommandService) Expire(ctx context.Context, commandID string) (*model.Command, error) {
	ok, err := s.commandRepo.Expire(ctx, commandID, s.now())
	if err != nil {
		return nil, storeError("expire_command", "", err)
	}

	cmd, err := s.reload(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.finish(ctx, cmd)
	}
	return cmd, nil
}

func (s *CommandService) Get(ctx context.Context, tenantID, commandID string) (*model.Command, error) {
	cmd, err := s.find(ctx, tenantID, commandID)
	if err != nil {
		return nil, err
	}
	s.present(cmd, s.now())
	return cmd, nil
}

// List returns one page of the tenant's command history, newest first, and
// the total number of commands.
func (s *CommandService) List(ctx context.Context, tenantID string, limit, offset int) ([]model.Command, int, error) {
	commands, err := s.commandRepo.ListByTenantID(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, 0, storeError("list_commands", tenantID, err)
	}
	total, err := s.commandRepo.CountByTenantID(ctx, tenantID)
	if err != nil {
		return nil, 0, storeError("list_commands", tenantID, err)
	}

	now := s.now()
	for i := range commands {
		s.present(&commands[i], now)
	}
	return commands, total, nil
}

func (s *CommandService) find(ctx context.Context, tenantID, commandID string) (*model.Command, error) {
	if commandID == "" {
		return nil, apperrors.MissingRequired("commandId")
	}
	cmd, err := s.commandRepo.FindByTenantAndID(ctx, tenantID, commandID)
	if err != nil {
		return nil, storeError("find_command", tenantID, err)
	}
	if cmd == nil {
		return nil, apperrors.CommandNotFound()
	}
	return cmd, nil
}

func (s *CommandService) reload(ctx context.Context, commandID string) (*model.Command, error) {
	cmd, err := s.commandRepo.FindByID(ctx, commandID)
	if err != nil {
		return nil, storeError("find_command", "", err)
	}
	if cmd == nil {
		return nil, apperrors.CommandNotFound()
	}
	s.present(cmd, s.now())
	return cmd, nil
}

// finish reports a terminal transition to subscribers and the breaker.
func (s *CommandService) finish(ctx context.Context, cmd *model.Command) {
	switch cmd.Status {
	case model.CommandStatusCompleted:
		if s.breaker != nil {
			s.breaker.RecordSuccess(cmd.TenantID)
		}
	case model.CommandStatusFailed, model.CommandStatusExpired:
		if s.breaker != nil {
			s.breaker.RecordFailure(cmd.TenantID)
		}
	}

	publish(ctx, s.events, cmd.TenantID, sse.EventCommandFinished, commandFinished{
		CommandID: cmd.ID,
		Type:      cmd.Type,
		Status:    cmd.Status,
	})
	log.Info().
		Str("tenantId", cmd.TenantID).
		Str("commandId", cmd.ID).
		Str("type", cmd.Type).
		Str("status", string(cmd.Status)).
		Msg("command finished")
}

type commandFinished struct {
	CommandID string              `json:"commandId"`
	Type      string              `json:"type"`
	Status    model.CommandStatus `json:"status"`
}

// present opens sealed fields and applies lazy expiry for callers.
func (s *CommandService) present(cmd *model.Command, now time.Time) {
	cmd.Status = cmd.EffectiveStatus(now)

	if payload, err := s.open(cmd.Payload); err != nil {
		log.Error().Err(err).Str("commandId", cmd.ID).Msg("failed to open command payload")
	} else {
		cmd.Payload = payload
	}
	if result, err := s.open(cmd.Result); err != nil {
		log.Error().Err(err).Str("commandId", cmd.ID).Msg("failed to open command result")
	} else {
		cmd.Result = result
	}
}

func (s *CommandService) seal(data types.JSONText) (types.JSONText, error) {
	if s.sealer == nil || bytes.Equal(data, nullResult) {
		return data, nil
	}
	sealed, err := s.sealer.Seal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sealedEnvelope{Sealed: sealed})
}

func (s *CommandService) open(stored types.JSONText) (types.JSONText, error) {
	if !bytes.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if s.sealer == nil {
		return nil, apperrors.Internal("sealed command data without an encryption key")
	}
	var env sealedEnvelope
	if err := json.Unmarshal(stored, &env); err != nil {
		return nil, err
	}
	return s.sealer.Open(env.Sealed)
}
