package antinuke

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"aegis-guardian/internal/ratelimit"
)

// Event is one observed moderation-surface action, already mapped to a
// threat kind by the gateway layer. ActorID is empty unless the gateway
// event itself names the executor.
type Event struct {
	GuildID    string
	Kind       Kind
	ActorID    string
	TargetID   string
	AuditType  discordgo.AuditLogAction
	CleanupKey string
}

// ActorResolver ties an event to the user who executed it.
type ActorResolver interface {
	Resolve(guildID string, kind Kind, auditAction discordgo.AuditLogAction, targetID string) (string, error)
}

// Punisher applies the configured sanction to an offender.
type Punisher interface {
	Punish(guildID, userID, punishment, reason string) error
}

// Scheduler accepts cleanup keys for later remediation.
type Scheduler interface {
	Enqueue(guildID, key string)
}

// ExemptionStore answers per-guild trust questions.
type ExemptionStore interface {
	IsWhitelisted(ctx context.Context, guildID, userID string) (bool, error)
	IsTrustedAdmin(ctx context.Context, guildID, userID string) (bool, error)
}

// Recorder persists a violation for the guild's audit trail.
type Recorder interface {
	Record(ctx context.Context, guildID, userID, action, detail string)
}

// Alerter reports a neutralized threat to the guild's security channel.
type Alerter func(guildID, actorID string, kind Kind, punishment string, count int)

// Evaluator decides whether an observed action is a threat: it resolves the
// actor, applies exemptions, counts the hit against the guild's threshold
// and, on violation, sanctions the actor and schedules cleanup.
type Evaluator struct {
	cache      *ConfigCache
	limiter    *ratelimit.Limiter
	resolver   ActorResolver
	punisher   Punisher
	scheduler  Scheduler
	dir        Directory
	exemptions ExemptionStore
	recorder   Recorder
	alert      Alerter
	log        *zap.Logger
}

func NewEvaluator(cache *ConfigCache, limiter *ratelimit.Limiter, resolver ActorResolver, punisher Punisher, scheduler Scheduler, dir Directory, exemptions ExemptionStore, recorder Recorder, log *zap.Logger) *Evaluator {
	return &Evaluator{
		cache:      cache,
		limiter:    limiter,
		resolver:   resolver,
		punisher:   punisher,
		scheduler:  scheduler,
		dir:        dir,
		exemptions: exemptions,
		recorder:   recorder,
		log:        log,
	}
}

// SetAlerter installs the security-channel callback. Optional; the
// evaluator works without one.
func (e *Evaluator) SetAlerter(alert Alerter) {
	e.alert = alert
}

func hitKey(guildID string, kind Kind, actorID string) string {
	return fmt.Sprintf("%s|%s|%s", guildID, kind, actorID)
}

// HandleEvent processes one observed action end to end. Errors are
// terminal for this event only; the evaluator never aborts the gateway
// loop.
func (e *Evaluator) HandleEvent(ctx context.Context, ev Event) {
	if !e.cache.Enabled(ev.GuildID, ev.Kind) {
		return
	}

	actor := ev.ActorID
	if actor == "" {
		resolved, err := e.resolver.Resolve(ev.GuildID, ev.Kind, ev.AuditType, ev.TargetID)
		if err != nil {
			e.log.Warn("actor resolution failed",
				zap.String("guild_id", ev.GuildID),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
			return
		}
		actor = resolved
	}
	if actor == "" {
		// No attributable executor. Unowned damage is never escalated.
		return
	}

	exempt, err := e.isExempt(ctx, ev.GuildID, actor)
	if err != nil {
		e.log.Warn("exemption check failed",
			zap.String("guild_id", ev.GuildID),
			zap.String("user_id", actor),
			zap.Error(err))
		return
	}
	if exempt {
		return
	}

	count := e.limiter.AddAction(hitKey(ev.GuildID, ev.Kind, actor))
	threshold := e.cache.Threshold(ev.GuildID, ev.Kind)
	if count <= threshold {
		return
	}

	punishment := e.cache.Punishment(ev.GuildID)
	reason := fmt.Sprintf("Antinuke: %s threshold exceeded (%d in window)", ev.Kind, count)
	if err := e.punisher.Punish(ev.GuildID, actor, punishment, reason); err != nil {
		var perr *PunishError
		if errors.As(err, &perr) && (perr.Code == CodeCooldown || perr.Code == CodeProtected || perr.Code == CodeOutranked) {
			e.log.Debug("sanction withheld",
				zap.String("guild_id", ev.GuildID),
				zap.String("user_id", actor),
				zap.String("code", perr.Code.String()))
		} else {
			e.log.Error("sanction failed",
				zap.String("guild_id", ev.GuildID),
				zap.String("user_id", actor),
				zap.String("punishment", punishment),
				zap.Error(err))
		}
	} else if e.alert != nil {
		e.alert(ev.GuildID, actor, ev.Kind, punishment, count)
	}

	if ev.CleanupKey != "" {
		e.scheduler.Enqueue(ev.GuildID, ev.CleanupKey)
	}
	if e.recorder != nil {
		e.recorder.Record(ctx, ev.GuildID, actor, string(ev.Kind), reason)
	}
}

func (e *Evaluator) isExempt(ctx context.Context, guildID, userID string) (bool, error) {
	if userID == e.dir.BotUserID() {
		return true, nil
	}
	ownerID, err := e.dir.GuildOwnerID(guildID)
	if err != nil {
		return false, fmt.Errorf("resolve guild owner: %w", err)
	}
	if userID == ownerID {
		return true, nil
	}
	whitelisted, err := e.exemptions.IsWhitelisted(ctx, guildID, userID)
	if err != nil {
		return false, err
	}
	if whitelisted {
		return true, nil
	}
	trusted, err := e.exemptions.IsTrustedAdmin(ctx, guildID, userID)
	if err != nil {
		return false, err
	}
	return trusted, nil
}
