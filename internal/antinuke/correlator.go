package antinuke

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// AuditAPI is the slice of the Discord session the correlator needs.
type AuditAPI interface {
	GuildAuditLog(guildID, userID, beforeID string, actionType, limit int, options ...discordgo.RequestOption) (*discordgo.GuildAuditLog, error)
}

// Delegations tracks actions the bot performs on behalf of a user, so that
// when the audit log attributes the action to the bot itself the correlator
// can recover the real actor. Tokens are consumed on first resolve and expire
// after a short TTL.
type Delegations struct {
	mu     sync.Mutex
	ttl    time.Duration
	clock  Clock
	tokens map[string]delegationToken
}

type delegationToken struct {
	actorID  string
	issuedAt time.Time
}

func NewDelegations(ttl time.Duration) *Delegations {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Delegations{
		ttl:    ttl,
		clock:  realClock{},
		tokens: make(map[string]delegationToken),
	}
}

func (d *Delegations) WithClock(clock Clock) {
	d.clock = clock
}

func delegationKey(guildID string, kind Kind, targetID string) string {
	return fmt.Sprintf("%s|%s|%s", guildID, kind, targetID)
}

// Record registers that actorID asked the bot to perform kind on targetID.
func (d *Delegations) Record(guildID string, kind Kind, targetID, actorID string) {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, token := range d.tokens {
		if now.Sub(token.issuedAt) > d.ttl {
			delete(d.tokens, key)
		}
	}
	d.tokens[delegationKey(guildID, kind, targetID)] = delegationToken{actorID: actorID, issuedAt: now}
}

// Resolve consumes a delegation token, returning the real actor if one was
// recorded recently enough.
func (d *Delegations) Resolve(guildID string, kind Kind, targetID string) (string, bool) {
	key := delegationKey(guildID, kind, targetID)
	d.mu.Lock()
	defer d.mu.Unlock()
	token, ok := d.tokens[key]
	if !ok {
		return "", false
	}
	delete(d.tokens, key)
	if d.clock.Now().Sub(token.issuedAt) > d.ttl {
		return "", false
	}
	return token.actorID, true
}

// Correlator resolves the actor behind a gateway event by reading the
// guild's audit log. Gateway events name the target but not the executor;
// only a fresh matching audit entry can tie the two together.
type Correlator struct {
	api         AuditAPI
	delegations *Delegations
	dir         Directory
	window      time.Duration
	webhookWin  time.Duration
	clock       Clock
	log         *zap.Logger
}

func NewCorrelator(api AuditAPI, delegations *Delegations, dir Directory, window, webhookWindow time.Duration, log *zap.Logger) *Correlator {
	if window <= 0 {
		window = 3 * time.Second
	}
	if webhookWindow <= 0 {
		webhookWindow = 5 * time.Second
	}
	return &Correlator{
		api:         api,
		delegations: delegations,
		dir:         dir,
		window:      window,
		webhookWin:  webhookWindow,
		clock:       realClock{},
		log:         log,
	}
}

func (c *Correlator) WithClock(clock Clock) {
	c.clock = clock
}

func (c *Correlator) windowFor(kind Kind) time.Duration {
	if kind == KindWebhooks {
		return c.webhookWin
	}
	return c.window
}

// Resolve finds the user responsible for an action of the given audit type
// against targetID. It returns empty without error when no entry is recent
// enough, which callers treat as "actor unknown, do not escalate".
func (c *Correlator) Resolve(guildID string, kind Kind, auditAction discordgo.AuditLogAction, targetID string) (string, error) {
	audit, err := c.api.GuildAuditLog(guildID, "", "", int(auditAction), 2)
	if err != nil {
		return "", fmt.Errorf("fetch audit log: %w", err)
	}
	now := c.clock.Now()
	maxAge := c.windowFor(kind)
	for _, entry := range audit.AuditLogEntries {
		if entry.ActionType == nil || *entry.ActionType != auditAction {
			continue
		}
		if targetID != "" && entry.TargetID != targetID {
			continue
		}
		created, err := discordgo.SnowflakeTimestamp(entry.ID)
		if err != nil {
			continue
		}
		if now.Sub(created) > maxAge {
			continue
		}
		actor := entry.UserID
		if actor == c.dir.BotUserID() {
			if delegated, ok := c.delegations.Resolve(guildID, kind, targetID); ok {
				return delegated, nil
			}
			// The bot's own unattributed action never counts as a threat.
			return "", nil
		}
		return actor, nil
	}
	c.log.Debug("no recent audit entry",
		zap.String("guild_id", guildID),
		zap.String("kind", string(kind)),
		zap.String("target_id", targetID))
	return "", nil
}
