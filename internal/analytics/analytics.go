// Package analytics summarizes the audit trail into per-guild reports.
package analytics

import (
	"context"
	"sort"
	"time"

	"aegis-guardian/internal/storage"
)

type Service struct {
	store *storage.Store
}

func New(store *storage.Store) *Service {
	return &Service{store: store}
}

type Report struct {
	Total     int
	ByLevel   map[string]int
	ByEvent   map[string]int
	TopActors []ActorCount
}

type ActorCount struct {
	UserID string
	Count  int
}

// Report aggregates the guild's audit trail since the given time.
func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	logs, err := s.store.ListAuditLogs(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		ByLevel: make(map[string]int),
		ByEvent: make(map[string]int),
	}
	actors := make(map[string]int)
	for _, log := range logs {
		report.Total++
		report.ByLevel[log.Level]++
		report.ByEvent[log.Event]++
		if log.UserID != "" {
			actors[log.UserID]++
		}
	}
	for userID, count := range actors {
		report.TopActors = append(report.TopActors, ActorCount{UserID: userID, Count: count})
	}
	sort.Slice(report.TopActors, func(i, j int) bool {
		if report.TopActors[i].Count != report.TopActors[j].Count {
			return report.TopActors[i].Count > report.TopActors[j].Count
		}
		return report.TopActors[i].UserID < report.TopActors[j].UserID
	})
	if len(report.TopActors) > 5 {
		report.TopActors = report.TopActors[:5]
	}
	return report, nil
}
