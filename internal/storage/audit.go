package storage

import (
	"context"

	"github.com/google/uuid"
)

type AuditLog struct {
	ActorID    uuid.UUID
	ActorType  string
	Action     string
	EntityType string
	EntityID   *uuid.UUID
	IP         string
	UserAgent  string
}

func (s *Store) InsertAudit(ctx context.Context, log AuditLog) error {
	if log.ActorType == "" {
		log.ActorType = "user"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, actor_id, actor_type, action, entity_type, entity_id, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`, uuid.New(), log.ActorID, log.ActorType, log.Action, log.EntityType, log.EntityID, log.IP, log.UserAgent)
	return err
}
