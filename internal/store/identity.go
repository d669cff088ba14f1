package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Identity is the single evolvable-fields row, §3 Identity. Supplemented
// from original_source/core/identity.py's evolution journal, since
// spec.md names the record but leaves the journal entry shape implicit.
type Identity struct {
	Creator            string
	DisplayName        string
	Purpose            string
	Values             []string
	Beliefs            []string
	Curiosities        []string
	Boundaries         []string
	Capabilities       []string
	Personality        string
	CommunicationStyle string
	UpdatedAt          time.Time
}

// IdentityEvolution is one journaled change to Identity.
type IdentityEvolution struct {
	ID         int64
	Trigger    string
	Field      string
	OldValue   string
	NewValue   string
	Reason     string
	Confidence float64
	CreatedAt  time.Time
}

type IdentityRepo struct {
	db Store
}

func NewIdentityRepo(db Store) *IdentityRepo { return &IdentityRepo{db: db} }

// Seed inserts the single identity row if absent, matching the
// creator-immutable invariant: Seed never overwrites an existing row.
func (r *IdentityRepo) Seed(ctx context.Context, id *Identity) error {
	rows, err := r.db.Execute(ctx, `SELECT id FROM identity WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("store: seed identity: select: %w", err)
	}
	if len(rows) > 0 {
		return nil
	}
	id.UpdatedAt = time.Now().UTC()
	vals, _ := json.Marshal(id.Values)
	beliefs, _ := json.Marshal(id.Beliefs)
	curiosities, _ := json.Marshal(id.Curiosities)
	boundaries, _ := json.Marshal(id.Boundaries)
	caps, _ := json.Marshal(id.Capabilities)
	_, err = r.db.ExecuteInsert(ctx, `INSERT INTO identity
		(id, creator, display_name, purpose, values, beliefs, curiosities, boundaries, capabilities, personality, communication_style, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.Creator, id.DisplayName, id.Purpose, string(vals), string(beliefs), string(curiosities), string(boundaries), string(caps),
		id.Personality, id.CommunicationStyle, id.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: seed identity: insert: %w", err)
	}
	return nil
}

func (r *IdentityRepo) Get(ctx context.Context) (*Identity, error) {
	rows, err := r.db.Execute(ctx, `SELECT creator, display_name, purpose, values, beliefs, curiosities, boundaries, capabilities, personality, communication_style, updated_at FROM identity WHERE id = 1`)
	if err != nil {
		return nil, fmt.Errorf("store: get identity: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	row := rows[0]
	id := &Identity{
		Creator:            asString(row["creator"]),
		DisplayName:        asString(row["display_name"]),
		Purpose:            asString(row["purpose"]),
		Personality:        asString(row["personality"]),
		CommunicationStyle: asString(row["communication_style"]),
		UpdatedAt:          mustTime(row["updated_at"]),
	}
	_ = json.Unmarshal([]byte(asString(row["values"])), &id.Values)
	_ = json.Unmarshal([]byte(asString(row["beliefs"])), &id.Beliefs)
	_ = json.Unmarshal([]byte(asString(row["curiosities"])), &id.Curiosities)
	_ = json.Unmarshal([]byte(asString(row["boundaries"])), &id.Boundaries)
	_ = json.Unmarshal([]byte(asString(row["capabilities"])), &id.Capabilities)
	return id, nil
}

// EvolveField updates one evolvable field (never `creator`) and journals
// the change, per §3 "Changes are journaled to an identity_evolution log".
func (r *IdentityRepo) EvolveField(ctx context.Context, field, oldValue, newValue, trigger, reason string, confidence float64) error {
	column := identityColumnFor(field)
	if column == "" {
		return fmt.Errorf("store: evolve field: unknown or immutable field %q", field)
	}
	now := time.Now().UTC()
	if _, err := r.db.ExecuteInsert(ctx, `UPDATE identity SET `+column+` = ?, updated_at = ? WHERE id = 1`, newValue, now); err != nil {
		return fmt.Errorf("store: evolve field: update: %w", err)
	}
	_, err := r.db.ExecuteInsert(ctx, `INSERT INTO identity_evolution (trigger, field, old_value, new_value, reason, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, trigger, field, oldValue, newValue, reason, confidence, now)
	if err != nil {
		return fmt.Errorf("store: evolve field: journal: %w", err)
	}
	return nil
}

func identityColumnFor(field string) string {
	switch field {
	case "display_name", "purpose", "personality", "communication_style",
		"values", "beliefs", "curiosities", "boundaries", "capabilities":
		return field
	default:
		return ""
	}
}

func (r *IdentityRepo) EvolutionLog(ctx context.Context, limit int) ([]*IdentityEvolution, error) {
	rows, err := r.db.Execute(ctx, `SELECT id, trigger, field, old_value, new_value, reason, confidence, created_at
		FROM identity_evolution ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: evolution log: %w", err)
	}
	out := make([]*IdentityEvolution, 0, len(rows))
	for _, row := range rows {
		out = append(out, &IdentityEvolution{
			ID:         asInt64(row["id"]),
			Trigger:    asString(row["trigger"]),
			Field:      asString(row["field"]),
			OldValue:   asString(row["old_value"]),
			NewValue:   asString(row["new_value"]),
			Reason:     asString(row["reason"]),
			Confidence: asFloat64(row["confidence"]),
			CreatedAt:  mustTime(row["created_at"]),
		})
	}
	return out, nil
}
