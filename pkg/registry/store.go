// Package registry persists the agent catalog and each agent's current
// deployment pointer in SQLite.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"callctl/pkg/protocol"
)

const timeLayout = time.RFC3339Nano

// Store manages the agents table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore returns a Store backed by db. The schema must already exist
// (see OpenDB).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// CreateParams holds the declared configuration of a new agent.
type CreateParams struct {
	Type        protocol.AgentType
	Name        string
	Personality string
}

// Validate checks that the params describe a runnable agent.
func (p CreateParams) Validate() error {
	if _, err := protocol.ParseAgentType(string(p.Type)); err != nil {
		return err
	}
	if strings.TrimSpace(p.Name) == "" {
		return &protocol.ValidationError{Field: "name", Message: "required"}
	}
	if strings.TrimSpace(p.Personality) == "" {
		return &protocol.ValidationError{Field: "personality", Message: "required"}
	}
	return nil
}

// Create inserts a new active agent with a fresh UUID.
func (s *Store) Create(ctx context.Context, p CreateParams) (protocol.Agent, error) {
	if err := p.Validate(); err != nil {
		return protocol.Agent{}, err
	}
	now := s.now().UTC()
	a := protocol.Agent{
		ID:          uuid.NewString(),
		Type:        p.Type,
		Name:        strings.TrimSpace(p.Name),
		Personality: strings.TrimSpace(p.Personality),
		Status:      protocol.AgentActive,
		CreatedAt:   now,
		UpdatedAt:   now,
		Deployment:  protocol.DeploymentRecord{Status: protocol.NotDeployed},
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, agent_type, name, personality, status, created_at, updated_at, deployment_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Type), a.Name, a.Personality, string(a.Status),
		now.Format(timeLayout), now.Format(timeLayout), string(protocol.NotDeployed),
	)
	if err != nil {
		return protocol.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	return a, nil
}

const selectAgent = `SELECT id, agent_type, name, personality, status, created_at, updated_at,
	dispatch_id, room_name, deployment_status, deployed_at, deployment_metadata FROM agents`

// Get returns the agent with id.
func (s *Store) Get(ctx context.Context, id string) (protocol.Agent, error) {
	row := s.db.QueryRowContext(ctx, selectAgent+` WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Agent{}, &protocol.NotFoundError{Kind: "agent", ID: id}
	}
	if err != nil {
		return protocol.Agent{}, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// List returns every agent, oldest first.
func (s *Store) List(ctx context.Context) ([]protocol.Agent, error) {
	rows, err := s.db.QueryContext(ctx, selectAgent+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := []protocol.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// Delete removes the agent with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	return requireRow(res, id)
}

// SetStatus updates the administrative status of an agent.
func (s *Store) SetStatus(ctx context.Context, id string, status protocol.AgentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now().UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("set status of agent %s: %w", id, err)
	}
	return requireRow(res, id)
}

// RecordDeployment writes the dispatch id, room, status, timestamp and
// metadata of a deployment in a single UPDATE.
func (s *Store) RecordDeployment(ctx context.Context, id string, rec protocol.DeploymentRecord) error {
	if (rec.DispatchID == "") != (rec.RoomName == "") {
		return &protocol.ValidationError{Field: "deployment", Message: "dispatch_id and room_name must be set together"}
	}
	if rec.Status == "" {
		rec.Status = protocol.Deployed
	}

	var deployedAt any
	if rec.DeployedAt != nil {
		deployedAt = rec.DeployedAt.UTC().Format(timeLayout)
	}
	var metadata any
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode deployment metadata: %w", err)
		}
		metadata = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET dispatch_id = ?, room_name = ?, deployment_status = ?, deployed_at = ?,
		 deployment_metadata = ?, updated_at = ? WHERE id = ?`,
		nullString(rec.DispatchID), nullString(rec.RoomName), string(rec.Status), deployedAt,
		metadata, s.now().UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("record deployment of agent %s: %w", id, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return &protocol.NotFoundError{Kind: "agent", ID: id}
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(sc scanner) (protocol.Agent, error) {
	var (
		a                       protocol.Agent
		agentType, status       string
		createdAt, updatedAt    string
		dispatchID, roomName    sql.NullString
		deployStatus            string
		deployedAt, metadataRaw sql.NullString
	)
	err := sc.Scan(&a.ID, &agentType, &a.Name, &a.Personality, &status, &createdAt, &updatedAt,
		&dispatchID, &roomName, &deployStatus, &deployedAt, &metadataRaw)
	if err != nil {
		return a, err
	}
	a.Type = protocol.AgentType(agentType)
	a.Status = protocol.AgentStatus(status)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	a.Deployment = protocol.DeploymentRecord{
		DispatchID: dispatchID.String,
		RoomName:   roomName.String,
		Status:     protocol.DeploymentStatus(deployStatus),
	}
	if deployedAt.Valid && deployedAt.String != "" {
		t := parseTime(deployedAt.String)
		a.Deployment.DeployedAt = &t
	}
	if metadataRaw.Valid && metadataRaw.String != "" {
		if err := json.Unmarshal([]byte(metadataRaw.String), &a.Deployment.Metadata); err != nil {
			return a, fmt.Errorf("decode deployment metadata: %w", err)
		}
	}
	return a, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
