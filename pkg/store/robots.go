package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// EnsureRobot registers a robot by name, idempotently, and returns its row.
// An existing robot keeps its group unless groupName is non-empty.
func (s *Store) EnsureRobot(ctx context.Context, name, groupName string) (*Robot, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var r Robot
	var group *string
	err = conn.QueryRow(ctx, `
		INSERT INTO robots (name, group_name)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (name) DO UPDATE
			SET group_name = COALESCE(NULLIF(EXCLUDED.group_name, ''), robots.group_name)
		RETURNING id, name, group_name, created_at`,
		name, groupName).Scan(&r.ID, &r.Name, &group, &r.CreatedAt)
	if err != nil {
		return nil, mapErr("ensure robot", err)
	}
	if group != nil {
		r.GroupName = *group
	}
	return &r, nil
}

// GetRobot fetches a robot by name.
func (s *Store) GetRobot(ctx context.Context, name string) (*Robot, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var r Robot
	var group *string
	err = conn.QueryRow(ctx,
		`SELECT id, name, group_name, created_at FROM robots WHERE name = $1`,
		name).Scan(&r.ID, &r.Name, &group, &r.CreatedAt)
	if err != nil {
		return nil, mapErr("get robot", err)
	}
	if group != nil {
		r.GroupName = *group
	}
	return &r, nil
}

// LinkRobotNode associates a robot with a node, bumping the remember count
// on re-links and clearing any tombstone on the link.
func (s *Store) LinkRobotNode(ctx context.Context, robotID, nodeID int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return linkRobotNodeTx(ctx, tx, robotID, nodeID)
	})
}

func linkRobotNodeTx(ctx context.Context, tx pgx.Tx, robotID, nodeID int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO robot_nodes (robot_id, node_id, remember_count, first_remembered_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (robot_id, node_id) DO UPDATE SET
			remember_count      = robot_nodes.remember_count + 1,
			first_remembered_at = COALESCE(robot_nodes.first_remembered_at, now()),
			last_remembered_at  = now(),
			deleted_at          = NULL`,
		robotID, nodeID)
	return mapErr("link robot node", err)
}

// SetWorkingMemoryFlag persists whether a node is in a robot's working
// memory. The in-process wm package is authoritative; this flag is what
// peers read during group reconciliation. A row created here (recall
// promotion of a node the robot never remembered) carries remember_count 0:
// the count tracks Remember calls only.
func (s *Store) SetWorkingMemoryFlag(ctx context.Context, robotID, nodeID int64, inWM bool) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
		INSERT INTO robot_nodes (robot_id, node_id, in_working_memory, remember_count)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (robot_id, node_id) DO UPDATE SET
			in_working_memory = EXCLUDED.in_working_memory,
			deleted_at        = NULL`,
		robotID, nodeID, inWM)
	return mapErr("set working memory flag", err)
}

// ClearWorkingMemoryFlags drops all working-memory flags for a robot.
func (s *Store) ClearWorkingMemoryFlags(ctx context.Context, robotID int64) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	_, err = conn.Exec(ctx,
		`UPDATE robot_nodes SET in_working_memory = FALSE
		 WHERE robot_id = $1 AND in_working_memory`, robotID)
	return mapErr("clear working memory flags", err)
}

// WorkingMemoryNodeIDs lists the node ids flagged as in working memory for a
// robot, excluding soft-deleted nodes and links.
func (s *Store) WorkingMemoryNodeIDs(ctx context.Context, robotID int64) ([]int64, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
		SELECT rn.node_id
		FROM robot_nodes rn
		JOIN nodes n ON n.id = rn.node_id AND n.deleted_at IS NULL
		WHERE rn.robot_id = $1 AND rn.in_working_memory AND rn.deleted_at IS NULL
		ORDER BY rn.last_remembered_at DESC`, robotID)
	if err != nil {
		return nil, mapErr("working memory node ids", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("working memory node ids", err)
		}
		out = append(out, id)
	}
	return out, mapErr("working memory node ids", rows.Err())
}

// RememberCount returns how many times a robot has remembered a node.
func (s *Store) RememberCount(ctx context.Context, robotID, nodeID int64) (int, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	var n int
	err = conn.QueryRow(ctx,
		`SELECT remember_count FROM robot_nodes WHERE robot_id = $1 AND node_id = $2`,
		robotID, nodeID).Scan(&n)
	if err != nil {
		return 0, mapErr("remember count", err)
	}
	return n, nil
}
