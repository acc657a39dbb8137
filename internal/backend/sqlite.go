package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"outliner-backend/internal/domain/node"
	apperrors "outliner-backend/internal/errors"
)

// SQLiteBackend stores nodes in a local SQLite file. It suits single-user
// deployments where DynamoDB is unavailable.
type SQLiteBackend struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway store.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// modernc.org/sqlite registers as "sqlite".
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s := &SQLiteBackend{db: db, now: time.Now, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("SQLite backend ready", zap.String("path", path))
	return s, nil
}

func (s *SQLiteBackend) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			node_type TEXT NOT NULL,
			content TEXT NOT NULL,
			properties_json TEXT NOT NULL,
			mentions_json TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at_unixms INTEGER NOT NULL,
			modified_at_unixms INTEGER NOT NULL,
			parent_id TEXT,
			before_sibling_id TEXT,
			container_node_id TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);`,
	}
	for _, st := range stmts {
		if _, err := s.db.ExecContext(ctx, st); err != nil {
			return fmt.Errorf("sqlite migration failed: %w", err)
		}
	}
	return nil
}

// Close releases the database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

const nodeColumns = `id, node_type, content, properties_json, mentions_json, version,
	created_at_unixms, modified_at_unixms, parent_id, before_sibling_id, container_node_id`

func (s *SQLiteBackend) CreateNode(ctx context.Context, n *node.Node) (*node.Node, error) {
	if n == nil {
		return nil, apperrors.Validation(apperrors.CodeNodeIDEmpty.String(), "node is required").Build()
	}
	stored := NormalizeContainer(n)
	if err := node.ValidateForPersistence(stored); err != nil {
		return nil, err
	}

	now := s.now()
	stored.Version = 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.ModifiedAt = now

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := checkRefsTx(ctx, tx, "createNode", stored.ID, stored.Parent(), stored.BeforeSibling()); err != nil {
			return err
		}
		props, mentions, err := encodeCollections(stored)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			stored.ID, string(stored.NodeType), stored.Content, props, mentions, stored.Version,
			stored.CreatedAt.UnixMilli(), stored.ModifiedAt.UnixMilli(),
			nullable(stored.ParentID), nullable(stored.BeforeSiblingID), nullable(stored.ContainerNodeID),
		)
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return alreadyExists("createNode", stored.ID)
		}
		return err
	})
	if err != nil {
		return nil, s.classify(err, "createNode", stored.ID)
	}
	return stored, nil
}

func (s *SQLiteBackend) GetNode(ctx context.Context, id string) (*node.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify(err, "getNode", id)
	}
	return n, nil
}

func (s *SQLiteBackend) UpdateNode(ctx context.Context, id string, version int64, patch Patch) (*node.Node, error) {
	var out *node.Node
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return notFound("updateNode", id)
		}
		if version > 0 && version != cur.Version {
			return versionConflict("updateNode", id, version, cur.Version)
		}

		next := cur.Clone()
		patch.Apply(next)
		if err := node.ValidateForPersistence(next); err != nil {
			return err
		}
		next.Version = cur.Version + 1
		next.ModifiedAt = s.now()

		props, mentions, err := encodeCollections(next)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE nodes SET node_type = ?, content = ?, properties_json = ?, mentions_json = ?,
			version = ?, modified_at_unixms = ?, container_node_id = ? WHERE id = ? AND version = ?`,
			string(next.NodeType), next.Content, props, mentions,
			next.Version, next.ModifiedAt.UnixMilli(), nullable(next.ContainerNodeID), id, cur.Version,
		)
		out = next
		return err
	})
	if err != nil {
		return nil, s.classify(err, "updateNode", id)
	}
	return out, nil
}

func (s *SQLiteBackend) DeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return s.classify(err, "deleteNode", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("deleteNode", id)
	}
	return nil
}

func (s *SQLiteBackend) SetParent(ctx context.Context, childID, parentID, beforeSiblingID string) (*node.Node, error) {
	var out *node.Node
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getTx(ctx, tx, childID)
		if err != nil {
			return err
		}
		if cur == nil {
			return notFound("setParent", childID)
		}
		if err := checkRefsTx(ctx, tx, "setParent", childID, parentID, beforeSiblingID); err != nil {
			return err
		}

		next := cur.Clone()
		next.ParentID = node.Ptr(parentID)
		next.BeforeSiblingID = node.Ptr(beforeSiblingID)
		next.Version = cur.Version + 1
		next.ModifiedAt = s.now()

		_, err = tx.ExecContext(ctx, `UPDATE nodes SET parent_id = ?, before_sibling_id = ?, version = ?, modified_at_unixms = ?
			WHERE id = ? AND version = ?`,
			nullable(next.ParentID), nullable(next.BeforeSiblingID), next.Version, next.ModifiedAt.UnixMilli(),
			childID, cur.Version,
		)
		out = next
		return err
	})
	if err != nil {
		return nil, s.classify(err, "setParent", childID)
	}
	return out, nil
}

func (s *SQLiteBackend) ListChildren(ctx context.Context, parentID string) ([]*node.Node, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if parentID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id IS NULL`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ?`, parentID)
	}
	if err != nil {
		return nil, s.classify(err, "listChildren", parentID)
	}
	defer rows.Close()

	var out []*node.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, s.classify(err, "listChildren", parentID)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(err, "listChildren", parentID)
	}
	return OrderBySiblingChain(out), nil
}

func (s *SQLiteBackend) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// classify passes unified errors through and wraps driver errors.
func (s *SQLiteBackend) classify(err error, op, id string) error {
	var ue *apperrors.UnifiedError
	if errors.As(err, &ue) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.Timeout(apperrors.CodeBackendFailure.String(), "sqlite call timed out").
			WithOperation(op).
			WithResource(id).
			WithCause(err).
			Build()
	}
	s.logger.Error("SQLite operation failed",
		zap.String("operation", op),
		zap.String("node_id", id),
		zap.Error(err),
	)
	return persistenceFailure(op, id, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (*node.Node, error) {
	var (
		n                         node.Node
		nodeType, props, mentions string
		created, modified         int64
		parent, before, container sql.NullString
	)
	if err := r.Scan(&n.ID, &nodeType, &n.Content, &props, &mentions, &n.Version,
		&created, &modified, &parent, &before, &container); err != nil {
		return nil, err
	}
	n.NodeType = node.NodeType(nodeType)
	n.CreatedAt = time.UnixMilli(created).UTC()
	n.ModifiedAt = time.UnixMilli(modified).UTC()
	n.ParentID = fromNullable(parent)
	n.BeforeSiblingID = fromNullable(before)
	n.ContainerNodeID = fromNullable(container)
	if err := json.Unmarshal([]byte(props), &n.Properties); err != nil {
		return nil, fmt.Errorf("decode properties of %s: %w", n.ID, err)
	}
	if err := json.Unmarshal([]byte(mentions), &n.Mentions); err != nil {
		return nil, fmt.Errorf("decode mentions of %s: %w", n.ID, err)
	}
	return &n, nil
}

func getTx(ctx context.Context, tx *sql.Tx, id string) (*node.Node, error) {
	n, err := scanNode(tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return n, err
}

func checkRefsTx(ctx context.Context, tx *sql.Tx, op, id, parentID, beforeSiblingID string) error {
	for _, ref := range []string{parentID, beforeSiblingID} {
		if ref == "" {
			continue
		}
		if ref == id {
			return apperrors.Validation(apperrors.CodeSelfReference.String(), "node cannot reference itself").
				WithOperation(op).
				WithResource(id).
				Build()
		}
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, ref).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.Validation(apperrors.CodeBackendRejected.String(), "referenced node does not exist").
				WithOperation(op).
				WithResource(id).
				WithDetails(ref).
				Build()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func encodeCollections(n *node.Node) (string, string, error) {
	props := n.Properties
	if props == nil {
		props = map[string]string{}
	}
	mentions := n.Mentions
	if mentions == nil {
		mentions = []string{}
	}
	pb, err := json.Marshal(props)
	if err != nil {
		return "", "", err
	}
	mb, err := json.Marshal(mentions)
	if err != nil {
		return "", "", err
	}
	return string(pb), string(mb), nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return node.Ptr(s.String)
}
