package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zlnvch/inkroom/models"
	"github.com/zlnvch/inkroom/store"
)

// SQLiteBoardStore is the single-node store. Writes go through one
// connection so every transaction is serialised; the cursor conditions are
// still checked so behaviour matches the DynamoDB store.
type SQLiteBoardStore struct {
	db *sql.DB
}

func NewSQLiteBoardStore(dbPath string) (*SQLiteBoardStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}

	// Writers take the write lock at BEGIN, before reading the cursor
	db, err := sql.Open("sqlite", dbPath+"?_txlock=immediate")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("SQLite board store initialized at %s", dbPath)
	return &SQLiteBoardStore{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS boards (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		public_access INTEGER NOT NULL DEFAULT 0,
		snapshot_ref TEXT NOT NULL DEFAULT '',
		log_epoch INTEGER NOT NULL DEFAULT 0,
		log_seq INTEGER NOT NULL DEFAULT 0,
		log_version INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS annotators (
		board_id TEXT NOT NULL,
		identity_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (board_id, identity_id),
		FOREIGN KEY (board_id) REFERENCES boards(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS actions (
		board_id TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		action_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		payload BLOB,
		author_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		undone INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (board_id, epoch, idx),
		FOREIGN KEY (board_id) REFERENCES boards(id) ON DELETE CASCADE
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteBoardStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteBoardStore) PutWhiteboard(ctx context.Context, wb models.Whiteboard) error {
	if wb.Created == 0 {
		wb.Created = time.Now().Unix()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO boards (id, owner_id, title, public_access, snapshot_ref, log_epoch, log_seq, log_version, created)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			wb.Id, wb.OwnerId, wb.Title, wb.PublicAccess, wb.SnapshotRef,
			wb.Cursor.Epoch, wb.Cursor.Seq, wb.Cursor.Version, wb.Created,
		)
		if err != nil {
			return fmt.Errorf("insert board failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrConditionFailed
		}

		for _, a := range wb.Annotators {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO annotators (board_id, identity_id, role) VALUES (?, ?, ?)`,
				wb.Id, a.IdentityId, a.Role.String(),
			); err != nil {
				return fmt.Errorf("insert annotator failed: %w", err)
			}
		}
		return nil
	})
}

// SetAnnotatorRole adds or changes one annotator's role.
func (s *SQLiteBoardStore) SetAnnotatorRole(ctx context.Context, boardId string, identityId string, role models.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotators (board_id, identity_id, role) VALUES (?, ?, ?)
		ON CONFLICT(board_id, identity_id) DO UPDATE SET role = excluded.role`,
		boardId, identityId, role.String(),
	)
	if err != nil {
		return fmt.Errorf("set annotator role failed: %w", err)
	}
	return nil
}

func (s *SQLiteBoardStore) GetWhiteboard(ctx context.Context, boardId string) (models.Whiteboard, error) {
	var wb models.Whiteboard
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		var err error
		wb, err = getWhiteboard(ctx, tx, boardId)
		return err
	})
	return wb, err
}

func (s *SQLiteBoardStore) GetActionLog(ctx context.Context, boardId string) (models.ActionLog, error) {
	var actionLog models.ActionLog
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		cursor, err := getCursor(ctx, tx, boardId)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT action_id, idx, action_type, payload, author_id, ts, undone
			FROM actions
			WHERE board_id = ? AND epoch = ? AND idx < ?
			ORDER BY idx`,
			boardId, cursor.Epoch, cursor.Seq,
		)
		if err != nil {
			return fmt.Errorf("query actions failed: %w", err)
		}
		defer rows.Close()

		actions := make([]models.Action, 0, cursor.Seq)
		for rows.Next() {
			var a models.Action
			var actionType string
			var payload []byte
			if err := rows.Scan(&a.Id, &a.Index, &actionType, &payload, &a.AuthorId, &a.Timestamp, &a.Undone); err != nil {
				return fmt.Errorf("scan action failed: %w", err)
			}
			a.Type = models.ActionType(actionType)
			a.Payload = payload
			actions = append(actions, a)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		actionLog = models.ActionLog{BoardId: boardId, Cursor: cursor, Actions: actions}
		return nil
	})
	return actionLog, err
}

func (s *SQLiteBoardStore) AppendAction(ctx context.Context, boardId string, action models.Action) (models.Action, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cursor, err := getCursor(ctx, tx, boardId)
		if err != nil {
			return err
		}

		action.Index = cursor.Seq
		action.Undone = false

		res, err := tx.ExecContext(ctx, `
			UPDATE boards SET log_seq = log_seq + 1, log_version = log_version + 1
			WHERE id = ? AND log_seq = ? AND log_epoch = ?`,
			boardId, cursor.Seq, cursor.Epoch,
		)
		if err != nil {
			return fmt.Errorf("advance cursor failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrConditionFailed
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO actions (board_id, epoch, idx, action_id, action_type, payload, author_id, ts, undone)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			boardId, cursor.Epoch, action.Index, action.Id, string(action.Type), []byte(action.Payload), action.AuthorId, action.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert action failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Action{}, err
	}
	return action, nil
}

func (s *SQLiteBoardStore) SetActionUndone(ctx context.Context, boardId string, index int64, undone bool, expected models.LogCursor) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE boards SET log_version = log_version + 1
			WHERE id = ? AND log_version = ? AND log_epoch = ?`,
			boardId, expected.Version, expected.Epoch,
		)
		if err != nil {
			return fmt.Errorf("bump version failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conditionOrMissing(ctx, tx, boardId)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE actions SET undone = ?
			WHERE board_id = ? AND epoch = ? AND idx = ? AND undone = ?`,
			undone, boardId, expected.Epoch, index, !undone,
		)
		if err != nil {
			return fmt.Errorf("flip action failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrConditionFailed
		}
		return nil
	})
}

func (s *SQLiteBoardStore) CommitSnapshot(ctx context.Context, boardId string, snapshotRef string, expected models.LogCursor) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE boards
			SET snapshot_ref = ?, log_epoch = log_epoch + 1, log_seq = 0, log_version = log_version + 1
			WHERE id = ? AND log_epoch = ? AND log_version = ?`,
			snapshotRef, boardId, expected.Epoch, expected.Version,
		)
		if err != nil {
			return fmt.Errorf("commit snapshot failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conditionOrMissing(ctx, tx, boardId)
		}
		return nil
	})
}

func (s *SQLiteBoardStore) PurgeLogEpoch(ctx context.Context, boardId string, epoch int64) (int, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cursor, err := getCursor(ctx, tx, boardId)
		if err != nil {
			return err
		}
		if epoch >= cursor.Epoch {
			return fmt.Errorf("epoch %d of board %s is not retired", epoch, boardId)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM actions WHERE board_id = ? AND epoch = ?`, boardId, epoch)
		if err != nil {
			return fmt.Errorf("purge epoch failed: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return int(deleted), err
}

// readTx runs fn in a deferred transaction, so reads never wait on a writer.
func (s *SQLiteBoardStore) readTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.runTx(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

func (s *SQLiteBoardStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.runTx(ctx, nil, fn)
}

func (s *SQLiteBoardStore) runTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx failed: %w", err)
	}
	return nil
}

func getCursor(ctx context.Context, tx *sql.Tx, boardId string) (models.LogCursor, error) {
	var c models.LogCursor
	err := tx.QueryRowContext(ctx,
		`SELECT log_epoch, log_seq, log_version FROM boards WHERE id = ?`, boardId,
	).Scan(&c.Epoch, &c.Seq, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return c, store.ErrItemNotFound
	}
	if err != nil {
		return c, fmt.Errorf("read cursor failed: %w", err)
	}
	return c, nil
}

func getWhiteboard(ctx context.Context, tx *sql.Tx, boardId string) (models.Whiteboard, error) {
	wb := models.Whiteboard{Id: boardId}
	err := tx.QueryRowContext(ctx, `
		SELECT owner_id, title, public_access, snapshot_ref, log_epoch, log_seq, log_version, created
		FROM boards WHERE id = ?`, boardId,
	).Scan(&wb.OwnerId, &wb.Title, &wb.PublicAccess, &wb.SnapshotRef,
		&wb.Cursor.Epoch, &wb.Cursor.Seq, &wb.Cursor.Version, &wb.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Whiteboard{}, store.ErrItemNotFound
	}
	if err != nil {
		return models.Whiteboard{}, fmt.Errorf("read board failed: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT identity_id, role FROM annotators WHERE board_id = ? ORDER BY identity_id`, boardId,
	)
	if err != nil {
		return models.Whiteboard{}, fmt.Errorf("query annotators failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Annotator
		var role string
		if err := rows.Scan(&a.IdentityId, &role); err != nil {
			return models.Whiteboard{}, fmt.Errorf("scan annotator failed: %w", err)
		}
		a.Role = models.ParseRole(role)
		wb.Annotators = append(wb.Annotators, a)
	}
	return wb, rows.Err()
}

func conditionOrMissing(ctx context.Context, tx *sql.Tx, boardId string) error {
	if _, err := getCursor(ctx, tx, boardId); err != nil {
		return err
	}
	return store.ErrConditionFailed
}
