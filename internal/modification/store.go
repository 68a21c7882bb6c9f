package modification

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-devicetools/internal/registry"
)

// Store persists modification records and their original data.
type Store interface {
	// LoadRecords returns every record without original data.
	LoadRecords(ctx context.Context) ([]*Record, error)

	// SaveRecord inserts or replaces a record together with its original data.
	SaveRecord(ctx context.Context, rec *Record) error

	// DeleteRecord removes a record and its original data.
	DeleteRecord(ctx context.Context, id string) error

	// Load returns the original data of every record, keyed by record ID.
	Load(ctx context.Context) (map[string]Snapshot, error)

	// Save replaces the original data of each listed record. Records that
	// no longer exist are skipped.
	Save(ctx context.Context, originals map[string]Snapshot) error
}

// SQLiteStore implements Store on the modifications and
// modification_originals tables.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store. db must be migrated.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// LoadRecords returns every record ordered by creation time.
func (s *SQLiteStore) LoadRecords(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, target_id, overlay, members, options, created_at
		FROM modifications
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying modifications: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		var kind, overlayJSON, membersJSON, optionsJSON, createdAt string
		if err := rows.Scan(&rec.ID, &rec.Name, &kind, &rec.TargetID, &overlayJSON, &membersJSON, &optionsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning modification: %w", err)
		}
		rec.Kind = Kind(kind)
		if err := json.Unmarshal([]byte(overlayJSON), &rec.Overlay); err != nil {
			return nil, fmt.Errorf("unmarshalling overlay of %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(membersJSON), &rec.Members); err != nil {
			return nil, fmt.Errorf("unmarshalling members of %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(optionsJSON), &rec.Options); err != nil {
			return nil, fmt.Errorf("unmarshalling options of %s: %w", rec.ID, err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at of %s: %w", rec.ID, err)
		}
		if rec.Overlay == nil {
			rec.Overlay = registry.Attributes{}
		}
		rec.Original = Snapshot{}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating modifications: %w", err)
	}
	return records, nil
}

// SaveRecord inserts or replaces rec and its original data in one transaction.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *Record) error {
	overlay := rec.Overlay
	if overlay == nil {
		overlay = registry.Attributes{}
	}
	members := rec.Members
	if members == nil {
		members = []string{}
	}
	overlayJSON, err := json.Marshal(overlay)
	if err != nil {
		return fmt.Errorf("marshalling overlay: %w", err)
	}
	membersJSON, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("marshalling members: %w", err)
	}
	optionsJSON, err := json.Marshal(rec.Options)
	if err != nil {
		return fmt.Errorf("marshalling options: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO modifications (id, name, kind, target_id, overlay, members, options, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				target_id = excluded.target_id,
				overlay = excluded.overlay,
				members = excluded.members,
				options = excluded.options`,
			rec.ID, rec.Name, string(rec.Kind), rec.TargetID,
			string(overlayJSON), string(membersJSON), string(optionsJSON),
			rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("saving modification %s: %w", rec.ID, err)
		}
		return replaceOriginals(ctx, tx, rec.ID, rec.Original)
	})
}

// DeleteRecord removes a record and its original data. Deleting an unknown
// record returns ErrRecordNotFound.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM modification_originals WHERE record_id = ?", id); err != nil {
			return fmt.Errorf("deleting original data of %s: %w", id, err)
		}
		result, err := tx.ExecContext(ctx, "DELETE FROM modifications WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("deleting modification %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return ErrRecordNotFound
		}
		return nil
	})
}

// Load returns the original data of every record.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, target_id, attribute, value
		FROM modification_originals`)
	if err != nil {
		return nil, fmt.Errorf("querying original data: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Snapshot)
	for rows.Next() {
		var recordID, targetID, attribute, valueJSON string
		if err := rows.Scan(&recordID, &targetID, &attribute, &valueJSON); err != nil {
			return nil, fmt.Errorf("scanning original data: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
			return nil, fmt.Errorf("unmarshalling original %s/%s of %s: %w", targetID, attribute, recordID, err)
		}
		snap, ok := out[recordID]
		if !ok {
			snap = Snapshot{}
			out[recordID] = snap
		}
		snap.Set(targetID, attribute, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating original data: %w", err)
	}
	return out, nil
}

// Save replaces the original data of each listed record in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, originals map[string]Snapshot) error {
	if len(originals) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for id, snap := range originals {
			var exists int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM modifications WHERE id = ?", id).Scan(&exists); err != nil {
				return fmt.Errorf("checking modification %s: %w", id, err)
			}
			if exists == 0 {
				continue
			}
			if err := replaceOriginals(ctx, tx, id, snap); err != nil {
				return err
			}
		}
		return nil
	})
}

func replaceOriginals(ctx context.Context, tx *sql.Tx, recordID string, snap Snapshot) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM modification_originals WHERE record_id = ?", recordID); err != nil {
		return fmt.Errorf("clearing original data of %s: %w", recordID, err)
	}
	for _, key := range snap.Keys() {
		valueJSON, err := json.Marshal(snap[key])
		if err != nil {
			return fmt.Errorf("marshalling original %s/%s: %w", key.TargetID, key.Attribute, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO modification_originals (record_id, target_id, attribute, value)
			VALUES (?, ?, ?, ?)`,
			recordID, key.TargetID, key.Attribute, string(valueJSON),
		); err != nil {
			return fmt.Errorf("saving original %s/%s of %s: %w", key.TargetID, key.Attribute, recordID, err)
		}
	}
	return nil
}
