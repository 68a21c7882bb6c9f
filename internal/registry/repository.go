package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines persistence for devices and entities.
// This abstraction allows SQLite in production and an in-memory mock in tests.
type Repository interface {
	// GetDevice retrieves a device by ID.
	// Returns ErrNotFound if the device does not exist.
	GetDevice(ctx context.Context, id string) (*Device, error)

	// ListDevices retrieves all devices.
	ListDevices(ctx context.Context) ([]Device, error)

	// SaveDevice inserts or replaces a device.
	SaveDevice(ctx context.Context, device *Device) error

	// DeleteDevice removes a device by ID.
	// Returns ErrNotFound if the device does not exist.
	DeleteDevice(ctx context.Context, id string) error

	// GetEntity retrieves an entity by ID.
	// Returns ErrNotFound if the entity does not exist.
	GetEntity(ctx context.Context, id string) (*Entity, error)

	// ListEntities retrieves all entities.
	ListEntities(ctx context.Context) ([]Entity, error)

	// SaveEntity inserts or replaces an entity.
	// Returns ErrExists if another entity already uses the same EntityID.
	SaveEntity(ctx context.Context, entity *Entity) error

	// DeleteEntity removes an entity by ID.
	// Returns ErrNotFound if the entity does not exist.
	DeleteEntity(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `id, name, name_by_user, manufacturer, model, sw_version, hw_version,
	serial_number, via_device_id, disabled_by, config_entries, created_at, modified_at`

const entityColumns = `id, entity_id, name, original_name, platform, device_id, disabled_by,
	created_at, modified_at`

// GetDevice retrieves a device by ID.
func (r *SQLiteRepository) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+deviceColumns+" FROM devices WHERE id = ?", id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// ListDevices retrieves all devices ordered by name.
func (r *SQLiteRepository) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+deviceColumns+" FROM devices ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// SaveDevice inserts or replaces a device.
func (r *SQLiteRepository) SaveDevice(ctx context.Context, d *Device) error {
	entries := d.ConfigEntries
	if entries == nil {
		entries = []string{}
	}
	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshalling config_entries: %w", err)
	}

	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			name_by_user = excluded.name_by_user,
			manufacturer = excluded.manufacturer,
			model = excluded.model,
			sw_version = excluded.sw_version,
			hw_version = excluded.hw_version,
			serial_number = excluded.serial_number,
			via_device_id = excluded.via_device_id,
			disabled_by = excluded.disabled_by,
			config_entries = excluded.config_entries,
			modified_at = excluded.modified_at`

	_, err = r.db.ExecContext(ctx, query,
		d.ID,
		d.Name,
		nullableString(d.NameByUser),
		nullableString(d.Manufacturer),
		nullableString(d.Model),
		nullableString(d.SWVersion),
		nullableString(d.HWVersion),
		nullableString(d.SerialNumber),
		nullableString(d.ViaDeviceID),
		string(d.DisabledBy),
		string(entriesJSON),
		d.CreatedAt.UTC().Format(time.RFC3339Nano),
		d.ModifiedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving device: %w", err)
	}
	return nil
}

// DeleteDevice removes a device by ID.
func (r *SQLiteRepository) DeleteDevice(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "devices", id)
}

// GetEntity retrieves an entity by ID.
func (r *SQLiteRepository) GetEntity(ctx context.Context, id string) (*Entity, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+entityColumns+" FROM entities WHERE id = ?", id)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying entity by id: %w", err)
	}
	return e, nil
}

// ListEntities retrieves all entities ordered by entity_id.
func (r *SQLiteRepository) ListEntities(ctx context.Context) ([]Entity, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+entityColumns+" FROM entities ORDER BY entity_id")
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return entities, nil
}

// SaveEntity inserts or replaces an entity.
func (r *SQLiteRepository) SaveEntity(ctx context.Context, e *Entity) error {
	query := `
		INSERT INTO entities (` + entityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_id = excluded.entity_id,
			name = excluded.name,
			original_name = excluded.original_name,
			platform = excluded.platform,
			device_id = excluded.device_id,
			disabled_by = excluded.disabled_by,
			modified_at = excluded.modified_at`

	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.EntityID,
		nullableString(e.Name),
		e.OriginalName,
		e.Platform,
		nullableString(e.DeviceID),
		string(e.DisabledBy),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.ModifiedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrExists
		}
		return fmt.Errorf("saving entity: %w", err)
	}
	return nil
}

// DeleteEntity removes an entity by ID.
func (r *SQLiteRepository) DeleteEntity(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "entities", id)
}

// deleteByID removes a row from table. table is always a package constant.
func (r *SQLiteRepository) deleteByID(ctx context.Context, table, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id) //nolint:gosec // table is not user input
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", table, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var nameByUser, manufacturer, model, swVersion, hwVersion, serial, via sql.NullString
	var disabledBy, entriesJSON, createdAt, modifiedAt string

	err := scanner.Scan(
		&d.ID,
		&d.Name,
		&nameByUser,
		&manufacturer,
		&model,
		&swVersion,
		&hwVersion,
		&serial,
		&via,
		&disabledBy,
		&entriesJSON,
		&createdAt,
		&modifiedAt,
	)
	if err != nil {
		return nil, err
	}

	d.NameByUser = stringPtr(nameByUser)
	d.Manufacturer = stringPtr(manufacturer)
	d.Model = stringPtr(model)
	d.SWVersion = stringPtr(swVersion)
	d.HWVersion = stringPtr(hwVersion)
	d.SerialNumber = stringPtr(serial)
	d.ViaDeviceID = stringPtr(via)
	d.DisabledBy = DisabledBy(disabledBy)

	if err := json.Unmarshal([]byte(entriesJSON), &d.ConfigEntries); err != nil {
		return nil, fmt.Errorf("unmarshalling config_entries: %w", err)
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.ModifiedAt, err = time.Parse(time.RFC3339Nano, modifiedAt); err != nil {
		return nil, fmt.Errorf("parsing modified_at: %w", err)
	}
	return &d, nil
}

func scanEntity(scanner rowScanner) (*Entity, error) {
	var e Entity
	var name, deviceID sql.NullString
	var disabledBy, createdAt, modifiedAt string

	err := scanner.Scan(
		&e.ID,
		&e.EntityID,
		&name,
		&e.OriginalName,
		&e.Platform,
		&deviceID,
		&disabledBy,
		&createdAt,
		&modifiedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Name = stringPtr(name)
	e.DeviceID = stringPtr(deviceID)
	e.DisabledBy = DisabledBy(disabledBy)

	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.ModifiedAt, err = time.Parse(time.RFC3339Nano, modifiedAt); err != nil {
		return nil, fmt.Errorf("parsing modified_at: %w", err)
	}
	return &e, nil
}

// nullableString returns a sql.NullString for optional string pointers.
// An empty string is stored as-is; only nil maps to NULL.
func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
