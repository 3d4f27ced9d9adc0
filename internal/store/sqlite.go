package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/ashureev/farm-intake/internal/domain"
	"github.com/ashureev/farm-intake/internal/shared"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db             *sql.DB
	registrationMu sync.Mutex // serializes registration writes to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;
	CREATE TABLE IF NOT EXISTS farmers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		contact_number TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		primary_crops TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fields (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		farmer_id INTEGER NOT NULL REFERENCES farmers(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		area_ha TEXT NOT NULL DEFAULT '0',
		soil_type TEXT NOT NULL DEFAULT '',
		latitude TEXT NOT NULL DEFAULT '0',
		longitude TEXT NOT NULL DEFAULT '0'
	);
	CREATE INDEX IF NOT EXISTS idx_fields_farmer ON fields(farmer_id);

	CREATE TABLE IF NOT EXISTS crop_assignments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		field_id INTEGER NOT NULL REFERENCES fields(id) ON DELETE CASCADE,
		crop_name TEXT NOT NULL,
		variety TEXT NOT NULL DEFAULT '',
		area_planted TEXT NOT NULL DEFAULT '0',
		planted_at INTEGER,
		expected_harvest_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_crop_assignments_field ON crop_assignments(field_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		field_id INTEGER NOT NULL REFERENCES fields(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'scheduled',
		scheduled_at INTEGER,
		performed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_field ON tasks(field_id);

	CREATE TABLE IF NOT EXISTS material_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		field_id INTEGER NOT NULL REFERENCES fields(id) ON DELETE CASCADE,
		material TEXT NOT NULL,
		quantity TEXT NOT NULL DEFAULT '0',
		unit TEXT NOT NULL DEFAULT '',
		used_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_material_usage_field ON material_usage(field_id);

	CREATE TABLE IF NOT EXISTS registrations (
		session_id TEXT PRIMARY KEY,
		farmer_id TEXT NOT NULL DEFAULT '',
		profile_json TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type farmerRow struct {
	ID            int64  `db:"id"`
	FirstName     string `db:"first_name"`
	LastName      string `db:"last_name"`
	ContactNumber string `db:"contact_number"`
	Location      string `db:"location"`
	PrimaryCrops  string `db:"primary_crops"`
	Language      string `db:"language"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

// GetFarmer retrieves a farmer by id.
func (s *SQLiteStore) GetFarmer(ctx context.Context, farmerID int64) (*domain.Farmer, error) {
	query, args, err := squirrel.Select(
		"id", "first_name", "last_name", "contact_number", "location",
		"primary_crops", "language", "created_at", "updated_at",
	).From("farmers").Where(squirrel.Eq{"id": farmerID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build farmer query: %w", err)
	}

	var row farmerRow
	if err := sqlscan.Get(ctx, s.db, &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan farmer row: %w", err)
	}

	return &domain.Farmer{
		ID:            row.ID,
		FirstName:     row.FirstName,
		LastName:      row.LastName,
		ContactNumber: row.ContactNumber,
		Location:      row.Location,
		PrimaryCrops:  row.PrimaryCrops,
		Language:      row.Language,
		CreatedAt:     time.Unix(row.CreatedAt, 0),
		UpdatedAt:     time.Unix(row.UpdatedAt, 0),
	}, nil
}

// UpsertFarmer creates a farmer (ID == 0) or updates an existing one.
func (s *SQLiteStore) UpsertFarmer(ctx context.Context, farmer *domain.Farmer) (int64, error) {
	now := time.Now()
	if farmer.CreatedAt.IsZero() {
		farmer.CreatedAt = now
	}
	farmer.UpdatedAt = now

	columns := []string{"first_name", "last_name", "contact_number", "location", "primary_crops", "language", "created_at", "updated_at"}
	values := []any{
		farmer.FirstName, farmer.LastName, farmer.ContactNumber, farmer.Location,
		farmer.PrimaryCrops, farmer.Language, farmer.CreatedAt.Unix(), farmer.UpdatedAt.Unix(),
	}
	if farmer.ID != 0 {
		columns = append([]string{"id"}, columns...)
		values = append([]any{farmer.ID}, values...)
	}

	query, args, err := squirrel.Insert("farmers").
		Columns(columns...).
		Values(values...).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			contact_number = excluded.contact_number,
			location = excluded.location,
			primary_crops = excluded.primary_crops,
			language = excluded.language,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build farmer upsert: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("upsert farmer: %w", err)
	}
	if farmer.ID != 0 {
		return farmer.ID, nil
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("farmer last insert id: %w", err)
	}
	farmer.ID = id
	return id, nil
}

type fieldRow struct {
	ID        int64  `db:"id"`
	FarmerID  int64  `db:"farmer_id"`
	Name      string `db:"name"`
	AreaHa    string `db:"area_ha"`
	SoilType  string `db:"soil_type"`
	Latitude  string `db:"latitude"`
	Longitude string `db:"longitude"`
}

// ListFields returns the fields owned by a farmer.
func (s *SQLiteStore) ListFields(ctx context.Context, farmerID int64) ([]domain.Field, error) {
	query, args, err := squirrel.Select("id", "farmer_id", "name", "area_ha", "soil_type", "latitude", "longitude").
		From("fields").
		Where(squirrel.Eq{"farmer_id": farmerID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build fields query: %w", err)
	}

	var rows []fieldRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query fields: %w", err)
	}

	fields := make([]domain.Field, 0, len(rows))
	for _, r := range rows {
		fields = append(fields, domain.Field{
			ID:        r.ID,
			FarmerID:  r.FarmerID,
			Name:      r.Name,
			AreaHa:    parseDecimal(r.AreaHa),
			SoilType:  r.SoilType,
			Latitude:  parseDecimal(r.Latitude),
			Longitude: parseDecimal(r.Longitude),
		})
	}
	return fields, nil
}

// AddField inserts a field.
func (s *SQLiteStore) AddField(ctx context.Context, field *domain.Field) (int64, error) {
	query, args, err := squirrel.Insert("fields").
		Columns("farmer_id", "name", "area_ha", "soil_type", "latitude", "longitude").
		Values(field.FarmerID, field.Name, field.AreaHa.String(), field.SoilType, field.Latitude.String(), field.Longitude.String()).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build field insert: %w", err)
	}
	id, err := s.insert(ctx, query, args)
	if err != nil {
		return 0, fmt.Errorf("insert field: %w", err)
	}
	field.ID = id
	return id, nil
}

type cropRow struct {
	ID          int64         `db:"id"`
	FieldID     int64         `db:"field_id"`
	CropName    string        `db:"crop_name"`
	Variety     string        `db:"variety"`
	AreaPlanted string        `db:"area_planted"`
	PlantedAt   sql.NullInt64 `db:"planted_at"`
	ExpectedAt  sql.NullInt64 `db:"expected_harvest_at"`
}

// ListCropAssignments returns crop assignments for all fields of a farmer.
func (s *SQLiteStore) ListCropAssignments(ctx context.Context, farmerID int64) ([]domain.CropAssignment, error) {
	query, args, err := squirrel.Select(
		"c.id", "c.field_id", "c.crop_name", "c.variety", "c.area_planted",
		"c.planted_at", "c.expected_harvest_at",
	).From("crop_assignments c").
		Join("fields f ON f.id = c.field_id").
		Where(squirrel.Eq{"f.farmer_id": farmerID}).
		OrderBy("c.field_id", "c.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build crop assignments query: %w", err)
	}

	var rows []cropRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query crop assignments: %w", err)
	}

	crops := make([]domain.CropAssignment, 0, len(rows))
	for _, r := range rows {
		crops = append(crops, domain.CropAssignment{
			ID:          r.ID,
			FieldID:     r.FieldID,
			CropName:    r.CropName,
			Variety:     r.Variety,
			AreaPlanted: parseDecimal(r.AreaPlanted),
			PlantedAt:   nullableTime(r.PlantedAt),
			ExpectedAt:  nullableTime(r.ExpectedAt),
		})
	}
	return crops, nil
}

// AddCropAssignment inserts a crop assignment.
func (s *SQLiteStore) AddCropAssignment(ctx context.Context, crop *domain.CropAssignment) (int64, error) {
	query, args, err := squirrel.Insert("crop_assignments").
		Columns("field_id", "crop_name", "variety", "area_planted", "planted_at", "expected_harvest_at").
		Values(crop.FieldID, crop.CropName, crop.Variety, crop.AreaPlanted.String(), unixOrNil(crop.PlantedAt), unixOrNil(crop.ExpectedAt)).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build crop insert: %w", err)
	}
	id, err := s.insert(ctx, query, args)
	if err != nil {
		return 0, fmt.Errorf("insert crop assignment: %w", err)
	}
	crop.ID = id
	return id, nil
}

type taskRow struct {
	ID          int64         `db:"id"`
	FieldID     int64         `db:"field_id"`
	Title       string        `db:"title"`
	Status      string        `db:"status"`
	ScheduledAt sql.NullInt64 `db:"scheduled_at"`
	PerformedAt sql.NullInt64 `db:"performed_at"`
}

// ListTasks returns tasks for all fields of a farmer.
func (s *SQLiteStore) ListTasks(ctx context.Context, farmerID int64) ([]domain.Task, error) {
	query, args, err := squirrel.Select("t.id", "t.field_id", "t.title", "t.status", "t.scheduled_at", "t.performed_at").
		From("tasks t").
		Join("fields f ON f.id = t.field_id").
		Where(squirrel.Eq{"f.farmer_id": farmerID}).
		OrderBy("t.field_id", "t.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build tasks query: %w", err)
	}

	var rows []taskRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}

	tasks := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, domain.Task{
			ID:          r.ID,
			FieldID:     r.FieldID,
			Title:       r.Title,
			Status:      r.Status,
			ScheduledAt: nullableTime(r.ScheduledAt),
			PerformedAt: nullableTime(r.PerformedAt),
		})
	}
	return tasks, nil
}

// AddTask inserts a task.
func (s *SQLiteStore) AddTask(ctx context.Context, task *domain.Task) (int64, error) {
	status := task.Status
	if status == "" {
		status = "scheduled"
	}
	query, args, err := squirrel.Insert("tasks").
		Columns("field_id", "title", "status", "scheduled_at", "performed_at").
		Values(task.FieldID, task.Title, status, unixOrNil(task.ScheduledAt), unixOrNil(task.PerformedAt)).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build task insert: %w", err)
	}
	id, err := s.insert(ctx, query, args)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	task.ID = id
	task.Status = status
	return id, nil
}

type materialRow struct {
	ID       int64  `db:"id"`
	FieldID  int64  `db:"field_id"`
	Material string `db:"material"`
	Quantity string `db:"quantity"`
	Unit     string `db:"unit"`
	UsedAt   int64  `db:"used_at"`
}

// ListMaterialUsage returns material usage for all fields of a farmer.
func (s *SQLiteStore) ListMaterialUsage(ctx context.Context, farmerID int64) ([]domain.MaterialUsage, error) {
	query, args, err := squirrel.Select("m.id", "m.field_id", "m.material", "m.quantity", "m.unit", "m.used_at").
		From("material_usage m").
		Join("fields f ON f.id = m.field_id").
		Where(squirrel.Eq{"f.farmer_id": farmerID}).
		OrderBy("m.field_id", "m.used_at", "m.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build material usage query: %w", err)
	}

	var rows []materialRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query material usage: %w", err)
	}

	usage := make([]domain.MaterialUsage, 0, len(rows))
	for _, r := range rows {
		usage = append(usage, domain.MaterialUsage{
			ID:       r.ID,
			FieldID:  r.FieldID,
			Material: r.Material,
			Quantity: parseDecimal(r.Quantity),
			Unit:     r.Unit,
			UsedAt:   time.Unix(r.UsedAt, 0),
		})
	}
	return usage, nil
}

// AddMaterialUsage inserts a material usage record.
func (s *SQLiteStore) AddMaterialUsage(ctx context.Context, usage *domain.MaterialUsage) (int64, error) {
	usedAt := usage.UsedAt
	if usedAt.IsZero() {
		usedAt = time.Now()
	}
	query, args, err := squirrel.Insert("material_usage").
		Columns("field_id", "material", "quantity", "unit", "used_at").
		Values(usage.FieldID, usage.Material, usage.Quantity.String(), usage.Unit, usedAt.Unix()).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build material usage insert: %w", err)
	}
	id, err := s.insert(ctx, query, args)
	if err != nil {
		return 0, fmt.Errorf("insert material usage: %w", err)
	}
	usage.ID = id
	return id, nil
}

// SaveRegistration persists a completed intake profile.
// Retries with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) SaveRegistration(ctx context.Context, reg *domain.Registration) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.saveRegistrationOnce(ctx, reg)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
			slog.Debug("SaveRegistration hit SQLITE_BUSY, retrying",
				"session_id", reg.SessionID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("save registration for %s after %d attempts: %w", reg.SessionID, i+1, err)
	}

	return nil
}

func (s *SQLiteStore) saveRegistrationOnce(ctx context.Context, reg *domain.Registration) error {
	s.registrationMu.Lock()
	defer s.registrationMu.Unlock()

	profileJSON, err := json.Marshal(reg.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	created := reg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	query, args, err := squirrel.Insert("registrations").
		Columns("session_id", "farmer_id", "profile_json", "language", "created_at", "updated_at").
		Values(reg.SessionID, reg.FarmerID, string(profileJSON), reg.Language, created.Unix(), time.Now().Unix()).
		Suffix(`ON CONFLICT(session_id) DO UPDATE SET
			farmer_id = excluded.farmer_id,
			profile_json = excluded.profile_json,
			language = excluded.language,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build registration upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert registration: %w", err)
	}
	return nil
}

// GetRegistration loads a saved registration by session id. Returns nil, nil when absent.
func (s *SQLiteStore) GetRegistration(ctx context.Context, sessionID string) (*domain.Registration, error) {
	query, args, err := squirrel.Select("session_id", "farmer_id", "profile_json", "language", "created_at").
		From("registrations").
		Where(squirrel.Eq{"session_id": sessionID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build registration query: %w", err)
	}

	var row struct {
		SessionID   string `db:"session_id"`
		FarmerID    string `db:"farmer_id"`
		ProfileJSON string `db:"profile_json"`
		Language    string `db:"language"`
		CreatedAt   int64  `db:"created_at"`
	}
	if err := sqlscan.Get(ctx, s.db, &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan registration: %w", err)
	}

	var profile domain.Profile
	if err := json.Unmarshal([]byte(row.ProfileJSON), &profile); err != nil {
		return nil, fmt.Errorf("decode registration profile: %w", err)
	}
	return &domain.Registration{
		SessionID: row.SessionID,
		FarmerID:  row.FarmerID,
		Profile:   profile,
		Language:  row.Language,
		CreatedAt: time.Unix(row.CreatedAt, 0),
	}, nil
}

func (s *SQLiteStore) insert(ctx context.Context, query string, args []any) (int64, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func parseDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		slog.Warn("invalid decimal in store", "value", v, "error", err)
		return decimal.Zero
	}
	return d
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

var _ Repository = (*SQLiteStore)(nil)
