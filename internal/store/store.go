package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"k8s.io/utils/clock"
)

//go:embed migrations
var migrations embed.FS

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

var (
	ErrNotFound        = errors.New("analysis not found")
	ErrInvalidFeedback = errors.New("feedback score must be between 1 and 5")
)

type AnalysisType string

const (
	TypeVideo    AnalysisType = "video"
	TypeRealtime AnalysisType = "realtime"
)

// Analysis is one stored fatigue analysis.
type Analysis struct {
	ID                int64        `json:"analysis_id"`
	EmployeeID        int64        `json:"employee_id"`
	FlightID          *int64       `json:"flight_id,omitempty"`
	Type              AnalysisType `json:"analysis_type"`
	Level             string       `json:"fatigue_level"`
	Score             float64      `json:"neural_network_score"`
	Percent           float64      `json:"fatigue_percent"`
	FaceDetectedRatio float64      `json:"face_detected_ratio"`
	FramesAnalyzed    int          `json:"frames_analyzed"`
	Resolution        string       `json:"resolution"`
	FPS               int          `json:"fps"`
	VideoPath         string       `json:"video_path,omitempty"`
	FeedbackScore     *int         `json:"feedback_score,omitempty"`
	AnalysisDate      time.Time    `json:"analysis_date"`
}

// FromResult builds the record for a completed analysis.
func FromResult(res fatigue.AnalysisResult, employeeID int64, flightID *int64, typ AnalysisType, videoPath string) Analysis {
	return Analysis{
		EmployeeID:        employeeID,
		FlightID:          flightID,
		Type:              typ,
		Level:             string(res.Level),
		Score:             res.Score,
		Percent:           res.Percent,
		FaceDetectedRatio: res.FaceDetectedRatio,
		FramesAnalyzed:    res.FramesAnalyzed,
		Resolution:        res.Resolution,
		FPS:               res.FPS,
		VideoPath:         videoPath,
	}
}

type Store struct {
	db     *sql.DB
	driver string
	clock  clock.PassiveClock
}

// Open connects to the database and applies pending migrations.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	dialect, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite && dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if driver == DriverSQLite {
		// one writer; sqlite serializes anyway and this avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := migrate(ctx, db, driver, dialect); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database initialized", "driver", driver)
	return &Store{db: db, driver: driver, clock: clock.RealClock{}}, nil
}

func dialectFor(driver string) (goose.Dialect, error) {
	switch driver {
	case DriverSQLite:
		return goose.DialectSQLite3, nil
	case DriverPostgres:
		return goose.DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

func migrate(ctx context.Context, db *sql.DB, driver string, dialect goose.Dialect) error {
	dir, err := fs.Sub(migrations, "migrations/"+driver)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, db, dir)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		slog.Debug("migration applied", "source", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders in the driver's bind style ($1..$n for
// postgres).
func (s *Store) rebind(query string) string {
	return sqlx.Rebind(sqlx.BindType(s.driver), query)
}

const columns = `analysis_id, employee_id, flight_id, analysis_type, fatigue_level,
	neural_network_score, fatigue_percent, face_detected_ratio, frames_analyzed,
	resolution, fps, video_path, feedback_score, analysis_date`

// SaveAnalysis inserts a and fills in its ID and date.
func (s *Store) SaveAnalysis(ctx context.Context, a *Analysis) error {
	if a.Score < 0 || a.Score > 1 {
		return fmt.Errorf("score %v out of [0,1]", a.Score)
	}
	if a.Type == "" {
		a.Type = TypeVideo
	}
	if a.AnalysisDate.IsZero() {
		a.AnalysisDate = s.clock.Now().UTC()
	}

	q := s.rebind(`INSERT INTO fatigue_analysis (employee_id, flight_id, analysis_type, fatigue_level,
		neural_network_score, fatigue_percent, face_detected_ratio, frames_analyzed,
		resolution, fps, video_path, analysis_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING analysis_id`)
	err := s.db.QueryRowContext(ctx, q,
		a.EmployeeID, a.FlightID, string(a.Type), a.Level,
		a.Score, a.Percent, a.FaceDetectedRatio, a.FramesAnalyzed,
		a.Resolution, a.FPS, a.VideoPath, a.AnalysisDate,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	return nil
}

// GetAnalysis returns an analysis owned by employeeID.
func (s *Store) GetAnalysis(ctx context.Context, id, employeeID int64) (Analysis, error) {
	q := s.rebind(`SELECT ` + columns + ` FROM fatigue_analysis WHERE analysis_id = ? AND employee_id = ?`)
	a, err := scanAnalysis(s.db.QueryRowContext(ctx, q, id, employeeID))
	if errors.Is(err, sql.ErrNoRows) {
		return Analysis{}, ErrNotFound
	}
	return a, err
}

// History lists an employee's analyses, newest first. limit <= 0 means all.
func (s *Store) History(ctx context.Context, employeeID int64, limit int) ([]Analysis, error) {
	q := `SELECT ` + columns + ` FROM fatigue_analysis WHERE employee_id = ? ORDER BY analysis_date DESC, analysis_id DESC`
	args := []any{employeeID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetFeedback records the employee's 1-5 rating of an analysis.
func (s *Store) SetFeedback(ctx context.Context, id, employeeID int64, score int) error {
	if score < 1 || score > 5 {
		return ErrInvalidFeedback
	}
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE fatigue_analysis SET feedback_score = ? WHERE analysis_id = ? AND employee_id = ?`),
		score, id, employeeID)
	if err != nil {
		return fmt.Errorf("set feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row scanner) (Analysis, error) {
	var (
		a        Analysis
		typ      string
		flightID sql.NullInt64
		feedback sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.EmployeeID, &flightID, &typ, &a.Level,
		&a.Score, &a.Percent, &a.FaceDetectedRatio, &a.FramesAnalyzed,
		&a.Resolution, &a.FPS, &a.VideoPath, &feedback, &a.AnalysisDate)
	if err != nil {
		return Analysis{}, err
	}
	a.Type = AnalysisType(typ)
	if flightID.Valid {
		a.FlightID = &flightID.Int64
	}
	if feedback.Valid {
		v := int(feedback.Int64)
		a.FeedbackScore = &v
	}
	return a, nil
}
