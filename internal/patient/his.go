package patient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver
	"github.com/memora-health/platform/internal/analysis"
	"github.com/memora-health/platform/internal/shared/config"
	apperrors "github.com/memora-health/platform/internal/shared/errors"
)

const maxHistoryEntries = 10

// HISDirectory reads demographics and active diagnoses from a SQL Server
// hospital information system.
type HISDirectory struct {
	db  *sql.DB
	cfg config.HISConfig
	now func() time.Time
}

// ConnectionString builds a go-mssqldb DSN.
func ConnectionString(cfg config.HISConfig) string {
	connStr := fmt.Sprintf("server=%s;port=%d;database=%s;user id=%s;password=%s",
		cfg.Host,
		cfg.Port,
		cfg.Database,
		cfg.User,
		cfg.Password,
	)
	if cfg.Encrypt {
		connStr += ";encrypt=true;TrustServerCertificate=true"
	} else {
		connStr += ";encrypt=disable"
	}
	return connStr
}

// NewHISDirectory opens and verifies the HIS connection.
func NewHISDirectory(ctx context.Context, cfg config.HISConfig) (*HISDirectory, error) {
	db, err := sql.Open("sqlserver", ConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open HIS database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping HIS database: %w", err)
	}

	slog.Info("connected to HIS", "host", cfg.Host, "database", cfg.Database)
	return &HISDirectory{db: db, cfg: cfg, now: time.Now}, nil
}

// Lookup returns age, gender and up to ten unresolved diagnoses,
// most recent first.
func (d *HISDirectory) Lookup(ctx context.Context, patientID string) (*analysis.PatientContext, error) {
	query := fmt.Sprintf(`
		SELECT DateOfBirth, Gender
		FROM %s
		WHERE PatientID = @patientID
	`, d.cfg.PatientTable)

	var dob sql.NullTime
	var gender sql.NullString
	err := d.db.QueryRowContext(ctx, query, sql.Named("patientID", patientID)).Scan(&dob, &gender)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("patient", patientID)
		}
		return nil, fmt.Errorf("failed to fetch patient: %w", err)
	}

	pctx := &analysis.PatientContext{}
	if dob.Valid {
		pctx.Age = AgeAt(dob.Time, d.now())
	}
	if gender.Valid {
		pctx.Gender = mapGender(gender.String)
	}

	history, err := d.diagnoses(ctx, patientID)
	if err != nil {
		return nil, err
	}
	pctx.MedicalHistory = history
	return pctx, nil
}

func (d *HISDirectory) diagnoses(ctx context.Context, patientID string) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT TOP (%d) Description
		FROM %s
		WHERE PatientID = @patientID
		  AND ResolvedAt IS NULL
		ORDER BY DiagnosedAt DESC
	`, maxHistoryEntries, d.cfg.DiagnosisTable)

	rows, err := d.db.QueryContext(ctx, query, sql.Named("patientID", patientID))
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnoses: %w", err)
	}
	defer rows.Close()

	var history []string
	for rows.Next() {
		var desc sql.NullString
		if err := rows.Scan(&desc); err != nil {
			return nil, fmt.Errorf("failed to scan diagnosis: %w", err)
		}
		if desc.Valid && desc.String != "" {
			history = append(history, desc.String)
		}
	}
	return history, rows.Err()
}

// Health checks database connectivity.
func (d *HISDirectory) Health(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *HISDirectory) Close() error {
	return d.db.Close()
}
