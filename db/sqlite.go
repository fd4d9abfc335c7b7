package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"imageforest/ml"
)

var database *sql.DB

// InitDB initializes the SQLite database
func InitDB(path string) error {
	var err error
	database, err = sql.Open("sqlite3", path)
	if err != nil {
		return err
	}

	query := `
    CREATE TABLE IF NOT EXISTS saved_models (
        id INTEGER PRIMARY KEY,
        kind VARCHAR(32) NOT NULL,
        timestamp DATETIME NOT NULL,
        accuracy REAL,
        tree_count INTEGER DEFAULT 0
    );
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_name VARCHAR(50),
        accuracy REAL,
        precision REAL,
        recall REAL,
        f1 REAL,
        trained_at DATETIME,
        data_points INTEGER
    );
    `

	_, err = database.Exec(query)
	return err
}

// Close releases the database handle.
func Close() error {
	if database == nil {
		return nil
	}
	err := database.Close()
	database = nil
	return err
}

// SaveDescriptor stores a saved-model descriptor under its ledger id.
func SaveDescriptor(d ml.Descriptor) error {
	if database == nil {
		return errors.New("database not initialized")
	}
	_, err := database.Exec(`
        INSERT INTO saved_models (id, kind, timestamp, accuracy, tree_count)
        VALUES (?, ?, ?, ?, ?)`,
		d.ID, string(d.Kind), d.Timestamp.UTC(), d.Accuracy, d.TreeCount)
	return err
}

// AttachRegistry restores r's saved-model ledger from the database and
// persists every later save, so ids keep increasing across processes.
func AttachRegistry(r *ml.Registry) error {
	descriptors, err := LoadDescriptors()
	if err != nil {
		return fmt.Errorf("load saved models: %w", err)
	}
	r.RestoreLedger(descriptors)
	r.SetSink(ml.DescriptorSinkFunc(SaveDescriptor))
	return nil
}

// LoadDescriptors returns every saved-model descriptor in id order.
func LoadDescriptors() ([]ml.Descriptor, error) {
	if database == nil {
		return nil, errors.New("database not initialized")
	}
	rows, err := database.Query(`
        SELECT id, kind, timestamp, accuracy, tree_count
        FROM saved_models
        ORDER BY id ASC
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	descriptors := make([]ml.Descriptor, 0)
	for rows.Next() {
		var d ml.Descriptor
		var kind string
		var accuracy sql.NullFloat64
		if err := rows.Scan(&d.ID, &kind, &d.Timestamp, &accuracy, &d.TreeCount); err != nil {
			return nil, err
		}
		d.Kind = ml.BackendKind(kind)
		if accuracy.Valid {
			d.Accuracy = accuracy.Float64
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, rows.Err()
}

type TrainingLog struct {
	ModelName  string    `json:"model_name"`
	Accuracy   float64   `json:"accuracy"`
	Precision  float64   `json:"precision"`
	Recall     float64   `json:"recall"`
	F1         float64   `json:"f1"`
	TrainedAt  time.Time `json:"trained_at"`
	DataPoints int       `json:"data_points"`
}

func SaveTrainingLog(entry TrainingLog) error {
	if database == nil {
		return errors.New("database not initialized")
	}
	_, err := database.Exec(`
        INSERT INTO training_log (model_name, accuracy, precision, recall, f1, trained_at, data_points)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ModelName, entry.Accuracy, entry.Precision, entry.Recall, entry.F1, entry.TrainedAt.UTC(), entry.DataPoints)
	return err
}

func LoadTrainingLog() ([]TrainingLog, error) {
	if database == nil {
		return nil, errors.New("database not initialized")
	}
	rows, err := database.Query(`
        SELECT model_name, accuracy, precision, recall, f1, trained_at, data_points
        FROM training_log
        ORDER BY trained_at DESC, id DESC
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var log TrainingLog
		if err := rows.Scan(&log.ModelName, &log.Accuracy, &log.Precision, &log.Recall, &log.F1, &log.TrainedAt, &log.DataPoints); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}
