package db

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/router-for-me/TelemetryHub/internal/models"
	"gorm.io/gorm"
)

func TestMigrateSQLiteCreatesPipelineTables(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	expected := map[string][]string{
		"ingestion_messages":            {"source_deduplication_key", "status", "error_summary", "processed_at"},
		"ingestion_stage_logs":          {"stage", "duration_ms", "change_set", "errors"},
		"device_telemetry_logs":         {"processing_state", "mutated_values", "transformed_values", "validation_errors"},
		"automation_telemetry_triggers": {"device_id", "device_type_id", "schema_version_topic_id", "filter_expression"},
		"automation_run_steps":          {"node_id", "node_type", "input_snapshot", "output_snapshot"},
		"parameter_definitions":         {"json_path", "validation_rules", "validation_error_code", "mutation_expression"},
		"device_command_logs":           {"correlation_id", "command_payload", "sent_at"},
	}
	for table, columns := range expected {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("missing table %s", table)
		}
		for _, column := range columns {
			if !conn.Migrator().HasColumn(table, column) {
				t.Fatalf("%s missing column %s", table, column)
			}
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	for i := 0; i < 2; i++ {
		if errMigrate := Migrate(conn); errMigrate != nil {
			t.Fatalf("migrate pass %d: %v", i+1, errMigrate)
		}
	}
}

func TestDeduplicationKeyIsUnique(t *testing.T) {
	dsn := fmt.Sprintf("file:dedupe_unique_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	first := models.IngestionMessage{ID: "a", SourceSubject: "s", SourceDeduplicationKey: "k", Status: models.IngestionStatusQueued, ReceivedAt: time.Now().UTC()}
	if errCreate := conn.Create(&first).Error; errCreate != nil {
		t.Fatalf("create first: %v", errCreate)
	}
	second := models.IngestionMessage{ID: "b", SourceSubject: "s", SourceDeduplicationKey: "k", Status: models.IngestionStatusQueued, ReceivedAt: time.Now().UTC()}
	if errCreate := conn.Create(&second).Error; errCreate == nil {
		t.Fatalf("expected unique violation on duplicate key")
	}
}

func TestDetectDialectFromDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":          DialectPostgres,
		"host=localhost user=u dbname=x":       DialectPostgres,
		"file:data/telemetryhub.db":            DialectSQLite,
		"sqlite://data/telemetryhub.db":        DialectSQLite,
		"telemetryhub.db":                      DialectSQLite,
	}
	for dsn, want := range cases {
		got, errDetect := detectDialectFromDSN(dsn)
		if errDetect != nil {
			t.Fatalf("detect %q: %v", dsn, errDetect)
		}
		if got != want {
			t.Fatalf("detect %q: expected %s, got %s", dsn, want, got)
		}
	}
	if _, errDetect := detectDialectFromDSN("mysql://localhost/db"); errDetect == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestEnsureSQLiteParamsKeepsExisting(t *testing.T) {
	got := ensureSQLiteParams("file:x.db?_journal_mode=DELETE")
	if got != "file:x.db?_journal_mode=DELETE&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL" {
		t.Fatalf("unexpected dsn %q", got)
	}
	if sqlitePathFromDSN("file:memdb?mode=memory&cache=shared") != "" {
		t.Fatalf("expected in-memory dsn to have no path")
	}
}
