package schema

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/router-for-me/TelemetryHub/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	// ErrVersionNotFound is returned when a schema version id does not exist.
	ErrVersionNotFound = errors.New("schema: version not found")
	// ErrCircularDependency is returned when derived parameters depend on each other.
	ErrCircularDependency = errors.New("schema: circular derived dependency")
	// ErrMissingDependencies is returned when a derived parameter references unknown keys.
	ErrMissingDependencies = errors.New("schema: missing derived dependencies")
	// ErrInvalidExpression wraps a stored expression that does not parse.
	ErrInvalidExpression = errors.New("schema: invalid expression")
)

// ActivationError carries the details behind a refused activation.
type ActivationError struct {
	Err     error
	Cycle   []string
	Missing map[string][]string
}

func (e *ActivationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	switch {
	case len(e.Cycle) > 0:
		return fmt.Sprintf("%s: %v", e.Err.Error(), e.Cycle)
	case len(e.Missing) > 0:
		return fmt.Sprintf("%s: %v", e.Err.Error(), e.Missing)
	}
	return e.Err.Error()
}

func (e *ActivationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// LoadTopicParameters returns the active parameters of a topic ordered by sequence.
func LoadTopicParameters(ctx context.Context, db *gorm.DB, topicID uint64) ([]*Parameter, error) {
	var rows []models.ParameterDefinition
	if errFind := db.WithContext(ctx).
		Where("schema_version_topic_id = ? AND is_active = ?", topicID, true).
		Order("sequence ASC").
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("schema: load parameters: %w", errFind)
	}
	out := make([]*Parameter, 0, len(rows))
	for i := range rows {
		compiled, errCompile := CompileParameter(rows[i])
		if errCompile != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, errCompile)
		}
		out = append(out, compiled)
	}
	return out, nil
}

// LoadDerived returns the derived parameters of a schema version.
func LoadDerived(ctx context.Context, db *gorm.DB, versionID uint64) ([]*Derived, error) {
	var rows []models.DerivedParameterDefinition
	if errFind := db.WithContext(ctx).
		Where("device_schema_version_id = ?", versionID).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("schema: load derived parameters: %w", errFind)
	}
	out := make([]*Derived, 0, len(rows))
	for i := range rows {
		compiled, errCompile := CompileDerived(rows[i])
		if errCompile != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, errCompile)
		}
		out = append(out, compiled)
	}
	return out, nil
}

// ActivateVersion checks the version's expressions and derived dependency graph, then marks it
// active and archives any other active version of the same schema.
func ActivateVersion(ctx context.Context, db *gorm.DB, versionID uint64) (*models.DeviceSchemaVersion, error) {
	var version models.DeviceSchemaVersion
	if errFind := db.WithContext(ctx).First(&version, "id = ?", versionID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("schema: load version: %w", errFind)
	}

	var parameters []models.ParameterDefinition
	if errFind := db.WithContext(ctx).
		Where("device_schema_version_id = ? AND is_active = ?", versionID, true).
		Find(&parameters).Error; errFind != nil {
		return nil, fmt.Errorf("schema: load parameters: %w", errFind)
	}
	available := make([]string, 0, len(parameters))
	for i := range parameters {
		if _, errCompile := CompileParameter(parameters[i]); errCompile != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, errCompile)
		}
		available = append(available, parameters[i].Key)
	}

	derived, errDerived := LoadDerived(ctx, db, versionID)
	if errDerived != nil {
		return nil, errDerived
	}
	if report := DetectCircularDependencies(derived); report.HasCycle {
		return nil, &ActivationError{Err: ErrCircularDependency, Cycle: report.Cycles}
	}
	for _, def := range derived {
		available = append(available, def.Key())
	}
	missing := map[string][]string{}
	for _, def := range derived {
		if ok, keys := def.ValidateDependencies(available); !ok {
			missing[def.Key()] = keys
		}
	}
	if len(missing) > 0 {
		return nil, &ActivationError{Err: ErrMissingDependencies, Missing: missing}
	}

	now := time.Now().UTC()
	errTx := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errArchive := tx.Model(&models.DeviceSchemaVersion{}).
			Where("device_schema_id = ? AND id <> ? AND status = ?", version.DeviceSchemaID, version.ID, models.SchemaVersionStatusActive).
			Update("status", models.SchemaVersionStatusArchived).Error; errArchive != nil {
			return errArchive
		}
		return tx.Model(&version).Updates(map[string]any{
			"status":       models.SchemaVersionStatusActive,
			"activated_at": now,
		}).Error
	})
	if errTx != nil {
		return nil, fmt.Errorf("schema: activate version: %w", errTx)
	}
	version.Status = models.SchemaVersionStatusActive
	version.ActivatedAt = &now

	log.WithFields(log.Fields{
		"schema_version_id": version.ID,
		"parameters":        len(parameters),
		"derived":           len(derived),
	}).Info("schema: version activated")
	return &version, nil
}
