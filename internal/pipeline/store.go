package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// Store is the persistence boundary of the pipeline. The pipeline has
// read-only access to devices, thresholds, and parameter mappings, and
// exclusive write access to readings and alarms.
type Store interface {
	// CreateReading appends one telemetry sample. Readings are never updated.
	CreateReading(ctx context.Context, deviceID uint, parameters ParameterMap, timestamp time.Time) (*Reading, error)

	// UpdateDeviceLastSeen advances the device's last-reading timestamp.
	// The timestamp only moves forward; older timestamps are ignored.
	UpdateDeviceLastSeen(ctx context.Context, deviceID uint, timestamp time.Time) error

	// ListActiveThresholds returns the thresholds configured for a device.
	ListActiveThresholds(ctx context.Context, deviceID uint) ([]Threshold, error)

	// CreateAlarm persists one breach record.
	CreateAlarm(ctx context.Context, alarm *Alarm) error

	// GetDevice fetches one device by id.
	GetDevice(ctx context.Context, deviceID uint) (*Device, error)

	// ListActiveDevicesWithBrokerConfig returns active devices that define
	// their own broker host.
	ListActiveDevicesWithBrokerConfig(ctx context.Context) ([]Device, error)

	// ListActiveDevices returns all active devices, used when falling back
	// to the globally configured broker.
	ListActiveDevices(ctx context.Context) ([]Device, error)

	// ParameterLabel resolves a hardware parameter key to its display label.
	// Unmapped keys resolve to the key itself.
	ParameterLabel(ctx context.Context, key string) string
}

// GormStore implements Store on top of a GORM database handle.
type GormStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ Store = (*GormStore)(nil)

// NewStore creates a GormStore.
func NewStore(db *gorm.DB, logger *slog.Logger) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &GormStore{db: db, logger: logger}, nil
}

// CreateReading appends one telemetry sample.
func (s *GormStore) CreateReading(ctx context.Context, deviceID uint, parameters ParameterMap, timestamp time.Time) (*Reading, error) {
	if parameters == nil {
		parameters = ParameterMap{}
	}
	reading := &Reading{
		DeviceID:   deviceID,
		Parameters: parameters,
		Timestamp:  timestamp,
	}
	if err := s.db.WithContext(ctx).Create(reading).Error; err != nil {
		return nil, fmt.Errorf("failed to create reading: %w", err)
	}
	return reading, nil
}

// UpdateDeviceLastSeen advances last_data_received, forward-only. A stale
// timestamp matches zero rows and the update is a no-op.
func (s *GormStore) UpdateDeviceLastSeen(ctx context.Context, deviceID uint, timestamp time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&Device{}).
		Where("id = ? AND (last_data_received IS NULL OR last_data_received < ?)", deviceID, timestamp).
		Update("last_data_received", timestamp)
	if result.Error != nil {
		return fmt.Errorf("failed to update device last seen: %w", result.Error)
	}
	return nil
}

// ListActiveThresholds returns the thresholds configured for a device.
func (s *GormStore) ListActiveThresholds(ctx context.Context, deviceID uint) ([]Threshold, error) {
	var thresholds []Threshold
	if err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("parameter_key").
		Find(&thresholds).Error; err != nil {
		return nil, fmt.Errorf("failed to list thresholds: %w", err)
	}
	return thresholds, nil
}

// CreateAlarm persists one breach record.
func (s *GormStore) CreateAlarm(ctx context.Context, alarm *Alarm) error {
	if alarm == nil {
		return errors.New("alarm cannot be nil")
	}
	if err := s.db.WithContext(ctx).Create(alarm).Error; err != nil {
		return fmt.Errorf("failed to create alarm: %w", err)
	}
	return nil
}

// GetDevice fetches one device by id.
func (s *GormStore) GetDevice(ctx context.Context, deviceID uint) (*Device, error) {
	var device Device
	if err := s.db.WithContext(ctx).First(&device, deviceID).Error; err != nil {
		return nil, fmt.Errorf("failed to get device %d: %w", deviceID, err)
	}
	return &device, nil
}

// ListActiveDevicesWithBrokerConfig returns active devices that define their
// own broker host.
func (s *GormStore) ListActiveDevicesWithBrokerConfig(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := s.db.WithContext(ctx).
		Where("is_active = ? AND broker_host <> ''", true).
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices with broker config: %w", err)
	}
	return devices, nil
}

// ListActiveDevices returns all active devices.
func (s *GormStore) ListActiveDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list active devices: %w", err)
	}
	return devices, nil
}

// ParameterLabel resolves a hardware parameter key to its display label.
func (s *GormStore) ParameterLabel(ctx context.Context, key string) string {
	var mapping ParameterMapping
	err := s.db.WithContext(ctx).
		Where("hardware_key = ?", key).
		First(&mapping).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("failed to resolve parameter label", "key", key, "error", err)
		}
		return key
	}
	return mapping.UILabel
}

// DeleteReadingsBefore removes readings older than the cutoff. Retention
// housekeeping for the cleanup command; the pipeline itself never deletes.
func (s *GormStore) DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&Reading{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old readings: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountReadingsBefore reports how many readings a DeleteReadingsBefore call
// with the same cutoff would remove.
func (s *GormStore) CountReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Reading{}).
		Where("timestamp < ?", cutoff).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count old readings: %w", err)
	}
	return count, nil
}

// DeleteAcknowledgedAlarmsBefore removes acknowledged alarms older than the
// cutoff. Unacknowledged alarms are kept regardless of age.
func (s *GormStore) DeleteAcknowledgedAlarmsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("acknowledged = ? AND timestamp < ?", true, cutoff).
		Delete(&Alarm{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old alarms: %w", result.Error)
	}
	return result.RowsAffected, nil
}
