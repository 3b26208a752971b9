// Package pipeline implements the telemetry ingestion and alarm-evaluation
// pipeline: payload decoding, topic resolution, threshold evaluation,
// persistence, and the device configuration watcher.
package pipeline

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ParameterMap is the flat parameter-key to numeric-value mapping carried by
// a reading. The key set is hardware-defined and open-ended, so it is stored
// as a JSON column rather than fixed fields.
type ParameterMap map[string]float64

// Value implements driver.Valuer, serializing the map to JSON for storage.
func (p ParameterMap) Value() (driver.Value, error) {
	if p == nil {
		p = ParameterMap{}
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner, deserializing a JSON column into the map.
func (p *ParameterMap) Scan(value any) error {
	if value == nil {
		*p = ParameterMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("unsupported parameter map column type %T", value)
	}
}

// GormDataType tells GORM which column type to use for ParameterMap.
func (ParameterMap) GormDataType() string {
	return "jsonb"
}

// HardwareAddressLen is the fixed length of a device hardware address.
// Addresses are exactly five digits (e.g. "46542").
const HardwareAddressLen = 5

// Device represents a registered energy-monitoring device.
// Broker configuration is per-device; devices without a broker host fall back
// to the globally configured broker.
type Device struct {
	ID              uint   `gorm:"primaryKey"`
	HardwareAddress string `gorm:"uniqueIndex;size:5;not null"`
	Name            string `gorm:"size:200;not null"`
	Description     string

	// Hierarchical grouping.
	Area     string `gorm:"size:100"`
	Building string `gorm:"size:100"`
	Floor    string `gorm:"size:100"`

	IsActive bool `gorm:"index;default:true"`

	// Per-device broker configuration.
	BrokerHost   string `gorm:"size:255"`
	BrokerPort   int    `gorm:"default:1883"`
	TopicPrefix  string `gorm:"size:100"`
	TopicPattern string `gorm:"size:255"`
	Username     string `gorm:"size:255"`
	Password     string `gorm:"size:255"`
	UseTLS       bool
	TLSCACerts   string

	LastDataReceived *time.Time
	CreatedAt        time.Time      `gorm:"autoCreateTime"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime"`
	DeletedAt        gorm.DeletedAt `gorm:"index"`
}

// TableName specifies the table name for the Device model.
func (Device) TableName() string {
	return "devices"
}

// Reading is one persisted telemetry sample. Readings are append-only and
// never updated.
type Reading struct {
	ID         uint         `gorm:"primaryKey"`
	DeviceID   uint         `gorm:"index:idx_device_timestamp;not null"`
	Parameters ParameterMap `gorm:"type:jsonb;not null"`
	Timestamp  time.Time    `gorm:"index:idx_device_timestamp;index:idx_reading_timestamp;not null"`
}

// TableName specifies the table name for the Reading model.
func (Reading) TableName() string {
	return "readings"
}

// Threshold is an operator-configured min/max bound for one device+parameter
// pair. At least one bound must be set; at most one threshold may exist per
// (device, parameter key) pair.
type Threshold struct {
	ID           uint   `gorm:"primaryKey"`
	DeviceID     uint   `gorm:"uniqueIndex:idx_device_parameter;not null"`
	ParameterKey string `gorm:"uniqueIndex:idx_device_parameter;size:50;not null"`
	Min          *float64
	Max          *float64
}

// TableName specifies the table name for the Threshold model.
func (Threshold) TableName() string {
	return "thresholds"
}

// Breach kinds recorded on an alarm.
const (
	BreachBelowMin = "min"
	BreachAboveMax = "max"
)

// Alarm is a persisted record of one threshold breach. The pipeline only
// creates alarms; acknowledgement is an operator mutation outside this core.
type Alarm struct {
	ID             uint    `gorm:"primaryKey"`
	DeviceID       uint    `gorm:"index:idx_device_acknowledged;not null"`
	ParameterKey   string  `gorm:"size:50;not null"`
	ParameterLabel string  `gorm:"size:100;not null"`
	Value          float64 `gorm:"not null"`
	Threshold      float64 `gorm:"not null"`
	Kind           string  `gorm:"size:5;not null"`
	Timestamp      time.Time
	Acknowledged   bool    `gorm:"index:idx_device_acknowledged;default:false"`
	AcknowledgedAt *time.Time
}

// TableName specifies the table name for the Alarm model.
func (Alarm) TableName() string {
	return "alarms"
}

// ParameterMapping maps a hardware parameter key to a display label,
// e.g. "v" to "Voltage". Configured by operators; read-only here.
type ParameterMapping struct {
	ID          uint      `gorm:"primaryKey"`
	HardwareKey string    `gorm:"uniqueIndex;size:50;not null"`
	UILabel     string    `gorm:"size:100;not null"`
	Unit        string    `gorm:"size:20"`
	Description string
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for the ParameterMapping model.
func (ParameterMapping) TableName() string {
	return "parameter_mappings"
}

// Validate checks that a threshold carries at least one bound and that the
// bounds are ordered. Enforced at threshold creation, not inside the
// evaluator: the evaluator deliberately keeps min and max checks independent.
func (t *Threshold) Validate() error {
	if t.Min == nil && t.Max == nil {
		return errors.New("threshold must set at least one of min or max")
	}
	if t.Min != nil && t.Max != nil && *t.Min > *t.Max {
		return fmt.Errorf("threshold min %g must not exceed max %g", *t.Min, *t.Max)
	}
	return nil
}
