package models

import (
	"time"
)

const (
	SensorTemperature = "Temperature"
	SensorHumidity    = "Humidity"
)

// Reading rows are never updated; retention pruning is the only delete.
type Reading struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Device    string    `json:"device"`
	Sensor    string    `json:"sensor"`
	Value     float64   `json:"value"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
}

func (Reading) TableName() string {
	return "readings"
}
