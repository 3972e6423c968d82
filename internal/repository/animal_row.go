package repository

import (
	"time"

	"github.com/example/atc-api/internal/animal"
	"github.com/example/atc-api/internal/measurement"
)

// AnimalRow is the primary-store representation of an animal record.
type AnimalRow struct {
	ID           uint                     `gorm:"primaryKey"`
	AnimalID     string                   `gorm:"column:animal_id;size:128;not null;uniqueIndex:idx_animal_records_animal_id;index:idx_animal_records_recency,priority:1"`
	Breed        string                   `gorm:"column:breed;size:128"`
	Weight       float64                  `gorm:"column:weight"`
	FarmerID     *string                  `gorm:"column:farmer_id;size:128"`
	Views        []animal.View            `gorm:"column:views;type:jsonb;serializer:json;not null"`
	Measurements measurement.Measurements `gorm:"column:measurements;type:jsonb;serializer:json"`
	Score        float64                  `gorm:"column:score"`
	Verdict      string                   `gorm:"column:verdict;size:16"`
	Timestamp    time.Time                `gorm:"column:timestamp;index:idx_animal_records_timestamp;index:idx_animal_records_recency,priority:2,sort:desc"`
}

// TableName overrides the default table name.
func (AnimalRow) TableName() string {
	return "animal_records"
}

func rowFromRecord(rec *animal.Record) *AnimalRow {
	views := rec.Views
	if views == nil {
		views = []animal.View{}
	}
	return &AnimalRow{
		AnimalID:     rec.AnimalID,
		Breed:        rec.Breed,
		Weight:       rec.Weight,
		FarmerID:     rec.FarmerID,
		Views:        views,
		Measurements: rec.Measurements,
		Score:        rec.Score,
		Verdict:      rec.Verdict,
		Timestamp:    rec.Timestamp.UTC(),
	}
}

func (r *AnimalRow) record() *animal.Record {
	return &animal.Record{
		AnimalID:     r.AnimalID,
		Breed:        r.Breed,
		Weight:       r.Weight,
		FarmerID:     r.FarmerID,
		Views:        r.Views,
		Measurements: r.Measurements,
		Score:        r.Score,
		Verdict:      r.Verdict,
		Timestamp:    r.Timestamp.UTC(),
	}
}
