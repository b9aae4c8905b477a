package models

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel carries the surrogate key and bookkeeping timestamps shared by
// every table. Rows are soft deleted.
type BaseModel struct {
	ID        uint           `gorm:"primarykey" json:"-"`
	CreatedAt time.Time      `json:"-"`
	UpdatedAt time.Time      `json:"-"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
