//go:build !wasm
// +build !wasm

package gorm

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/panyam/barter"
)

// JSONMap is a helper type for storing JSON maps in GORM
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONMap source %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// DocumentModel is the GORM model for documents of every collection
type DocumentModel struct {
	Collection string    `gorm:"primaryKey;size:64"`
	ID         string    `gorm:"primaryKey;size:255"`
	Data       JSONMap   `gorm:"type:jsonb"`
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

func (DocumentModel) TableName() string {
	return "documents"
}

func (m *DocumentModel) ToDocument() *barter.Document {
	data := map[string]any(m.Data)
	if data == nil {
		data = map[string]any{}
	}
	return &barter.Document{ID: m.ID, Data: data, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
}
