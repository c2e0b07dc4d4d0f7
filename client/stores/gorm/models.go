//go:build !wasm
// +build !wasm

package gorm

import "time"

// SecretModel is the GORM model for one stored secret
type SecretModel struct {
	Name      string    `gorm:"primaryKey;size:64"`
	Value     string    `gorm:"type:text"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (SecretModel) TableName() string {
	return "secure_items"
}

// PreferenceModel is the GORM model for one boolean preference
type PreferenceModel struct {
	Name      string    `gorm:"primaryKey;size:64"`
	Value     bool
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (PreferenceModel) TableName() string {
	return "preferences"
}
