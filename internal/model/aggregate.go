package model

import "time"

// Aggregate is the durable entity whose lifecycle the FSM governs. It is
// mutated only through the command service; version is the optimistic
// concurrency counter checked on every write.
type Aggregate struct {
	ID        string `json:"id" gorm:"primaryKey;size:64"`
	Status    string `json:"status" gorm:"size:32;index"`
	Version   int    `json:"version" gorm:"default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
