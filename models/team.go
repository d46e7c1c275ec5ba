package models

// Team is a competitor roster entry. Teams are created and mutated by the
// external registration flows; the arena only ever reads them.
type Team struct {
	ID         string  `json:"id" gorm:"primaryKey"`
	Name       string  `json:"name" gorm:"not null"`
	CaptainID  *string `json:"captain_id,omitempty" gorm:"index"` // teams without a captain never play
	IsEligible bool    `json:"is_eligible" gorm:"default:false;index"`

	Timestamps
}
