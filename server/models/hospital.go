package models

// Hospital is a candidate destination for the proximity ranker. Capability
// flags drive condition-aware scoring e.g. cardiac conditions favour
// hospitals with a cardiology unit.
type Hospital struct {
	BaseModel
	Name          string  `json:"name" validate:"required"`
	PhoneNumber   string  `json:"phone_number"`
	Latitude      float64 `json:"latitude" validate:"required"`
	Longitude     float64 `json:"longitude" validate:"required"`
	HasICU        bool    `json:"has_icu"`
	HasCardiology bool    `json:"has_cardiology"`
	HasTrauma     bool    `json:"has_trauma"`
	HasStrokeUnit bool    `json:"has_stroke_unit"`
	HasPediatrics bool    `json:"has_pediatrics"`
	HasMaternity  bool    `json:"has_maternity"`
	HasDialysis   bool    `json:"has_dialysis"`
}

func CreateHospital(hospital *Hospital) error {
	return db.Create(hospital).Error
}

func AllHospitals() ([]Hospital, error) {
	hospitals := []Hospital{}
	err := db.Find(&hospitals).Error
	if err != nil {
		return nil, err
	}

	return hospitals, nil
}
