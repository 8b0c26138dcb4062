package domain

type ModelSpeed string

const (
	ModelSpeedFast   ModelSpeed = "fast"
	ModelSpeedMedium ModelSpeed = "medium"
	ModelSpeedSlow   ModelSpeed = "slow"
)

type Model struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description *string    `json:"description"`
	Speed       ModelSpeed `json:"speed"`
	Recommended bool       `json:"recommended"`
	Accuracy    *float64   `json:"accuracy"`
	Attributes  []string   `json:"attributes"`
}

type Application struct {
	ID                int64    `json:"id"`
	Name              string   `json:"name"`
	Description       *string  `json:"description"`
	TimeEstimationMin *int     `json:"time_estimation_min"`
	TimeEstimationMax *int     `json:"time_estimation_max"`
	IsNew             bool     `json:"is_new"`
	Attributes        []string `json:"attributes"`
	Models            []*Model `json:"-"`
}

// CompatibleModel returns the model with the given id if it is linked to the application.
func (a *Application) CompatibleModel(modelID int64) (*Model, bool) {
	for _, m := range a.Models {
		if m.ID == modelID {
			return m, true
		}
	}
	return nil, false
}
