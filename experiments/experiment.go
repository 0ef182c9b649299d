// Package experiments is the dashboard's domain: experiment records, their
// collection and the dashboard composite.
package experiments

import (
	"time"

	"github.com/gaborage/go-bricks-datalayer/collection"
)

// Experiment is one experiment as served by the API.
type Experiment struct {
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name,omitempty" validate:"omitempty,max=200"`
	Type        string    `json:"type,omitempty"`
	Status      string    `json:"status,omitempty" validate:"omitempty,oneof=draft running paused completed failed"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Attributes implements collection.Record.
func (e Experiment) Attributes() collection.Attributes {
	return collection.Attributes{
		ID:        e.ID,
		Name:      e.Name,
		Type:      e.Type,
		Status:    e.Status,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func withID(e Experiment, id string) Experiment {
	e.ID = id
	return e
}

// Summary counts experiments by status.
type Summary struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ChartPoint is one point of the creation chart.
type ChartPoint struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Dashboard is the decoded content of the dashboard view. A nil field means that
// panel has no data yet.
type Dashboard struct {
	Summary *Summary
	Charts  []ChartPoint
	Recent  []Experiment
}
