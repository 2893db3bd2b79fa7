package httpx

import (
	"time"

	"github.com/trustioagency/IQsion-sub000/internal/engine"
	"github.com/trustioagency/IQsion-sub000/internal/models"
)

const (
	dateLayout   = "2006-01-02"
	purchaseStep = "purchase"
)

type source struct {
	Channel string  `json:"channel"`
	Value   float64 `json:"value"`
	Share   float64 `json:"share"`
	Revenue float64 `json:"revenue,omitempty"`
	Orders  int     `json:"orders,omitempty"`
	Touches int     `json:"touches,omitempty"`
	Spend   float64 `json:"spend,omitempty"`
}

type stepKey struct {
	Key string `json:"key"`
}

type sourceJourney struct {
	Percentage float64   `json:"percentage"`
	Steps      []stepKey `json:"steps"`
}

type sourcesResponse struct {
	KPI       models.KPI      `json:"kpi"`
	Model     string          `json:"model"`
	Sources   []source        `json:"sources"`
	Total     float64         `json:"total"`
	StartDate string          `json:"startDate"`
	EndDate   string          `json:"endDate"`
	Note      string          `json:"note,omitempty"`
	Journeys  []sourceJourney `json:"journeys"`
}

func newSourcesResponse(res *engine.Result) sourcesResponse {
	out := sourcesResponse{
		KPI:       res.Query.KPI,
		Model:     string(res.Query.Model),
		Sources:   make([]source, 0, len(res.Sources)),
		Total:     res.Total,
		StartDate: res.Query.Start.Format(dateLayout),
		EndDate:   res.Query.End.Format(dateLayout),
		Note:      res.Note(),
		Journeys:  make([]sourceJourney, 0, len(res.Patterns)),
	}
	for _, s := range res.Sources {
		out.Sources = append(out.Sources, source{
			Channel: s.Channel,
			Value:   s.CreditedValue,
			Share:   s.Share,
			Revenue: s.Revenue,
			Orders:  s.Orders,
			Touches: s.Touches,
			Spend:   s.Spend,
		})
	}
	for _, p := range res.Patterns {
		out.Journeys = append(out.Journeys, sourceJourney{Percentage: p.OccurrenceShare, Steps: channelSteps(p)})
	}
	return out
}

// channelSteps lists the channels of a pattern, repeats collapsed, and
// closes the path with the purchase step.
func channelSteps(p models.JourneyPattern) []stepKey {
	steps := make([]stepKey, 0, len(p.Steps)+1)
	for _, s := range p.Steps {
		if n := len(steps); n > 0 && steps[n-1].Key == s.Channel {
			continue
		}
		steps = append(steps, stepKey{Key: s.Channel})
	}
	return append(steps, stepKey{Key: purchaseStep})
}

type journeyPattern struct {
	Percentage float64           `json:"percentage"`
	Steps      []models.PathStep `json:"steps"`
	Path       string            `json:"path"`
	SampleSize int               `json:"sampleSize"`
	AvgValue   float64           `json:"avgValue"`
	LastSeen   time.Time         `json:"lastSeen"`
}

type journeysResponse struct {
	Journeys  []journeyPattern `json:"journeys"`
	Total     int              `json:"total"`
	StartDate string           `json:"startDate"`
	EndDate   string           `json:"endDate"`
	Note      string           `json:"note,omitempty"`
}

func newJourneysResponse(res *engine.Result) journeysResponse {
	out := journeysResponse{
		Journeys:  make([]journeyPattern, 0, len(res.Patterns)),
		Total:     res.TotalJourneys,
		StartDate: res.Query.Start.Format(dateLayout),
		EndDate:   res.Query.End.Format(dateLayout),
		Note:      res.Note(),
	}
	for _, p := range res.Patterns {
		out.Journeys = append(out.Journeys, journeyPattern{
			Percentage: p.OccurrenceShare,
			Steps:      p.Steps,
			Path:       p.Key(),
			SampleSize: p.SampleSize,
			AvgValue:   p.AvgValue,
			LastSeen:   p.LastSeen,
		})
	}
	return out
}
