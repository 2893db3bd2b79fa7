package models

import (
	"fmt"
	"strings"
	"time"
)

// Touchpoint types reported by collectors. Other values pass through as-is.
const (
	TypeImpression = "impression"
	TypeClick      = "click"
	TypeVisit      = "visit"
	TypeEmailOpen  = "email_open"
)

type Touchpoint struct {
	Seq         int64 // ingestion order, assigned by the store
	IdentityKey string
	Channel     string // raw platform/channel string
	Timestamp   time.Time
	Type        string
	CampaignID  string
	Cost        *float64
}

type KPIDimensions struct {
	Revenue      float64
	Profit       *float64
	SessionCount *int
}

type Conversion struct {
	IdentityKey   string
	Timestamp     time.Time
	Value         float64
	OrderID       string
	KPIDimensions KPIDimensions
}

// Monetary reports whether the conversion carries currency value.
func (c Conversion) Monetary() bool {
	return c.Value > 0 || c.KPIDimensions.Revenue > 0
}

// Revenue returns the revenue dimension, falling back to Value.
func (c Conversion) Revenue() float64 {
	if c.KPIDimensions.Revenue > 0 {
		return c.KPIDimensions.Revenue
	}
	return c.Value
}

type Journey struct {
	IdentityKey        string
	Touchpoints        []Touchpoint
	Conversion         Conversion
	TotalCreditedValue float64
}

type KPI string

const (
	KPIRevenue KPI = "revenue"
	KPITraffic KPI = "traffic"
	KPIProfit  KPI = "profit"
)

func ParseKPI(s string) (KPI, error) {
	switch k := KPI(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KPIRevenue, nil
	case KPIRevenue, KPITraffic, KPIProfit:
		return k, nil
	}
	return "", fmt.Errorf("unknown kpi %q", s)
}

// Includes reports whether a conversion is relevant to the KPI. Traffic
// counts every conversion; currency KPIs skip conversions with no value.
func (k KPI) Includes(c Conversion) bool {
	if k == KPITraffic {
		return true
	}
	return c.Monetary()
}

type AttributionResult struct {
	Channel       string  `json:"channel"`
	CreditedValue float64 `json:"creditedValue"`
	Share         float64 `json:"share"`
	KPI           KPI     `json:"kpi"`
	Revenue       float64 `json:"revenue"`
	Orders        int     `json:"orders"`
	Touches       int     `json:"touches"`
	Spend         float64 `json:"spend"`
}

type PathStep struct {
	Channel string `json:"channel"`
	Action  string `json:"action"`
}

type JourneyPattern struct {
	Steps           []PathStep `json:"steps"`
	OccurrenceShare float64    `json:"occurrenceShare"`
	SampleSize      int        `json:"sampleSize"`
	AvgValue        float64    `json:"avgValue"`
	LastSeen        time.Time  `json:"lastSeen"`
}

// Key renders the canonical sequence, e.g. "google:click>meta:impression".
func (p JourneyPattern) Key() string {
	parts := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		parts[i] = s.Channel + ":" + s.Action
	}
	return strings.Join(parts, ">")
}
