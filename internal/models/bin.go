package models

import "time"

// BinStatus is the operational state of a physical bin
type BinStatus string

const (
	BinStatusActive      BinStatus = "active"
	BinStatusInactive    BinStatus = "inactive"
	BinStatusMaintenance BinStatus = "maintenance"
	BinStatusOverflow    BinStatus = "overflow"
)

// ParseBinStatus rejects anything outside the closed set of bin states
func ParseBinStatus(s string) (BinStatus, error) {
	switch BinStatus(s) {
	case BinStatusActive, BinStatusInactive, BinStatusMaintenance, BinStatusOverflow:
		return BinStatus(s), nil
	}
	return "", ValidationError("unknown bin status %q", s)
}

// Schedulable reports whether collections may be planned for a bin in this state
func (s BinStatus) Schedulable() bool {
	return s == BinStatusActive || s == BinStatusOverflow
}

// Location represents a geographic point
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the point lies inside WGS84 bounds
func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

type Bin struct {
	ID              string    `json:"id" db:"id"`
	BinNumber       int       `json:"bin_number" db:"bin_number"`
	CurrentStreet   string    `json:"current_street" db:"current_street"`
	City            string    `json:"city" db:"city"`
	Zone            string    `json:"zone" db:"zone"`
	WasteType       string    `json:"waste_type" db:"waste_type"`
	Latitude        float64   `json:"latitude" db:"latitude"`
	Longitude       float64   `json:"longitude" db:"longitude"`
	FillLevel       int       `json:"fill_level" db:"fill_level"`
	Status          BinStatus `json:"status" db:"status"`
	LastCollectedAt *int64    `json:"last_collected_at,omitempty" db:"last_collected_at"` // Unix timestamp
	MissedCount     int       `json:"missed_count" db:"missed_count"`
	Escalated       bool      `json:"escalated" db:"escalated"` // Resident flagged the bin as urgent
	Version         int       `json:"version" db:"version"`
	CreatedAt       int64     `json:"created_at" db:"created_at"` // Unix timestamp
	UpdatedAt       int64     `json:"updated_at" db:"updated_at"` // Unix timestamp
}

// Location returns the bin's coordinates
func (b *Bin) Location() Location {
	return Location{Latitude: b.Latitude, Longitude: b.Longitude}
}

// RecordCollection resets the bin after a completed collection
func (b *Bin) RecordCollection(collectedAt time.Time, actualFillLevel int) {
	ts := collectedAt.Unix()
	b.LastCollectedAt = &ts
	b.FillLevel = actualFillLevel
	b.MissedCount = 0
	b.Escalated = false
	if b.Status == BinStatusOverflow {
		b.Status = BinStatusActive
	}
}

// BinResponse is what we send to the client with ISO timestamps
type BinResponse struct {
	ID               string    `json:"id"`
	BinNumber        int       `json:"bin_number"`
	CurrentStreet    string    `json:"current_street"`
	City             string    `json:"city"`
	Zone             string    `json:"zone"`
	WasteType        string    `json:"waste_type"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	FillLevel        int       `json:"fill_level"`
	Status           BinStatus `json:"status"`
	LastCollectedIso *string   `json:"lastCollectedIso,omitempty"`
	MissedCount      int       `json:"missed_count"`
	Escalated        bool      `json:"escalated"`
}

// CreateBinRequest is the request body for POST /api/bins
type CreateBinRequest struct {
	BinNumber     int     `json:"bin_number"`
	CurrentStreet string  `json:"current_street"`
	City          string  `json:"city"`
	Zone          string  `json:"zone"`
	WasteType     string  `json:"waste_type"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	FillLevel     int     `json:"fill_level"`
}

// FillReportRequest is the request body for PATCH /api/bins/:id/fill
type FillReportRequest struct {
	FillLevel int  `json:"fill_level"`
	Escalate  bool `json:"escalate"`
}

// ToBinResponse converts a Bin to BinResponse
func (b *Bin) ToBinResponse() BinResponse {
	resp := BinResponse{
		ID:            b.ID,
		BinNumber:     b.BinNumber,
		CurrentStreet: b.CurrentStreet,
		City:          b.City,
		Zone:          b.Zone,
		WasteType:     b.WasteType,
		Latitude:      b.Latitude,
		Longitude:     b.Longitude,
		FillLevel:     b.FillLevel,
		Status:        b.Status,
		MissedCount:   b.MissedCount,
		Escalated:     b.Escalated,
	}

	if b.LastCollectedAt != nil {
		t := time.Unix(*b.LastCollectedAt, 0).UTC()
		iso := t.Format(time.RFC3339)
		resp.LastCollectedIso = &iso
	}

	return resp
}
