package models

import (
	"fmt"
	"time"
)

// ResponseStatus is the closed set of lifecycle states for a driver's
// offer. Raw strings from the wire go through ParseResponseStatus so an
// invalid status can never reach the store.
type ResponseStatus string

const (
	StatusPending   ResponseStatus = "pending"
	StatusAccepted  ResponseStatus = "accepted"
	StatusRejected  ResponseStatus = "rejected"
	StatusCancelled ResponseStatus = "cancelled"
)

func ParseResponseStatus(s string) (ResponseStatus, error) {
	switch ResponseStatus(s) {
	case StatusPending, StatusAccepted, StatusRejected, StatusCancelled:
		return ResponseStatus(s), nil
	}
	return "", Invalid("unknown response status %q", s)
}

// Terminal reports whether no further transition is allowed.
func (s ResponseStatus) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusCancelled
}

// NotificationType enumerates every event kind the notification pipeline
// delivers, including the types written by upstream sources outside the
// matching core (bookings, messages, reminders).
type NotificationType string

const (
	TypeDemandResponse   NotificationType = "demand_response"
	TypeResponseAccepted NotificationType = "response_accepted"
	TypeResponseRejected NotificationType = "response_rejected"
	TypeBookingCreated   NotificationType = "booking_created"
	TypeBookingAccepted  NotificationType = "booking_accepted"
	TypeBookingRejected  NotificationType = "booking_rejected"
	TypeNewMessage       NotificationType = "new_message"
	TypeTripReminder     NotificationType = "trip_reminder"
)

func ParseNotificationType(s string) (NotificationType, error) {
	switch NotificationType(s) {
	case TypeDemandResponse, TypeResponseAccepted, TypeResponseRejected,
		TypeBookingCreated, TypeBookingAccepted, TypeBookingRejected,
		TypeNewMessage, TypeTripReminder:
		return NotificationType(s), nil
	}
	return "", Invalid("unknown notification type %q", s)
}

// Demand is a passenger's posted ride request. Within the matching core it
// is read-mostly: only the active flag changes, flipped by the coordinator
// on acceptance or manually by the owner.
type Demand struct {
	ID          string    `json:"id"`
	PassengerID string    `json:"passenger_id"`
	FromCity    string    `json:"from_city"`
	ToCity      string    `json:"to_city"`
	Seats       int       `json:"seats"`
	Budget      int64     `json:"budget"` // advisory ceiling, 0 = none
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Response is a driver's offer against a demand. At most one per
// (demand, driver), at most one accepted per demand.
type Response struct {
	ID             string         `json:"id"`
	DemandID       string         `json:"demand_id"`
	DriverID       string         `json:"driver_id"`
	OfferPrice     int64          `json:"offer_price"`
	AvailableSeats int            `json:"available_seats"`
	Message        string         `json:"message,omitempty"`
	Status         ResponseStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Notification is a durable per-recipient record. Data carries the opaque
// payload clients use for routing; data["key"] is the de-duplication key.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}

// DriverSummary pairs a driver's responses with per-status counts.
type DriverSummary struct {
	Responses []Response             `json:"responses"`
	Counts    map[ResponseStatus]int `json:"counts"`
}

func (d *Demand) String() string {
	return fmt.Sprintf("demand %s %s->%s seats=%d active=%t", d.ID, d.FromCity, d.ToCity, d.Seats, d.IsActive)
}
