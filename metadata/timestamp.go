package metadata

import (
	"encoding/json"
	"fmt"
	"time"
)

// naiveLayout matches ISO 8601 timestamps written without a zone offset.
// They are read as UTC.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// parseTimestamp parses an RFC 3339 timestamp, falling back to a zoneless
// ISO 8601 form.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(naiveLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return t, nil
}

func parseOptionalTimestamp(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTimestamp(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseRequiredTimestamp(s *string) (time.Time, error) {
	t, err := parseOptionalTimestamp(s)
	if err != nil || t == nil {
		return time.Time{}, err
	}
	return *t, nil
}

// UnmarshalJSON accepts zoneless timestamps alongside RFC 3339.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	aux := struct {
		*plain
		LastAccess *string `json:"last_access"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	r.LastAccess, err = parseRequiredTimestamp(aux.LastAccess)
	return err
}

// UnmarshalJSON accepts zoneless timestamps alongside RFC 3339.
func (c *CloneStatus) UnmarshalJSON(data []byte) error {
	type plain CloneStatus
	aux := struct {
		*plain
		StartedAt   *string `json:"started_at"`
		CompletedAt *string `json:"completed_at"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if c.StartedAt, err = parseOptionalTimestamp(aux.StartedAt); err != nil {
		return err
	}
	c.CompletedAt, err = parseOptionalTimestamp(aux.CompletedAt)
	return err
}

// UnmarshalJSON accepts zoneless timestamps alongside RFC 3339.
func (m *RepoMapStatus) UnmarshalJSON(data []byte) error {
	type plain RepoMapStatus
	aux := struct {
		*plain
		UpdatedAt *string `json:"updated_at"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	m.UpdatedAt, err = parseRequiredTimestamp(aux.UpdatedAt)
	return err
}
