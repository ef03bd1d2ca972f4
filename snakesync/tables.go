// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakesync

import (
	"encoding/json"
	"fmt"
)

// Table identifies one of the six entity tables the sync protocol covers.
// It is a closed enum: the coordinator's router switches exhaustively over
// these values, so adding a table is a compile-time-checked change.
type Table int

const (
	TableReptiles Table = iota
	TableFeedings
	TableSheds
	TableMeasurements
	TableEnvironmentLogs
	TablePhotos

	numTables
)

var tableNames = [numTables]string{
	TableReptiles:        "reptiles",
	TableFeedings:        "feedings",
	TableSheds:           "sheds",
	TableMeasurements:    "measurements",
	TableEnvironmentLogs: "environment_logs",
	TablePhotos:          "photos",
}

// AllTables returns every table in declaration order.
func AllTables() []Table {
	tables := make([]Table, 0, numTables)
	for t := Table(0); t < numTables; t++ {
		tables = append(tables, t)
	}
	return tables
}

// ParseTable resolves a wire table name to its enum value.
// An unrecognized name is a protocol mismatch between client and server,
// not a per-record failure, so callers surface it as a plain error.
func ParseTable(name string) (Table, error) {
	for t := Table(0); t < numTables; t++ {
		if tableNames[t] == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unsupported table %q", name)
}

// Valid reports whether t is one of the six known tables.
func (t Table) Valid() bool {
	return t >= 0 && t < numTables
}

func (t Table) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Table(%d)", int(t))
	}
	return tableNames[t]
}

// ParentKey returns the payload key that carries the parent record id for
// CREATE operations, or "" for tables that have no parent (reptiles are
// owned directly by the user).
func (t Table) ParentKey() string {
	switch t {
	case TableReptiles:
		return ""
	case TableFeedings, TableSheds, TableMeasurements, TableEnvironmentLogs, TablePhotos:
		return "reptileId"
	default:
		return ""
	}
}

// MarshalJSON encodes the table as its wire name.
func (t Table) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid table %d", int(t))
	}
	return json.Marshal(tableNames[t])
}

// UnmarshalJSON decodes a wire table name, rejecting unknown names.
func (t *Table) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseTable(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
