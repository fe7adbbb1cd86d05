/*
 * Hotpool
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package asciitable implements a simple ASCII table formatter for printing
// tabular values into a text terminal.
package asciitable

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
)

// Column represents a column in the table.
type Column struct {
	// Title is the column header.
	Title string
	// MaxCellLength truncates cells longer than this. Zero means no
	// truncation.
	MaxCellLength int

	width int
}

// Table holds tabular values in a rows and columns format.
type Table struct {
	columns []Column
	rows    [][]string
}

// MakeHeadlessTable creates a table without column titles, useful for
// printing key/value pairs. The number of columns is required.
func MakeHeadlessTable(columnCount int) Table {
	return Table{
		columns: make([]Column, columnCount),
	}
}

// MakeTable creates a table with the given column titles, optionally
// pre-filled with rows.
func MakeTable(headers []string, rows ...[]string) Table {
	t := MakeHeadlessTable(len(headers))
	for i := range t.columns {
		t.columns[i].Title = headers[i]
		t.columns[i].width = len(headers[i])
	}
	for _, row := range rows {
		t.AddRow(row)
	}
	return t
}

// AddColumn adds a column to the table's structure.
func (t *Table) AddColumn(c Column) {
	c.width = len(c.Title)
	t.columns = append(t.columns, c)
}

// AddRow adds a row of cells to the table.
func (t *Table) AddRow(row []string) {
	limit := min(len(row), len(t.columns))
	for i := range limit {
		t.columns[i].width = max(len(t.truncateCell(i, row[i])), t.columns[i].width)
	}
	t.rows = append(t.rows, row[:limit])
}

func (t *Table) truncateCell(colIndex int, cell string) string {
	maxCellLength := t.columns[colIndex].MaxCellLength
	if maxCellLength == 0 || len(cell) <= maxCellLength {
		return cell
	}
	return fmt.Sprintf("%v...", cell[:maxCellLength])
}

// IsHeadless reports whether no column has a title.
func (t *Table) IsHeadless() bool {
	for i := range t.columns {
		if len(t.columns[i].Title) > 0 {
			return false
		}
	}
	return true
}

// AsBuffer returns a buffer with the printed output of the table.
func (t *Table) AsBuffer() *bytes.Buffer {
	var buffer bytes.Buffer

	writer := tabwriter.NewWriter(&buffer, 5, 0, 1, ' ', 0)
	template := strings.Repeat("%v\t", len(t.columns))

	if !t.IsHeadless() {
		var colh []any
		var cols []any
		for _, col := range t.columns {
			colh = append(colh, col.Title)
			cols = append(cols, strings.Repeat("-", col.width))
		}
		fmt.Fprintf(writer, template+"\n", colh...)
		fmt.Fprintf(writer, template+"\n", cols...)
	}

	for _, row := range t.rows {
		var cells []any
		for i := range row {
			cells = append(cells, t.truncateCell(i, row[i]))
		}
		fmt.Fprintf(writer, template+"\n", cells...)
	}

	writer.Flush()
	return &buffer
}
