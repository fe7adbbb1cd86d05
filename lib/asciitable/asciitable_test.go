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

package asciitable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// goldens carry the exact tabwriter padding, trailing spaces included
const fullTable = "" +
	"Name Motto          Age  \n" +
	"---- -------------- ---  \n" +
	"Joe  I am the best! 20   \n" +
	"Chad yolo           15   \n"

const headlessTable = "" +
	"one  two  \n" +
	"1    2    \n"

const truncatedTable = "" +
	"Name Motto       Age  \n" +
	"---- ----------- ---  \n" +
	"Joe  I am the... 20   \n" +
	"Chad yolo        15   \n"

func TestFullTable(t *testing.T) {
	t.Parallel()
	table := MakeTable([]string{"Name", "Motto", "Age"})
	table.AddRow([]string{"Joe", "I am the best!", "20"})
	table.AddRow([]string{"Chad", "yolo", "15"})
	require.Equal(t, fullTable, table.AsBuffer().String())
}

func TestHeadlessTable(t *testing.T) {
	t.Parallel()
	table := MakeHeadlessTable(2)
	table.AddRow([]string{"one", "two", "three"})
	table.AddRow([]string{"1", "2", "3"})

	// the table has no header and the third column is chopped off
	require.Equal(t, headlessTable, table.AsBuffer().String())
}

func TestTruncatedTable(t *testing.T) {
	t.Parallel()
	table := MakeTable([]string{})
	table.AddColumn(Column{Title: "Name"})
	table.AddColumn(Column{Title: "Motto", MaxCellLength: 8})
	table.AddColumn(Column{Title: "Age"})
	table.AddRow([]string{"Joe", "I am the best!", "20"})
	table.AddRow([]string{"Chad", "yolo", "15"})
	require.Equal(t, truncatedTable, table.AsBuffer().String())
}
