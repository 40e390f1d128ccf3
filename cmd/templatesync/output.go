package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/schaermu/templatesync/internal/patch"
)

// printChanges renders the files of result with their added and removed
// line counts.
func printChanges(w io.Writer, result *patch.Result) {
	if len(result.Files) == 0 {
		_, _ = fmt.Fprintln(w, "no changes")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetRowLine(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetColumnSeparator(" ")
	table.SetCenterSeparator(" ")
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"Change", "Path", "Added", "Removed"})
	for _, f := range result.Files {
		added, removed := lineCounts(f)
		table.Append([]string{
			f.Kind(),
			f.Name(),
			strconv.Itoa(added),
			strconv.Itoa(removed),
		})
	}
	table.Render()
}

func lineCounts(f patch.FileChange) (added, removed int) {
	for _, l := range f.Hunks {
		if l.Added {
			added++
		} else {
			removed++
		}
	}
	return added, removed
}
