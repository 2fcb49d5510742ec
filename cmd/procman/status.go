package main

import (
	"fmt"
	"sort"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/ashuang/procman/internal/model"
	"github.com/ashuang/procman/internal/sheriff"
)

// Staleness bands for the last-heard-from column (spec.md §7).
const (
	staleWarn = 2 * time.Second
	staleBad  = 5 * time.Second
)

// printStatusTable renders a one-shot snapshot of every command the
// Sheriff knows about, grouped by deputy, to stdout.
func printStatusTable(sh *sheriff.Sheriff) {
	records := sh.GetAllCommands()
	sort.Slice(records, func(i, j int) bool {
		if records[i].DeputyID != records[j].DeputyID {
			return records[i].DeputyID < records[j].DeputyID
		}
		return records[i].CommandID < records[j].CommandID
	})

	if len(records) == 0 {
		fmt.Println("(no commands)")
		return
	}

	for _, rec := range records {
		age := deputyAge(sh, rec.DeputyID)
		fmt.Printf("%-10s %-24s %-20s %s\n",
			colorDeputyAge(rec.DeputyID, age),
			rec.CommandID,
			colorStatus(rec.Status()),
			humanize.Comma(int64(rec.MemRss)))
	}
}

func deputyAge(sh *sheriff.Sheriff, id model.DeputyID) time.Duration {
	dep, ok := sh.FindDeputy(id)
	if !ok || !dep.EverHeardFrom() {
		return -1
	}
	return time.Since(time.UnixMicro(dep.LastUpdateMicros))
}

func colorDeputyAge(id model.DeputyID, age time.Duration) string {
	if age < 0 {
		return color.RedString(string(id))
	}
	switch {
	case age >= staleBad:
		return color.RedString(string(id))
	case age >= staleWarn:
		return color.YellowString(string(id))
	default:
		return color.GreenString(string(id))
	}
}

func colorStatus(st model.Status) string {
	switch st {
	case model.StatusRunning:
		return color.GreenString(string(st))
	case model.StatusTryingToStart, model.StatusRestarting, model.StatusTryingToStop, model.StatusRemoving:
		return color.YellowString(string(st))
	case model.StatusStoppedError:
		return color.RedString(string(st))
	case model.StatusStoppedOK:
		return color.CyanString(string(st))
	default:
		return string(st)
	}
}
