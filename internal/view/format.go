package view

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"todoline/internal/domain"
	"todoline/internal/surface"
)

// MaxButtons is the most toggle controls a single list carries.
const MaxButtons = 25

const (
	headerToday = "**Today's Tasks**"
	headerDate  = "**Tasks for %s**"
	emptyToday  = "📋 No tasks for today. Use `/add` to create one!"
	emptyDate   = "📋 No tasks for %s."
	longDate    = "January 02, 2006"
)

func longDateOf(date string) string {
	t, err := time.Parse(domain.DateLayout, date)
	if err != nil {
		return date
	}
	return t.Format(longDate)
}

// ordered groups tasks by priority, open tasks first within a group.
func ordered(tasks []domain.Task) [][]domain.Task {
	groups := make([][]domain.Task, len(domain.Priorities))
	for _, t := range tasks {
		rank := t.Priority.Rank()
		if rank >= len(groups) {
			continue
		}
		groups[rank] = append(groups[rank], t)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool {
			if g[i].Done != g[j].Done {
				return !g[i].Done
			}
			return g[i].ID < g[j].ID
		})
	}
	return groups
}

// Render formats a task list. Open tasks are numbered by position across all
// groups; done tasks share one struck-through line at the end of their group.
func Render(tasks []domain.Task, date, today string) string {
	isToday := date == "" || date == today
	if len(tasks) == 0 {
		if isToday {
			return emptyToday
		}
		return fmt.Sprintf(emptyDate, longDateOf(date))
	}
	header := headerToday
	if !isToday {
		header = fmt.Sprintf(headerDate, longDateOf(date))
	}

	var sections []string
	index := 1
	for i, group := range ordered(tasks) {
		if len(group) == 0 {
			continue
		}
		lines := []string{domain.Priorities[i].DisplayName()}
		var done []string
		for _, t := range group {
			if t.Done {
				done = append(done, "~~"+t.Description+"~~")
				continue
			}
			lines = append(lines, fmt.Sprintf("%d. %s", index, t.Description))
			index++
		}
		if len(done) > 0 {
			lines = append(lines, strings.Join(done, " | "))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	return header + "\n\n" + strings.Join(sections, "\n\n")
}

// Buttons returns toggle controls in display order, capped at MaxButtons.
func Buttons(tasks []domain.Task) []surface.Button {
	var out []surface.Button
	index := 1
	for _, group := range ordered(tasks) {
		for _, t := range group {
			b := surface.Button{TaskID: t.ID, Done: t.Done, Label: "Undo"}
			if !t.Done {
				b.Label = fmt.Sprintf("Done #%d", index)
				index++
			}
			out = append(out, b)
		}
	}
	if len(out) > MaxButtons {
		out = out[:MaxButtons]
	}
	return out
}
