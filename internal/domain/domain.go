package domain

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-date format used for task dates.
const DateLayout = "2006-01-02"

// MaxDescriptionLength bounds a task description, counted in characters.
const MaxDescriptionLength = 500

type Priority string

const (
	PriorityA Priority = "A"
	PriorityB Priority = "B"
	PriorityC Priority = "C"
)

// Priorities lists every priority from highest to lowest.
var Priorities = []Priority{PriorityA, PriorityB, PriorityC}

// ParsePriority accepts A, B or C in any case, surrounding whitespace ignored.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("invalid priority %q", s)
	}
	return p, nil
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityA, PriorityB, PriorityC:
		return true
	}
	return false
}

// Rank orders priorities, 0 being the highest.
func (p Priority) Rank() int {
	switch p {
	case PriorityA:
		return 0
	case PriorityB:
		return 1
	case PriorityC:
		return 2
	}
	return 3
}

func (p Priority) Emoji() string {
	switch p {
	case PriorityA:
		return "🔴"
	case PriorityB:
		return "🟡"
	case PriorityC:
		return "🟢"
	}
	return "⚪"
}

func (p Priority) DisplayName() string {
	return fmt.Sprintf("%s **%s-Priority**", p.Emoji(), string(p))
}

// Tenant scopes every task read and write.
type Tenant struct {
	ServerID  int64 `json:"server_id"`
	ChannelID int64 `json:"channel_id"`
	UserID    int64 `json:"user_id"`
}

func (t Tenant) String() string {
	return fmt.Sprintf("%d/%d/%d", t.ServerID, t.ChannelID, t.UserID)
}

type Task struct {
	ID          int64    `json:"id"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority" enum:"A,B,C"`
	Done        bool     `json:"done"`
	TaskDate    string   `json:"task_date" format:"date"`
	ServerID    int64    `json:"server_id"`
	ChannelID   int64    `json:"channel_id"`
	UserID      int64    `json:"user_id"`
}

func (t Task) Tenant() Tenant {
	return Tenant{ServerID: t.ServerID, ChannelID: t.ChannelID, UserID: t.UserID}
}

// DisplayText renders the task as "<id>. <description>", struck through when done.
func (t Task) DisplayText() string {
	text := fmt.Sprintf("%d. %s", t.ID, t.Description)
	if t.Done {
		return "~~" + text + "~~"
	}
	return text
}

type Stats struct {
	TotalTasks    int    `json:"total_tasks"`
	UniqueUsers   int    `json:"unique_users"`
	SchemaVersion int    `json:"schema_version"`
	LatestSchema  int    `json:"latest_schema"`
	StorePath     string `json:"store_path"`
}

// FormatDate renders the UTC calendar date of t.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Today returns the UTC calendar date of now.
func Today(now time.Time) string {
	return FormatDate(now)
}

// AddDays shifts a YYYY-MM-DD date by n days.
func AddDays(date string, n int) (string, error) {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, n).Format(DateLayout), nil
}
