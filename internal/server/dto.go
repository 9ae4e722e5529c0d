package server

import (
	"time"

	"todoline/internal/domain"
	"todoline/internal/surface"
	"todoline/internal/view"
)

// Request payloads

type AddTaskRequest struct {
	Description string  `json:"description"`
	Priority    string  `json:"priority" example:"A"`
	Date        *string `json:"date,omitempty" example:"2024-06-01"`
}

type UpdateTaskRequest struct {
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty"`
}

type RolloverRequest struct {
	From string `json:"from,omitempty" example:"2024-06-01"`
	To   string `json:"to,omitempty" example:"2024-06-02"`
}

type CleanupRequest struct {
	Days int `json:"days" minimum:"0" maximum:"3650"`
}

type OpenSessionRequest struct {
	Date        *string `json:"date,omitempty"`
	CallbackURL *string `json:"callback_url,omitempty" format:"uri"`
	Secret      *string `json:"secret,omitempty"`
	TTLSeconds  *int    `json:"ttl_seconds,omitempty" minimum:"1" maximum:"86400"`
}

type ToggleRequest struct {
	TaskID int64 `json:"task_id" minimum:"1"`
}

type DevLoginRequest struct {
	ServerID  int64    `json:"server_id"`
	ChannelID int64    `json:"channel_id"`
	UserID    int64    `json:"user_id"`
	Roles     []string `json:"roles,omitempty"`
}

// Response payloads

type TaskResponse = domain.Task

type TaskListResponse struct {
	Date  string        `json:"date"`
	Tasks []domain.Task `json:"tasks"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type RolloverResponse struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Moved int    `json:"moved"`
}

type SessionResponse struct {
	ID        string          `json:"id"`
	ExpiresAt time.Time       `json:"expires_at"`
	Content   surface.Content `json:"content"`
}

type ToggleResponse struct {
	Task    domain.Task     `json:"task"`
	Content surface.Content `json:"content"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func sessionResponse(v *view.TaskListView) SessionResponse {
	return SessionResponse{
		ID:        v.ID(),
		ExpiresAt: v.ExpiresAt(),
		Content:   v.Content(),
	}
}
