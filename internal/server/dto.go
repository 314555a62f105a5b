package server

import (
	"commandcore/internal/domain"
	"commandcore/internal/engine"
)

type StatusResponse struct {
	State    string `json:"state" enum:"idle,planning,awaiting_approval,dispatching"`
	HoldOpen bool   `json:"hold_open"`
	Messages int    `json:"messages"`
}

type RunMissionRequest struct {
	TaskID  string `json:"task_id,omitempty" example:"cache_purge"`
	Prompt  string `json:"prompt,omitempty" example:"clean temp files"`
	AssetID string `json:"asset_id,omitempty"`
}

type MissionResponse struct {
	Held      bool                     `json:"held"`
	Hold      *domain.PendingHold      `json:"hold,omitempty"`
	Plan      domain.ExecutionPlan     `json:"plan"`
	Outcome   *domain.ExecutionOutcome `json:"outcome,omitempty"`
	MessageID string                   `json:"message_id,omitempty"`
}

func missionResponse(res engine.MissionResult) MissionResponse {
	return MissionResponse{
		Held:      res.Held,
		Hold:      res.Hold,
		Plan:      res.Plan,
		Outcome:   res.Outcome,
		MessageID: res.MessageID,
	}
}

type UploadAssetRequest struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Content  []byte `json:"content"`
}

// AssetResponse carries the binary content, unlike list items.
type AssetResponse struct {
	domain.Asset
	Content []byte `json:"content,omitempty"`
}

func assetResponse(a domain.Asset) AssetResponse {
	content := a.Content
	a.Content = nil
	return AssetResponse{Asset: a, Content: content}
}
