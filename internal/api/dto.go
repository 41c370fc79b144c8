package api

import (
	"github.com/starford/histkeep/internal/models"
	"github.com/starford/histkeep/internal/scheduler"
)

// SettingsRequest is the request body for saving backup settings.
type SettingsRequest struct {
	Frequency        models.Frequency `json:"frequency" example:"weekly" validate:"required"`
	Destination      string           `json:"folderPathOrProvider" example:"/backups"`
	MaxBackups       int              `json:"maxBackups" example:"10"`
	IncludeHistory   *bool            `json:"includeHistory,omitempty" example:"true"`
	IncludeBookmarks *bool            `json:"includeBookmarks,omitempty" example:"true"`
}

// Settings converts the request, defaulting omitted include flags to true.
func (r SettingsRequest) Settings() models.BackupSettings {
	s := models.BackupSettings{
		Frequency:        r.Frequency,
		Destination:      r.Destination,
		MaxBackups:       r.MaxBackups,
		IncludeHistory:   true,
		IncludeBookmarks: true,
	}
	if r.IncludeHistory != nil {
		s.IncludeHistory = *r.IncludeHistory
	}
	if r.IncludeBookmarks != nil {
		s.IncludeBookmarks = *r.IncludeBookmarks
	}
	return s
}

// RunResult is the response for import, restore and backup runs.
type RunResult = models.BackupRunResult

// StatusResponse is the scheduler snapshot.
type StatusResponse = scheduler.Status

// ArtifactListResponse wraps the backup catalogue.
type ArtifactListResponse struct {
	Artifacts []models.Artifact `json:"artifacts" validate:"required"`
}

// ConnectRequest is the request body for connecting a cloud provider.
type ConnectRequest struct {
	Token string `json:"token" example:"opaque-token" validate:"required"`
}

// ProvidersResponse lists configured cloud providers.
type ProvidersResponse struct {
	Providers []ProviderStatus `json:"providers" validate:"required"`
}
