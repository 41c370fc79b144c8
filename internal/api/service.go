package api

import (
	"context"
	"slices"
	"strings"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/host"
	"github.com/starford/histkeep/internal/models"
	"github.com/starford/histkeep/internal/normalize"
	"github.com/starford/histkeep/internal/pipeline"
	"github.com/starford/histkeep/internal/scheduler"
	"github.com/starford/histkeep/internal/sse"
	"github.com/starford/histkeep/internal/storage"
)

// Publisher receives run events for connected clients.
type Publisher interface {
	PublishProgress(p sse.ProgressData)
	PublishRunCompleted(run string, result any)
}

// Service coordinates the pipeline, scheduler and destinations for the API
// and MCP layers.
type Service struct {
	pipeline  *pipeline.Service
	scheduler *scheduler.Scheduler
	resolver  *storage.Resolver
	settings  host.SettingsStore
	events    Publisher
}

// NewService creates a new API service. events may be nil.
func NewService(p *pipeline.Service, sched *scheduler.Scheduler, resolver *storage.Resolver, settings host.SettingsStore, events Publisher) *Service {
	return &Service{pipeline: p, scheduler: sched, resolver: resolver, settings: settings, events: events}
}

// Progress returns a progress callback that publishes events tagged with run.
func (s *Service) Progress(run string) pipeline.ProgressFunc {
	if s.events == nil {
		return nil
	}
	return func(p pipeline.Progress) {
		s.events.PublishProgress(sse.ProgressData{Run: run, Phase: p.Phase, Percent: p.Percent, Message: p.Message})
	}
}

func (s *Service) completed(run string, result any) {
	if s.events != nil {
		s.events.PublishRunCompleted(run, result)
	}
}

// ResolveFormat picks the import format: an explicit name wins, otherwise
// the file name's extension decides.
func ResolveFormat(explicit, filename string) (models.Format, error) {
	if explicit != "" {
		f, err := normalize.ParseFormat(explicit)
		if err != nil {
			return "", &apperr.ConfigurationError{Field: "format", Reason: err.Error()}
		}
		return f, nil
	}
	f, err := normalize.DetectFormat(filename)
	if err != nil {
		return "", &apperr.ConfigurationError{Field: "format", Reason: err.Error()}
	}
	return f, nil
}

// Import decodes and applies an uploaded file.
func (s *Service) Import(ctx context.Context, raw []byte, format models.Format, mode models.Mode) (*models.BackupRunResult, error) {
	res, err := s.pipeline.ImportBytes(ctx, raw, format, mode, s.Progress("import"))
	if res != nil {
		s.completed("import", res)
	}
	return res, err
}

// Export collects and encodes the selected data.
func (s *Service) Export(ctx context.Context, opts pipeline.ExportOptions, format models.Format) ([]byte, *models.Dataset, error) {
	raw, ds, err := s.pipeline.Export(ctx, opts, format, s.Progress("export"))
	if err == nil {
		s.completed("export", map[string]int{
			"historyExported":   len(ds.History),
			"bookmarksExported": ds.BookmarkCount(),
		})
	}
	return raw, ds, err
}

// Settings returns the persisted backup settings.
func (s *Service) Settings(ctx context.Context) (models.BackupSettings, error) {
	return s.scheduler.Settings(ctx)
}

// Configure validates and applies backup settings.
func (s *Service) Configure(ctx context.Context, settings models.BackupSettings) (models.BackupSettings, error) {
	return s.scheduler.Configure(ctx, settings)
}

// Status returns the scheduler snapshot.
func (s *Service) Status(ctx context.Context) (*scheduler.Status, error) {
	return s.scheduler.Status(ctx)
}

// RunBackup runs a backup now. Completion is published by the scheduler.
func (s *Service) RunBackup(ctx context.Context) (*models.BackupRunResult, error) {
	return s.scheduler.RunNow(ctx)
}

// Artifacts lists catalogued backups, oldest first.
func (s *Service) Artifacts(ctx context.Context) ([]models.Artifact, error) {
	return s.scheduler.Artifacts(ctx)
}

// RestoreBackup imports a catalogued backup.
func (s *Service) RestoreBackup(ctx context.Context, name string, mode models.Mode) (*models.BackupRunResult, error) {
	res, err := s.scheduler.RestoreBackup(ctx, name, mode, s.Progress("restore"))
	if res != nil {
		s.completed("restore", res)
	}
	return res, err
}

// ProviderStatus reports whether a configured cloud provider has a token.
type ProviderStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// Providers lists configured cloud providers.
func (s *Service) Providers(ctx context.Context) ([]ProviderStatus, error) {
	tokens, err := storage.LoadTokens(ctx, s.settings)
	if err != nil {
		return nil, err
	}
	names := s.resolver.Providers()
	out := make([]ProviderStatus, 0, len(names))
	for _, name := range names {
		out = append(out, ProviderStatus{Name: name, Connected: tokens[name] != ""})
	}
	return out, nil
}

func (s *Service) knownProvider(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !slices.Contains(s.resolver.Providers(), name) {
		return "", &apperr.ConfigurationError{Field: "provider", Reason: "unknown provider " + name}
	}
	return name, nil
}

// Connect stores an opaque token for a configured provider.
func (s *Service) Connect(ctx context.Context, provider, token string) error {
	name, err := s.knownProvider(provider)
	if err != nil {
		return err
	}
	if strings.TrimSpace(token) == "" {
		return &apperr.ConfigurationError{Field: "token", Reason: "token is required"}
	}
	return storage.SaveToken(ctx, s.settings, name, token)
}

// Disconnect forgets a provider's token.
func (s *Service) Disconnect(ctx context.Context, provider string) error {
	name, err := s.knownProvider(provider)
	if err != nil {
		return err
	}
	return storage.DeleteToken(ctx, s.settings, name)
}
