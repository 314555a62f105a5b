package assets

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"commandcore/internal/audit"
	"commandcore/internal/domain"
	"commandcore/internal/events"
	"commandcore/internal/planner"
	"commandcore/internal/repo"
)

// Analyzer annotates uploaded content. Satisfied by planner.Gemini.
type Analyzer interface {
	AnalyzeAsset(ctx context.Context, data []byte, mimeType string) (planner.AnalysisResult, error)
}

// Pipeline runs best-effort background analysis of uploaded assets.
// It shares nothing with the mission pipeline beyond the store.
type Pipeline struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Audit    *audit.Log
	Analyzer Analyzer
	Log      *zap.Logger
	Timeout  time.Duration
	Now      func() time.Time

	wg sync.WaitGroup
}

func New(db *sql.DB, analyzer Analyzer, auditLog *audit.Log, logger *zap.Logger) *Pipeline {
	if auditLog == nil {
		auditLog = audit.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Audit:    auditLog,
		Analyzer: analyzer,
		Log:      logger,
		Timeout:  60 * time.Second,
		Now:      time.Now,
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// UploadOptions describe one incoming asset.
type UploadOptions struct {
	Name     string
	MimeType string
	Content  []byte
	ActorID  string
}

// Upload stores the asset and starts analysis in the background. The
// returned asset has IsAnalyzing set when an analyzer is configured.
func (p *Pipeline) Upload(ctx context.Context, opts UploadOptions) (domain.Asset, error) {
	asset := domain.Asset{
		ID:          uuid.NewString(),
		Name:        opts.Name,
		MimeType:    opts.MimeType,
		Content:     opts.Content,
		IsAnalyzing: p.Analyzer != nil,
		SizeBytes:   int64(len(opts.Content)),
		CreatedAt:   p.now().UTC().Format(time.RFC3339),
	}
	if err := p.Repo.InsertAsset(ctx, asset); err != nil {
		return domain.Asset{}, err
	}
	if err := p.appendEvent(ctx, "asset.uploaded", asset.ID, opts.ActorID, events.EventPayload{
		"name": asset.Name,
		"mime": asset.MimeType,
		"size": asset.SizeBytes,
	}); err != nil {
		return domain.Asset{}, err
	}

	if p.Analyzer != nil {
		p.wg.Add(1)
		go p.analyze(asset.ID, opts.Content, opts.MimeType, opts.ActorID)
	}
	return asset, nil
}

func (p *Pipeline) analyze(assetID string, content []byte, mimeType, actorID string) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
	defer cancel()

	p.Audit.Append("AI_SCAN: Analyzing asset content for indexing...")

	result, err := p.Analyzer.AnalyzeAsset(ctx, content, mimeType)
	if err != nil {
		p.Log.Warn("asset analysis failed", zap.String("asset_id", assetID), zap.Error(err))
		p.Audit.Append("AI_SCAN_ERROR: Failed to analyze asset.")
		if err := p.Repo.ClearAssetAnalyzing(ctx, assetID); err != nil {
			p.Log.Error("clear analyzing flag", zap.String("asset_id", assetID), zap.Error(err))
		}
		return
	}

	if err := p.Repo.SetAssetAnalysis(ctx, assetID, result.AltText, result.Tags); err != nil {
		p.Log.Error("store analysis", zap.String("asset_id", assetID), zap.Error(err))
		return
	}
	if err := p.appendEvent(ctx, "asset.analyzed", assetID, actorID, events.EventPayload{
		"alt_text": result.AltText,
		"tags":     result.Tags,
	}); err != nil {
		p.Log.Error("append analysis event", zap.String("asset_id", assetID), zap.Error(err))
	}
	p.Audit.Appendf("AI_SCAN: Indexing complete for node %s.", lastFour(assetID))
}

// Wait blocks until all in-flight analyses finish.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) appendEvent(ctx context.Context, evtType, assetID, actorID string, payload events.EventPayload) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Events.Append(ctx, tx, evtType, "asset", assetID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func lastFour(id string) string {
	if len(id) <= 4 {
		return id
	}
	return id[len(id)-4:]
}
