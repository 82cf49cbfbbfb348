package importer

import (
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/journal-api/internal/positions"
	"github.com/ksred/journal-api/internal/types"
	"github.com/ksred/journal-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service sequences an upload through normalization, duplicate
// reconciliation and position matching, and commits the outcome atomically.
type Service struct {
	db         *Database
	normalizer *Normalizer
	matcher    *positions.Matcher
	locks      *assetLocks
}

func NewService(gormDB *gorm.DB, normalizer *Normalizer, matcher *positions.Matcher) *Service {
	return &Service{
		db:         NewDatabase(gormDB),
		normalizer: normalizer,
		matcher:    matcher,
		locks:      newAssetLocks(),
	}
}

// RowRejection reports one malformed row within an otherwise accepted batch.
type RowRejection struct {
	Row    int    `json:"row"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ImportResult is the outcome of one upload: the batch record plus any
// per-row rejections that were collected along the way.
type ImportResult struct {
	Batch      *types.ImportBatch `json:"batch"`
	Rejections []RowRejection     `json:"rejections,omitempty"`
}

// ImportCSV processes one broker export upload end to end. Malformed rows
// are collected and reported without aborting the batch; duplicate rows are
// skipped unless the whole batch is duplicates, which halts processing with
// a DuplicatesOnlyError the caller may override.
func (s *Service) ImportCSV(data []byte, broker, filename, timezone string, overrideDuplicates bool) (*ImportResult, error) {
	logger := log.With().
		Str("filename", filename).
		Str("broker", broker).
		Str("service", "importer").
		Logger()

	if timezone == "" {
		timezone = "UTC"
	}

	batch := &types.ImportBatch{
		BatchID:  "IMP_" + uuid.New().String(),
		Broker:   broker,
		Filename: filename,
		Status:   types.ImportPending,
		Timezone: timezone,
	}
	if err := s.db.CreateBatch(batch); err != nil {
		logger.Error().Err(err).Msg("failed to create import batch record")
		return nil, err
	}

	logger.Info().Str("batch_id", batch.BatchID).Msg("starting import")

	rows, err := readRows(data)
	if err != nil {
		return nil, s.failBatch(batch, err)
	}

	var fills []types.Fill
	var rejections []RowRejection
	for _, row := range rows {
		fill, err := s.normalizer.Normalize(row, timezone)
		if err != nil {
			var malformed *types.MalformedRecordError
			if errors.As(err, &malformed) {
				rejections = append(rejections, RowRejection{
					Row:    malformed.Row,
					Field:  malformed.Field,
					Reason: malformed.Reason,
				})
				continue
			}
			return nil, s.failBatch(batch, err)
		}
		fills = append(fills, fill)
	}
	batch.RejectedRecords = len(rejections)
	if len(fills) == 0 {
		return nil, s.failBatch(batch, ErrNoRows)
	}

	if err := s.ImportFills(batch, fills, overrideDuplicates); err != nil {
		return nil, err
	}

	logger.Info().
		Str("batch_id", batch.BatchID).
		Int("accepted", batch.TotalRecords).
		Int("skipped", batch.SkippedRecords).
		Int("rejected", batch.RejectedRecords).
		Msg("import completed")

	return &ImportResult{Batch: batch, Rejections: rejections}, nil
}

// ImportFills reconciles already-normalized fills against the journal and
// commits them. Matching spans batches: each affected asset's parent trades
// are rebuilt from its full fill history, so an open position absorbs fills
// from later uploads. Concurrent imports touching the same asset serialize
// on a per-asset lock; imports for disjoint assets proceed in parallel.
func (s *Service) ImportFills(batch *types.ImportBatch, fills []types.Fill, overrideDuplicates bool) error {
	assets := distinctAssets(fills)
	unlock := s.locks.lock(assets)
	defer unlock()

	existingByAsset := make(map[string][]types.Fill, len(assets))
	var existing []types.Fill
	for _, asset := range assets {
		assetFills, err := s.db.FillsForAsset(asset)
		if err != nil {
			return s.failBatch(batch, err)
		}
		existingByAsset[asset] = assetFills
		existing = append(existing, assetFills...)
	}

	duplicates := duplicateRows(fills, existing)
	if len(duplicates) == len(fills) && !overrideDuplicates {
		dupErr := &types.DuplicatesOnlyError{Count: len(duplicates)}
		return s.failBatch(batch, dupErr)
	}

	accepted := fills
	if !overrideDuplicates && len(duplicates) > 0 {
		accepted = make([]types.Fill, 0, len(fills)-len(duplicates))
		for i := range fills {
			if _, dup := duplicates[i]; !dup {
				accepted = append(accepted, fills[i])
			}
		}
		batch.SkippedRecords = len(duplicates)
	}
	batch.TotalRecords = len(accepted)

	commits := make([]AssetCommit, 0, len(assets))
	for _, asset := range assets {
		combined := combineFills(existingByAsset[asset], accepted, asset)
		if len(combined) == 0 {
			continue
		}
		trades, err := s.matcher.Rebuild(asset, combined)
		if err != nil {
			return s.failBatch(batch, err)
		}
		commits = append(commits, AssetCommit{AssetCode: asset, Trades: trades, Fills: combined})
	}

	if err := s.db.CommitBatch(batch, commits); err != nil {
		return s.failBatch(batch, err)
	}
	return nil
}

// RebuildAsset recomputes an asset's parent trades from its stored fill
// history. Rebuilding is idempotent: the same fills produce the same trades.
func (s *Service) RebuildAsset(assetCode string) ([]types.ParentTrade, error) {
	unlock := s.locks.lock([]string{assetCode})
	defer unlock()

	fills, err := s.db.FillsForAsset(assetCode)
	if err != nil {
		return nil, err
	}
	for i := range fills {
		fills[i].RowIndex = i
	}

	matched, err := s.matcher.Rebuild(assetCode, fills)
	if err != nil {
		return nil, err
	}

	commit := AssetCommit{AssetCode: assetCode, Trades: matched, Fills: fills}
	if err := s.db.ReplaceAssetTrades(commit); err != nil {
		return nil, err
	}

	trades := make([]types.ParentTrade, len(matched))
	for i := range matched {
		trades[i] = matched[i].Trade
	}
	return trades, nil
}

// ListBatches returns the import history, newest first.
func (s *Service) ListBatches() ([]types.ImportBatch, error) {
	return s.db.ListBatches()
}

// failBatch records a terminal failure on the batch and hands the cause
// back. Nothing from the batch has been committed at this point.
func (s *Service) failBatch(batch *types.ImportBatch, cause error) error {
	batch.Status = types.ImportFailed
	batch.ErrorMessage = cause.Error()
	if err := s.db.SaveBatch(batch); err != nil {
		log.Error().Err(err).Str("batch_id", batch.BatchID).Msg("failed to record batch failure")
	}

	var inconsistency *types.InternalInconsistencyError
	if errors.As(cause, &inconsistency) {
		log.Error().Err(cause).Str("batch_id", batch.BatchID).Msg("invariant violation during import")
	}
	return cause
}

// combineFills builds one asset's full fill stream: stored fills first, new
// fills appended, with a fresh tie-break sequence across the whole stream.
func combineFills(existing []types.Fill, incoming []types.Fill, assetCode string) []types.Fill {
	combined := make([]types.Fill, 0, len(existing)+len(incoming))
	combined = append(combined, existing...)
	for i := range incoming {
		if incoming[i].AssetCode == assetCode {
			combined = append(combined, incoming[i])
		}
	}
	for i := range combined {
		combined[i].RowIndex = i
	}
	return combined
}

func distinctAssets(fills []types.Fill) []string {
	seen := make(map[string]struct{})
	for i := range fills {
		seen[fills[i].AssetCode] = struct{}{}
	}
	assets := make([]string, 0, len(seen))
	for asset := range seen {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// assetLocks serializes imports per asset: an asset's fill stream is a
// single-writer resource for the lifetime of a batch.
type assetLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAssetLocks() *assetLocks {
	return &assetLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for every named asset in sorted order (consistent
// ordering prevents deadlock between overlapping batches) and returns the
// matching release function.
func (l *assetLocks) lock(assetCodes []string) func() {
	codes := make([]string, len(assetCodes))
	copy(codes, assetCodes)
	sort.Strings(codes)

	acquired := make([]*sync.Mutex, 0, len(codes))
	for _, code := range codes {
		l.mu.Lock()
		m, ok := l.locks[code]
		if !ok {
			m = &sync.Mutex{}
			l.locks[code] = m
		}
		l.mu.Unlock()
		m.Lock()
		acquired = append(acquired, m)
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}

// GinHandlers contains HTTP handlers for import endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// CreateImportHandler handles multipart uploads of broker exports.
// Form fields: file, broker, timezone (optional), override_duplicates.
func (h *GinHandlers) CreateImportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		broker := c.PostForm("broker")
		if broker != "ibkr" {
			response.BadRequest(c, "unsupported broker")
			return
		}

		fileHeader, err := c.FormFile("file")
		if err != nil {
			response.BadRequest(c, "file is required")
			return
		}
		file, err := fileHeader.Open()
		if err != nil {
			response.BadRequest(c, "failed to read uploaded file")
			return
		}
		defer file.Close()

		data := make([]byte, fileHeader.Size)
		if _, err := io.ReadFull(file, data); err != nil {
			response.BadRequest(c, "failed to read uploaded file")
			return
		}

		timezone := c.PostForm("timezone")
		override := c.PostForm("override_duplicates") == "true"

		result, err := h.service.ImportCSV(data, broker, fileHeader.Filename, timezone, override)
		response.Handle(c, result, err)
	}
}

// ListImportsHandler returns the import history.
func (h *GinHandlers) ListImportsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batches, err := h.service.ListBatches()
		response.Handle(c, batches, err)
	}
}

// RebuildAssetHandler recomputes positions for one asset from stored fills.
// URL parameter: asset_code
func (h *GinHandlers) RebuildAssetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assetCode := c.Param("asset_code")
		if assetCode == "" {
			response.BadRequest(c, "asset code is required")
			return
		}
		trades, err := h.service.RebuildAsset(assetCode)
		response.Handle(c, trades, err)
	}
}
