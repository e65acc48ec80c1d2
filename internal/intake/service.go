// Package intake registers deals, master sheets and supporting documents.
package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"dealcheck/internal/blob"
	"dealcheck/internal/config"
	"dealcheck/internal/extract"
	"dealcheck/internal/mastersheet"
	"dealcheck/internal/models"
	"dealcheck/internal/redis"
	"dealcheck/internal/storage"
	"dealcheck/internal/validation"
)

const inlineSheetName = "entries.json"

type Store interface {
	CreateDeal(ctx context.Context, name string) (*models.Deal, error)
	GetDeal(ctx context.Context, dealID int64) (*models.Deal, error)
	ListDeals(ctx context.Context) ([]models.Deal, error)
	ReplaceMasterSheet(ctx context.Context, sheet *models.MasterSheet, entries []models.MasterSheetEntry) (*models.MasterSheet, error)
	GetMasterSheet(ctx context.Context, dealID int64) (*models.MasterSheet, error)
	ListMasterSheetEntries(ctx context.Context, dealID int64) ([]models.MasterSheetEntry, error)
	AddDocument(ctx context.Context, doc models.Document) (*models.Document, error)
	ListDocuments(ctx context.Context, dealID int64) ([]models.Document, error)
}

type Service struct {
	store    Store
	fetcher  validation.Fetcher
	sheets   *mastersheet.Parser
	uploads  *blob.LocalStore
	cache    *redis.Cache
	validate *validator.Validate
}

func NewService(store Store, fetcher validation.Fetcher, extractor *extract.Extractor, uploads *blob.LocalStore, cache *redis.Cache) *Service {
	return &Service{
		store:    store,
		fetcher:  fetcher,
		sheets:   mastersheet.NewParser(extractor),
		uploads:  uploads,
		cache:    cache,
		validate: newValidator(),
	}
}

func (s *Service) CreateDeal(ctx context.Context, req CreateDealRequest) (*models.Deal, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.check(req); err != nil {
		return nil, err
	}
	return s.store.CreateDeal(ctx, req.Name)
}

func (s *Service) Deal(ctx context.Context, dealID int64) (*models.Deal, error) {
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, validation.ErrDealNotFound
		}
		return nil, err
	}
	return deal, nil
}

func (s *Service) Deals(ctx context.Context) ([]models.Deal, error) {
	return s.store.ListDeals(ctx)
}

// RegisterMasterSheet parses the sheet and replaces the deal's current one.
// Parse failures reject the registration and keep the previous sheet.
func (s *Service) RegisterMasterSheet(ctx context.Context, dealID int64, req MasterSheetRequest) (*models.MasterSheet, []models.MasterSheetEntry, error) {
	if err := s.check(req); err != nil {
		return nil, nil, err
	}
	if _, err := s.Deal(ctx, dealID); err != nil {
		return nil, nil, err
	}
	sheet := &models.MasterSheet{
		DealID:     dealID,
		FileName:   req.FileName,
		MimeType:   req.MimeType,
		Size:       req.Size,
		StorageURL: req.StorageURL,
	}
	var data []byte
	if inline := bytes.TrimSpace(req.Entries); len(inline) > 0 && !bytes.Equal(inline, []byte("null")) {
		data = inline
		sheet.Inline = inline
		sheet.MimeType = mastersheet.MimeJSON
		sheet.StorageURL = ""
		sheet.Size = int64(len(inline))
		if sheet.FileName == "" {
			sheet.FileName = inlineSheetName
		}
	} else {
		if req.StorageURL == "" {
			return nil, nil, &RequestError{Fields: map[string]string{"entries": "required_without"}}
		}
		var err error
		data, err = s.fetcher.Fetch(ctx, req.StorageURL)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch master sheet: %w", err)
		}
		if sheet.FileName == "" {
			sheet.FileName = filepath.Base(req.StorageURL)
		}
	}
	return s.saveMasterSheet(ctx, sheet, data)
}

// UploadMasterSheet stores an uploaded sheet file locally, then registers it.
func (s *Service) UploadMasterSheet(ctx context.Context, dealID int64, fileName, mimeType string, data []byte) (*models.MasterSheet, []models.MasterSheetEntry, error) {
	if _, err := s.Deal(ctx, dealID); err != nil {
		return nil, nil, err
	}
	sheet := &models.MasterSheet{DealID: dealID, FileName: filepath.Base(fileName), MimeType: mimeType, Size: int64(len(data))}
	// parse before saving so a rejected sheet leaves no file behind
	mapping, err := s.sheets.Parse(ctx, data, mimeType, sheet.FileName)
	if err != nil {
		return nil, nil, err
	}
	locator, err := s.uploads.Save(ctx, fmt.Sprintf("deals/%d/master", dealID), sheet.FileName, data)
	if err != nil {
		return nil, nil, fmt.Errorf("store master sheet: %w", err)
	}
	sheet.StorageURL = locator
	return s.replace(ctx, sheet, mapping)
}

func (s *Service) saveMasterSheet(ctx context.Context, sheet *models.MasterSheet, data []byte) (*models.MasterSheet, []models.MasterSheetEntry, error) {
	mapping, err := s.sheets.Parse(ctx, data, sheet.MimeType, sheet.FileName)
	if err != nil {
		return nil, nil, err
	}
	return s.replace(ctx, sheet, mapping)
}

func (s *Service) replace(ctx context.Context, sheet *models.MasterSheet, mapping *mastersheet.Mapping) (*models.MasterSheet, []models.MasterSheetEntry, error) {
	entries := mapping.Entries()
	saved, err := s.store.ReplaceMasterSheet(ctx, sheet, entries)
	if err != nil {
		return nil, nil, err
	}
	s.cache.InvalidateSummary(ctx, sheet.DealID)
	config.GetLogger().WithField("module", "intake").WithField("deal_id", sheet.DealID).
		Infof("master sheet %s registered with %d entries", saved.FileName, len(entries))
	return saved, entries, nil
}

func (s *Service) MasterSheet(ctx context.Context, dealID int64) (*models.MasterSheet, []models.MasterSheetEntry, error) {
	if _, err := s.Deal(ctx, dealID); err != nil {
		return nil, nil, err
	}
	sheet, err := s.store.GetMasterSheet(ctx, dealID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, validation.ErrNoMasterSheet
		}
		return nil, nil, err
	}
	entries, err := s.store.ListMasterSheetEntries(ctx, dealID)
	if err != nil {
		return nil, nil, err
	}
	return sheet, entries, nil
}

// RegisterDocument records a stored file as an unvalidated supporting document.
// The type is not checked here; unreadable documents surface in the next run.
func (s *Service) RegisterDocument(ctx context.Context, dealID int64, req DocumentRequest) (*models.Document, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if _, err := s.Deal(ctx, dealID); err != nil {
		return nil, err
	}
	return s.store.AddDocument(ctx, models.Document{
		DealID:     dealID,
		Name:       filepath.Base(req.FileName),
		MimeType:   req.MimeType,
		Size:       req.Size,
		StorageURL: req.StorageURL,
	})
}

// UploadDocument stores the bytes locally and registers them.
func (s *Service) UploadDocument(ctx context.Context, dealID int64, fileName, mimeType string, data []byte) (*models.Document, error) {
	if _, err := s.Deal(ctx, dealID); err != nil {
		return nil, err
	}
	name := filepath.Base(fileName)
	locator, err := s.uploads.Save(ctx, fmt.Sprintf("deals/%d", dealID), name, data)
	if err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}
	return s.store.AddDocument(ctx, models.Document{
		DealID:     dealID,
		Name:       name,
		MimeType:   mimeType,
		Size:       int64(len(data)),
		StorageURL: locator,
	})
}

func (s *Service) Documents(ctx context.Context, dealID int64) ([]models.Document, error) {
	if _, err := s.Deal(ctx, dealID); err != nil {
		return nil, err
	}
	docs, err := s.store.ListDocuments(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []models.Document{}
	}
	return docs, nil
}
