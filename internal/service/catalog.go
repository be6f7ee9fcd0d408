package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel/internal/model"
	"github.com/mmeshcher/smmpanel/internal/provider"
	"github.com/mmeshcher/smmpanel/internal/repository"
)

const (
	catalogSyncLock    = "catalog-sync"
	catalogSyncLockTTL = 5 * time.Minute

	maxDescriptionLength = 2000
)

// DefaultMarkup применяется, пока администратор не задал наценку.
var DefaultMarkup = decimal.NewFromInt(30)

// Catalog управляет зеркалом каталога поставщика и наценкой.
type Catalog struct {
	store         CatalogStore
	provider      Provider
	defaultMarkup decimal.Decimal
	opts          Options
}

// NewCatalog создаёт каталог. Отрицательная наценка по умолчанию заменяется на DefaultMarkup.
func NewCatalog(store CatalogStore, prov Provider, defaultMarkup decimal.Decimal, opts Options) *Catalog {
	if defaultMarkup.IsNegative() {
		defaultMarkup = DefaultMarkup
	}
	return &Catalog{
		store:         store,
		provider:      prov,
		defaultMarkup: defaultMarkup,
		opts:          opts.withDefaults(),
	}
}

// EntryError — ошибка обработки одной услуги при синхронизации.
type EntryError struct {
	ServiceID int64  `json:"service"`
	Error     string `json:"error"`
}

// CatalogSyncReport — итог синхронизации каталога.
type CatalogSyncReport struct {
	Total       int          `json:"total"`
	Created     int          `json:"created"`
	Updated     int          `json:"updated"`
	Deactivated int64        `json:"deactivated"`
	Markup      string       `json:"markup"`
	Errors      []EntryError `json:"errors,omitempty"`
}

// MarkupResult — итог изменения наценки.
type MarkupResult struct {
	Percent decimal.Decimal `json:"markupPercentage"`
	Version int64           `json:"version"`
	Updated int             `json:"updatedServices"`
}

// Markup возвращает текущую наценку в процентах.
func (c *Catalog) Markup(ctx context.Context) (decimal.Decimal, error) {
	pct, _, err := c.store.GetMarkup(ctx)
	if errors.Is(err, repository.ErrSettingNotFound) {
		return c.defaultMarkup, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return pct, nil
}

// Sync загружает список услуг поставщика и обновляет каталог.
// Ошибка отдельной услуги попадает в отчёт и не прерывает синхронизацию.
// Услуги, пропавшие у поставщика, помечаются неактивными.
func (c *Catalog) Sync(ctx context.Context) (*CatalogSyncReport, error) {
	var report *CatalogSyncReport
	err := c.opts.withLock(ctx, catalogSyncLock, catalogSyncLockTTL, func() error {
		var err error
		report, err = c.sync(ctx)
		return err
	})
	return report, err
}

func (c *Catalog) sync(ctx context.Context) (*CatalogSyncReport, error) {
	services, err := c.provider.Services(ctx)
	if err != nil {
		c.opts.Metrics.ProviderError("services")
		return nil, fmt.Errorf("fetch services: %w", err)
	}

	markup, err := c.Markup(ctx)
	if err != nil {
		return nil, fmt.Errorf("load markup: %w", err)
	}

	report := &CatalogSyncReport{Total: len(services), Markup: markup.String()}
	seen := make([]int64, 0, len(services))

	for _, s := range services {
		entry, err := catalogEntry(s, markup)
		if err != nil {
			report.Errors = append(report.Errors, EntryError{ServiceID: int64(s.ID), Error: err.Error()})
			continue
		}
		seen = append(seen, entry.ServiceID)

		created, err := c.store.UpsertService(ctx, entry)
		if err != nil {
			c.opts.Logger.Warn("upsert service failed", zap.Int64("service", entry.ServiceID), zap.Error(err))
			report.Errors = append(report.Errors, EntryError{ServiceID: entry.ServiceID, Error: err.Error()})
			continue
		}
		if created {
			report.Created++
		} else {
			report.Updated++
		}
	}

	// Пустой ответ поставщика скорее сбой, чем закрытие всех услуг.
	if len(seen) > 0 {
		report.Deactivated, err = c.store.DeactivateMissingServices(ctx, seen)
		if err != nil {
			return report, fmt.Errorf("deactivate missing services: %w", err)
		}
	}

	c.opts.Logger.Info("catalog synced",
		zap.Int("total", report.Total),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int64("deactivated", report.Deactivated),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func catalogEntry(s provider.Service, markup decimal.Decimal) (model.CatalogEntry, error) {
	id := int64(s.ID)
	minQty, maxQty := int(s.Min), int(s.Max)

	switch {
	case id <= 0:
		return model.CatalogEntry{}, errors.New("missing service id")
	case strings.TrimSpace(s.Name) == "":
		return model.CatalogEntry{}, errors.New("missing name")
	case s.Rate.IsNegative():
		return model.CatalogEntry{}, errors.New("negative rate")
	case minQty <= 0 || maxQty < minQty:
		return model.CatalogEntry{}, fmt.Errorf("invalid quantity bounds %d..%d", minQty, maxQty)
	}

	return model.CatalogEntry{
		ServiceID:    id,
		Name:         strings.TrimSpace(s.Name),
		Category:     strings.TrimSpace(s.Category),
		Type:         s.Type,
		Min:          minQty,
		Max:          maxQty,
		OriginalRate: s.Rate,
		Rate:         model.PriceWithMarkup(s.Rate, markup),
		Dripfeed:     s.Dripfeed,
		Refill:       s.Refill,
		Active:       true,
	}, nil
}

// SetMarkup сохраняет новую наценку и пересчитывает цены всех услуг.
func (c *Catalog) SetMarkup(ctx context.Context, pct decimal.Decimal) (*MarkupResult, error) {
	if pct.IsNegative() {
		return nil, ErrNegativeMarkup
	}

	version, updated, err := c.store.SetMarkup(ctx, pct)
	if err != nil {
		return nil, fmt.Errorf("set markup: %w", err)
	}

	c.opts.Logger.Info("markup updated",
		zap.String("percent", pct.String()),
		zap.Int64("version", version),
		zap.Int("services", updated),
	)
	return &MarkupResult{Percent: pct, Version: version, Updated: updated}, nil
}

// Get возвращает услугу каталога.
func (c *Catalog) Get(ctx context.Context, serviceID int64) (*model.CatalogEntry, error) {
	return c.store.GetService(ctx, serviceID)
}

// List возвращает услуги, сгруппированные по категориям.
func (c *Catalog) List(ctx context.Context, includeInactive bool) ([]model.Category, error) {
	entries, err := c.store.ListServices(ctx, includeInactive)
	if err != nil {
		return nil, err
	}
	return groupByCategory(entries), nil
}

func groupByCategory(entries []model.CatalogEntry) []model.Category {
	res := []model.Category{}
	index := map[string]int{}
	for _, e := range entries {
		i, ok := index[e.Category]
		if !ok {
			i = len(res)
			index[e.Category] = i
			res = append(res, model.Category{Name: e.Category})
		}
		res[i].Services = append(res[i].Services, e)
	}
	return res
}

// SetDescription задаёт описание услуги.
func (c *Catalog) SetDescription(ctx context.Context, serviceID int64, text string) error {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) > maxDescriptionLength {
		return ErrDescriptionTooLong
	}
	return c.store.SetServiceDescription(ctx, serviceID, text)
}
