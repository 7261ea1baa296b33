package arpsync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/atahubbr/atahub_backend/models"
)

// arpBatch is one transformed record with its children, ready to persist.
type arpBatch struct {
	Arp    *models.Arp
	Agency *models.Agency
	Items  []*models.ArpItem
}

type reconcileStats struct {
	ArpsInserted  int
	ArpsUpdated   int
	ArpsSkipped   int
	ItemsInserted int
	ItemsUpdated  int
	ItemsSkipped  int
}

func (s *reconcileStats) add(o reconcileStats) {
	s.ArpsInserted += o.ArpsInserted
	s.ArpsUpdated += o.ArpsUpdated
	s.ArpsSkipped += o.ArpsSkipped
	s.ItemsInserted += o.ItemsInserted
	s.ItemsUpdated += o.ItemsUpdated
	s.ItemsSkipped += o.ItemsSkipped
}

// reconcileArp persists one record and its items in a single transaction, so
// a failure never leaves a half-written parent behind. Unchanged rows are
// left untouched, which also leaves their last_synced_at alone.
func reconcileArp(ctx context.Context, db *gorm.DB, batch arpBatch, syncedAt time.Time) (reconcileStats, error) {
	var stats reconcileStats
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertAgency(tx, batch.Agency); err != nil {
			return err
		}

		incoming := batch.Arp
		incoming.LastSyncedAt = &syncedAt

		var existing models.Arp
		err := tx.Where("control_code = ?", incoming.ControlCode).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(incoming).Error; err != nil {
				return err
			}
			stats.ArpsInserted++
		case err != nil:
			return err
		default:
			incoming.ID = existing.ID
			incoming.CreatedAt = existing.CreatedAt
			if arpChanged(&existing, incoming) {
				if err := tx.Save(incoming).Error; err != nil {
					return err
				}
				stats.ArpsUpdated++
			} else {
				stats.ArpsSkipped++
			}
		}

		for _, item := range batch.Items {
			item.ArpId = incoming.ID
			item.LastSyncedAt = &syncedAt

			var existingItem models.ArpItem
			ierr := tx.Where("arp_id = ? AND item_number = ?", incoming.ID, item.ItemNumber).Take(&existingItem).Error
			switch {
			case errors.Is(ierr, gorm.ErrRecordNotFound):
				if err := tx.Create(item).Error; err != nil {
					return err
				}
				stats.ItemsInserted++
			case ierr != nil:
				return ierr
			default:
				item.ID = existingItem.ID
				item.CreatedAt = existingItem.CreatedAt
				if itemChanged(&existingItem, item) {
					if err := tx.Save(item).Error; err != nil {
						return err
					}
					stats.ItemsUpdated++
				} else {
					stats.ItemsSkipped++
				}
			}
		}
		return nil
	})
	return stats, err
}

func upsertAgency(tx *gorm.DB, agency *models.Agency) error {
	if agency == nil || strings.TrimSpace(agency.Uasg) == "" {
		return nil
	}
	var existing models.Agency
	err := tx.Where("uasg = ?", agency.Uasg).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cerr := tx.Create(agency).Error
		if cerr != nil && isDuplicateKey(cerr) {
			// Lost a race with a concurrent run; the row exists now.
			return nil
		}
		return cerr
	}
	if err != nil {
		return err
	}

	// Records frequently omit the unit name; only overwrite with real data.
	updates := map[string]any{}
	if agency.Name != "" && agency.Name != existing.Name {
		updates["name"] = agency.Name
	}
	if agency.Uf != "" && agency.Uf != existing.Uf {
		updates["uf"] = agency.Uf
	}
	if len(updates) == 0 {
		return nil
	}
	return tx.Model(&models.Agency{}).Where("id = ?", existing.ID).Updates(updates).Error
}

func arpChanged(existing, incoming *models.Arp) bool {
	return existing.RecordNumber != incoming.RecordNumber ||
		existing.PurchaseNumber != incoming.PurchaseNumber ||
		existing.PurchaseYear != incoming.PurchaseYear ||
		existing.Uasg != incoming.Uasg ||
		!equalTimePtr(existing.ValidityStart, incoming.ValidityStart) ||
		!equalTimePtr(existing.ValidityEnd, incoming.ValidityEnd) ||
		!equalTimePtr(existing.SignatureDate, incoming.SignatureDate) ||
		!equalTimePtr(existing.UpstreamUpdatedAt, incoming.UpstreamUpdatedAt) ||
		existing.Description != incoming.Description ||
		!existing.TotalValue.Equal(incoming.TotalValue) ||
		existing.ItemCount != incoming.ItemCount ||
		existing.Status != incoming.Status ||
		existing.ModalityCode != incoming.ModalityCode ||
		existing.ModalityName != incoming.ModalityName ||
		existing.PncpPurchaseCode != incoming.PncpPurchaseCode ||
		existing.RecordLink != incoming.RecordLink ||
		existing.PurchaseLink != incoming.PurchaseLink ||
		existing.PurchaseId != incoming.PurchaseId ||
		existing.AgencyCode != incoming.AgencyCode ||
		existing.AgencyName != incoming.AgencyName ||
		existing.Deleted != incoming.Deleted ||
		existing.SearchText != incoming.SearchText
}

func itemChanged(existing, incoming *models.ArpItem) bool {
	return existing.ItemCode != incoming.ItemCode ||
		existing.Description != incoming.Description ||
		existing.ItemType != incoming.ItemType ||
		!existing.UnitValue.Equal(incoming.UnitValue) ||
		!existing.TotalValue.Equal(incoming.TotalValue) ||
		!existing.Quantity.Equal(incoming.Quantity) ||
		existing.Unit != incoming.Unit ||
		existing.Brand != incoming.Brand ||
		existing.Model != incoming.Model ||
		existing.SupplierRank != incoming.SupplierRank ||
		existing.SupplierTaxId != incoming.SupplierTaxId ||
		existing.SupplierName != incoming.SupplierName ||
		existing.SicafStatus != incoming.SicafStatus ||
		existing.PdmCode != incoming.PdmCode ||
		existing.PdmName != incoming.PdmName ||
		!existing.CommittedQuantity.Equal(incoming.CommittedQuantity) ||
		!existing.MaxDiscountPercent.Equal(incoming.MaxDiscountPercent) ||
		!existing.AdhesionLimit.Equal(incoming.AdhesionLimit) ||
		existing.Deleted != incoming.Deleted ||
		existing.SearchText != incoming.SearchText
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// softDeletePass flags records that were not seen by a completed full crawl.
// A row is stale when its last_synced_at predates the run start and its
// control code was never observed upstream; its items go with it.
func softDeletePass(ctx context.Context, db *gorm.DB, runStart time.Time, observed map[string]struct{}) (int, int, error) {
	var stale []uint
	var batch []models.Arp
	err := db.WithContext(ctx).Select("id", "control_code").
		Where("deleted = ? AND (last_synced_at IS NULL OR last_synced_at < ?)", false, runStart).
		FindInBatches(&batch, 1000, func(_ *gorm.DB, _ int) error {
			for _, c := range batch {
				if _, ok := observed[c.ControlCode]; !ok {
					stale = append(stale, c.ID)
				}
			}
			return nil
		}).Error
	if err != nil {
		return 0, 0, err
	}

	var parents, items int
	for start := 0; start < len(stale); start += 500 {
		end := start + 500
		if end > len(stale) {
			end = len(stale)
		}
		chunk := stale[start:end]
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.Arp{}).Where("id IN ?", chunk).Update("deleted", true)
			if res.Error != nil {
				return res.Error
			}
			parents += int(res.RowsAffected)
			ires := tx.Model(&models.ArpItem{}).Where("arp_id IN ? AND deleted = ?", chunk, false).Update("deleted", true)
			if ires.Error != nil {
				return ires.Error
			}
			items += int(ires.RowsAffected)
			return nil
		})
		if err != nil {
			return parents, items, err
		}
	}
	return parents, items, nil
}
