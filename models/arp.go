package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Arp is one ata de registro de preços as published by compras.gov.br.
// ControlCode (the PNCP control number) is the natural key used for
// reconciliation. PurchaseNumber, Uasg and ValidityStart together are the
// query key for the item endpoint.
type Arp struct {
	ID                uint            `gorm:"primary_key" json:"id"`
	ControlCode       string          `gorm:"uniqueIndex;size:64;not null" json:"control_code"`
	RecordNumber      string          `gorm:"size:64" json:"record_number"`
	PurchaseNumber    string          `gorm:"size:64;not null" json:"purchase_number"`
	PurchaseYear      int             `json:"purchase_year"`
	Uasg              string          `gorm:"index;size:20;not null" json:"uasg"`
	ValidityStart     *time.Time      `gorm:"index" json:"validity_start"`
	ValidityEnd       *time.Time      `gorm:"index" json:"validity_end"`
	SignatureDate     *time.Time      `json:"signature_date"`
	UpstreamUpdatedAt *time.Time      `json:"upstream_updated_at"`
	Description       string          `gorm:"type:text" json:"description"`
	TotalValue        decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"total_value"`
	ItemCount         int             `json:"item_count"`
	Status            string          `gorm:"size:50" json:"status"`
	ModalityCode      int             `json:"modality_code"`
	ModalityName      string          `gorm:"size:100" json:"modality_name"`
	PncpPurchaseCode  string          `gorm:"size:64" json:"pncp_purchase_code"`
	RecordLink        string          `gorm:"size:512" json:"record_link"`
	PurchaseLink      string          `gorm:"size:512" json:"purchase_link"`
	PurchaseId        string          `gorm:"size:64" json:"purchase_id"`
	AgencyCode        string          `gorm:"size:20" json:"agency_code"`
	AgencyName        string          `gorm:"size:255" json:"agency_name"`
	Deleted           bool            `gorm:"index;default:false" json:"deleted"`
	SearchText        string          `gorm:"type:text" json:"search_text"`
	LastSyncedAt      *time.Time      `gorm:"index" json:"last_synced_at"`
	Items             []ArpItem       `gorm:"foreignKey:ArpId" json:"items"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type ArpItem struct {
	ID                 uint            `gorm:"primary_key" json:"id"`
	ArpId              uint            `gorm:"uniqueIndex:idx_arp_item_number,priority:1;not null" json:"arp_id"`
	ItemNumber         int             `gorm:"uniqueIndex:idx_arp_item_number,priority:2;not null" json:"item_number"`
	ItemCode           string          `gorm:"size:64" json:"item_code"`
	Description        string          `gorm:"type:text" json:"description"`
	ItemType           string          `gorm:"size:50" json:"item_type"`
	UnitValue          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_value"`
	TotalValue         decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"total_value"`
	Quantity           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	Unit               string          `gorm:"size:50" json:"unit"`
	Brand              string          `gorm:"size:255" json:"brand"`
	Model              string          `gorm:"size:255" json:"model"`
	SupplierRank       int             `json:"supplier_rank"`
	SupplierTaxId      string          `gorm:"size:20" json:"supplier_tax_id"`
	SupplierName       string          `gorm:"size:255" json:"supplier_name"`
	SicafStatus        string          `gorm:"size:50" json:"sicaf_status"`
	PdmCode            int             `json:"pdm_code"`
	PdmName            string          `gorm:"size:255" json:"pdm_name"`
	CommittedQuantity  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"committed_quantity"`
	MaxDiscountPercent decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"max_discount_percent"`
	AdhesionLimit      decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"adhesion_limit"`
	Deleted            bool            `gorm:"index;default:false" json:"deleted"`
	SearchText         string          `gorm:"type:text" json:"search_text"`
	LastSyncedAt       *time.Time      `gorm:"index" json:"last_synced_at"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
