package arpsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atahubbr/atahub_backend/models"
)

// flexString decodes JSON strings and bare numbers alike; the upstream API is
// not consistent about which one its code fields use.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

type arpPayload struct {
	ControlCode      string      `json:"numeroControlePncpAta"`
	RecordNumber     string      `json:"numeroAtaRegistroPreco"`
	PurchaseNumber   flexString  `json:"numeroCompra"`
	PurchaseYear     json.Number `json:"anoCompra"`
	Uasg             flexString  `json:"codigoUnidadeGerenciadora"`
	UasgName         string      `json:"nomeUnidadeGerenciadora"`
	Uf               string      `json:"uf"`
	ValidityStart    string      `json:"dataVigenciaInicial"`
	ValidityEnd      string      `json:"dataVigenciaFinal"`
	SignatureDate    string      `json:"dataAssinatura"`
	UpdatedAt        string      `json:"dataHoraAtualizacao"`
	Description      string      `json:"objeto"`
	TotalValue       json.Number `json:"valorTotal"`
	ItemCount        json.Number `json:"quantidadeItens"`
	Status           string      `json:"statusAta"`
	ModalityCode     json.Number `json:"codigoModalidadeCompra"`
	ModalityName     string      `json:"nomeModalidadeCompra"`
	PncpPurchaseCode string      `json:"numeroControlePncpCompra"`
	RecordLink       string      `json:"linkAtaPNCP"`
	PurchaseLink     string      `json:"linkCompraPNCP"`
	PurchaseId       flexString  `json:"idCompra"`
	AgencyCode       flexString  `json:"codigoOrgao"`
	AgencyName       string      `json:"nomeOrgao"`
	Excluded         bool        `json:"ataExcluido"`
}

type arpItemPayload struct {
	ItemNumber         json.Number `json:"numeroItem"`
	ItemCode           flexString  `json:"codigoItem"`
	Description        string      `json:"descricaoItem"`
	ItemType           string      `json:"tipoItem"`
	UnitValue          json.Number `json:"valorUnitario"`
	TotalValue         json.Number `json:"valorTotal"`
	QuantityAwarded    json.Number `json:"quantidadeHomologadaVencedor"`
	Quantity           json.Number `json:"quantidadeHomologada"`
	Unit               string      `json:"unidadeMedida"`
	Brand              string      `json:"marca"`
	Model              string      `json:"modelo"`
	SupplierRank       json.Number `json:"classificacaoFornecedor"`
	SupplierTaxId      flexString  `json:"niFornecedor"`
	SupplierName       string      `json:"nomeRazaoSocialFornecedor"`
	SicafStatus        string      `json:"situacaoSicaf"`
	PdmCode            json.Number `json:"codigoPdm"`
	PdmName            string      `json:"nomePdm"`
	CommittedQuantity  json.Number `json:"quantidadeEmpenhada"`
	MaxDiscountPercent json.Number `json:"percentualMaiorDesconto"`
	AdhesionLimit      json.Number `json:"maximoAdesao"`
	Excluded           bool        `json:"itemExcluido"`
}

// transformArp validates and maps one upstream record. The returned Agency
// carries the managing-unit fields the record embeds; the caller upserts it
// before the record itself.
func transformArp(raw json.RawMessage) (*models.Arp, *models.Agency, error) {
	var p arpPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil, fmt.Errorf("decode record: %w", err)
	}

	controlCode := strings.TrimSpace(p.ControlCode)
	if controlCode == "" {
		return nil, nil, errors.New("missing numeroControlePncpAta")
	}
	purchaseNumber := strings.TrimSpace(string(p.PurchaseNumber))
	if purchaseNumber == "" {
		return nil, nil, errors.New("missing numeroCompra")
	}
	uasg := strings.TrimSpace(string(p.Uasg))
	if uasg == "" {
		return nil, nil, errors.New("missing codigoUnidadeGerenciadora")
	}

	validityStart := parseDate(p.ValidityStart)
	validityEnd := parseDate(p.ValidityEnd)
	if validityStart != nil && validityEnd != nil && validityStart.After(*validityEnd) {
		return nil, nil, errors.New("validity start after validity end")
	}

	agencyName := strings.TrimSpace(p.AgencyName)
	if agencyName == "" {
		agencyName = strings.TrimSpace(p.UasgName)
	}

	arp := &models.Arp{
		ControlCode:       controlCode,
		RecordNumber:      strings.TrimSpace(p.RecordNumber),
		PurchaseNumber:    purchaseNumber,
		PurchaseYear:      intFromNumber(p.PurchaseYear),
		Uasg:              uasg,
		ValidityStart:     validityStart,
		ValidityEnd:       validityEnd,
		SignatureDate:     parseDate(p.SignatureDate),
		UpstreamUpdatedAt: parseDate(p.UpdatedAt),
		Description:       strings.TrimSpace(p.Description),
		TotalValue:        decimalFromNumber(p.TotalValue).Round(2),
		ItemCount:         intFromNumber(p.ItemCount),
		Status:            strings.TrimSpace(p.Status),
		ModalityCode:      intFromNumber(p.ModalityCode),
		ModalityName:      strings.TrimSpace(p.ModalityName),
		PncpPurchaseCode:  strings.TrimSpace(p.PncpPurchaseCode),
		RecordLink:        strings.TrimSpace(p.RecordLink),
		PurchaseLink:      strings.TrimSpace(p.PurchaseLink),
		PurchaseId:        strings.TrimSpace(string(p.PurchaseId)),
		AgencyCode:        strings.TrimSpace(string(p.AgencyCode)),
		AgencyName:        agencyName,
		Deleted:           p.Excluded,
	}
	arp.SearchText = joinSearchText(arp.RecordNumber, arp.Description, arp.AgencyName)

	agency := &models.Agency{
		Uasg: uasg,
		Name: strings.TrimSpace(p.UasgName),
		Uf:   strings.TrimSpace(p.Uf),
	}
	return arp, agency, nil
}

func transformArpItem(raw json.RawMessage) (*models.ArpItem, error) {
	var p arpItemPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}

	itemNumber := intFromNumber(p.ItemNumber)
	if itemNumber <= 0 {
		return nil, errors.New("missing numeroItem")
	}

	// Awarded quantity wins when present; the plain homologated quantity is
	// the fallback for older records.
	qty := p.QuantityAwarded
	if qty == "" {
		qty = p.Quantity
	}

	item := &models.ArpItem{
		ItemNumber:         itemNumber,
		ItemCode:           strings.TrimSpace(string(p.ItemCode)),
		Description:        strings.TrimSpace(p.Description),
		ItemType:           strings.TrimSpace(p.ItemType),
		UnitValue:          decimalFromNumber(p.UnitValue).Round(4),
		TotalValue:         decimalFromNumber(p.TotalValue).Round(2),
		Quantity:           decimalFromNumber(qty).Round(4),
		Unit:               strings.TrimSpace(p.Unit),
		Brand:              strings.TrimSpace(p.Brand),
		Model:              strings.TrimSpace(p.Model),
		SupplierRank:       intFromNumber(p.SupplierRank),
		SupplierTaxId:      strings.TrimSpace(string(p.SupplierTaxId)),
		SupplierName:       strings.TrimSpace(p.SupplierName),
		SicafStatus:        strings.TrimSpace(p.SicafStatus),
		PdmCode:            intFromNumber(p.PdmCode),
		PdmName:            strings.TrimSpace(p.PdmName),
		CommittedQuantity:  decimalFromNumber(p.CommittedQuantity).Round(4),
		MaxDiscountPercent: decimalFromNumber(p.MaxDiscountPercent).Round(2),
		AdhesionLimit:      decimalFromNumber(p.AdhesionLimit).Round(2),
		Deleted:            p.Excluded,
	}
	item.SearchText = joinSearchText(item.Description, item.Brand, item.Model, item.SupplierName)
	return item, nil
}

var dateLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02",
	time.RFC3339,
}

func parseDate(v string) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return &t
		}
	}
	return nil
}

func decimalFromNumber(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func intFromNumber(n json.Number) int {
	if n == "" {
		return 0
	}
	i, err := n.Int64()
	if err != nil {
		// Some numeric fields come back as floats.
		f, ferr := n.Float64()
		if ferr != nil {
			return 0
		}
		return int(f)
	}
	return int(i)
}

func joinSearchText(parts ...string) string {
	var kept []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.ToLower(strings.Join(kept, " "))
}
