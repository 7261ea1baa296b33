package arpsync_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atahubbr/atahub_backend/arpsync"
	"github.com/atahubbr/atahub_backend/config"
	"github.com/atahubbr/atahub_backend/models"
	"github.com/shopspring/decimal"
)

// fakeCompras is an in-memory stand-in for the upstream open-data API. It
// serves the two ARP endpoints with real pagination and lets the test mutate
// the corpus and inject failures between runs. The listing ignores the date
// filters; every seeded record is treated as in-range.
type fakeCompras struct {
	mu        sync.Mutex
	arps      []map[string]any
	items     map[string][]map[string]any
	failItems map[string]int
}

func newFakeCompras() *fakeCompras {
	return &fakeCompras{
		items:     map[string][]map[string]any{},
		failItems: map[string]int{},
	}
}

func (f *fakeCompras) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/modulo-arp/1_consultarARP":
			f.serveList(w, r)
		case "/modulo-arp/2_consultarARPItem":
			f.serveItems(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func (f *fakeCompras) serveList(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	rows := make([]map[string]any, len(f.arps))
	copy(rows, f.arps)
	f.mu.Unlock()
	writeEnvelope(w, r, rows)
}

func (f *fakeCompras) serveItems(w http.ResponseWriter, r *http.Request) {
	purchase := r.URL.Query().Get("numeroCompra")

	f.mu.Lock()
	if f.failItems[purchase] > 0 {
		f.failItems[purchase]--
		f.mu.Unlock()
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
		return
	}
	rows := make([]map[string]any, len(f.items[purchase]))
	copy(rows, f.items[purchase])
	f.mu.Unlock()
	writeEnvelope(w, r, rows)
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, rows []map[string]any) {
	page, _ := strconv.Atoi(r.URL.Query().Get("pagina"))
	size, _ := strconv.Atoi(r.URL.Query().Get("tamanhoPagina"))
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 10
	}
	totalPages := (len(rows) + size - 1) / size

	start := (page - 1) * size
	end := start + size
	if start > len(rows) {
		start = len(rows)
	}
	if end > len(rows) {
		end = len(rows)
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"resultado":        rows[start:end],
		"totalRegistros":   len(rows),
		"totalPaginas":     totalPages,
		"paginasRestantes": totalPages - page,
	})
}

func (f *fakeCompras) addArp(arp map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arps = append(f.arps, arp)
}

func (f *fakeCompras) removeArp(controlCode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.arps[:0]
	for _, a := range f.arps {
		if a["numeroControlePncpAta"] != controlCode {
			kept = append(kept, a)
		}
	}
	f.arps = kept
}

func (f *fakeCompras) setArpValue(controlCode, field string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.arps {
		if a["numeroControlePncpAta"] == controlCode {
			a[field] = value
		}
	}
}

func (f *fakeCompras) failItemsFor(purchase string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failItems[purchase] = times
}

func fakeArp(code, purchase, uasg string, total float64) map[string]any {
	return map[string]any{
		"numeroControlePncpAta":     code,
		"numeroAtaRegistroPreco":    strings.TrimPrefix(code, "ARP-") + "/2024",
		"numeroCompra":              purchase,
		"anoCompra":                 2024,
		"codigoUnidadeGerenciadora": uasg,
		"nomeUnidadeGerenciadora":   "Unidade Gestora " + uasg,
		"uf":                        "DF",
		"dataVigenciaInicial":       "2024-02-01",
		"dataVigenciaFinal":         "2025-02-01",
		"objeto":                    "Material de expediente " + code,
		"valorTotal":                total,
		"statusAta":                 "Vigente",
		"nomeOrgao":                 "Órgão " + uasg,
	}
}

func fakeItem(n int, desc, unit string) map[string]any {
	return map[string]any{
		"numeroItem":                   n,
		"descricaoItem":                desc,
		"unidadeMedida":                unit,
		"quantidadeHomologadaVencedor": 10,
		"valorUnitario":                25.5,
		"marca":                        "ACME",
	}
}

func TestIngestLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	upstream := newFakeCompras()
	srv := httptest.NewServer(upstream.handler())
	defer srv.Close()

	// Wire env for config.Connect* helpers and the crawl tunables. Small
	// pages force multi-page crawls; the high rate keeps the test fast.
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "atahub_test")
	t.Setenv("ARP_API_BASE_URL", srv.URL)
	t.Setenv("ARP_PAGE_SIZE", "2")
	t.Setenv("ARP_RATE_PER_SEC", "500")
	t.Setenv("ARP_ITEM_CONCURRENCY", "2")
	t.Setenv("ARP_BACKOFF_BASE_MS", "10")

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}
	models.MigrateTable()

	upstream.addArp(fakeArp("ARP-0001", "90001", "153054", 1000))
	upstream.addArp(fakeArp("ARP-0002", "90002", "153054", 2000))
	upstream.addArp(fakeArp("ARP-0003", "90003", "250110", 3000))
	for _, purchase := range []string{"90001", "90002", "90003"} {
		upstream.items[purchase] = []map[string]any{
			fakeItem(1, "Caneta esferográfica "+purchase, "UN"),
			fakeItem(2, "Papel A4 "+purchase, "RESMA"),
			fakeItem(3, "Grampeador "+purchase, "UN"),
		}
	}

	dateStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dateEnd := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

	// 1) Initial full load: 3 records over 2 listing pages, 3 items each.
	run, err := arpsync.RunFull(ctx, arpsync.FullRunOptions{
		DateStart:   dateStart,
		DateEnd:     dateEnd,
		TriggeredBy: models.IngestTriggeredManual,
	})
	if err != nil {
		t.Fatalf("initial full run: %v", err)
	}
	if run.Status != models.IngestRunStatusCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	if run.LastPage != 2 || run.TotalPages != 2 {
		t.Fatalf("expected last_page=2 total_pages=2, got %d/%d", run.LastPage, run.TotalPages)
	}
	if run.ArpsFetched != 3 || run.ArpsInserted != 3 || run.ArpsUpdated != 0 || run.ArpsSkipped != 0 {
		t.Fatalf("unexpected arp counters: fetched=%d inserted=%d updated=%d skipped=%d",
			run.ArpsFetched, run.ArpsInserted, run.ArpsUpdated, run.ArpsSkipped)
	}
	if run.ItemsFetched != 9 || run.ItemsInserted != 9 {
		t.Fatalf("unexpected item counters: fetched=%d inserted=%d", run.ItemsFetched, run.ItemsInserted)
	}
	if run.ErrorCount != 0 || run.ArpsDeleted != 0 {
		t.Fatalf("unexpected errors=%d deleted=%d", run.ErrorCount, run.ArpsDeleted)
	}

	var persisted models.IngestRun
	if err := db.Where("id = ?", run.ID).Take(&persisted).Error; err != nil {
		t.Fatalf("fetch run row: %v", err)
	}
	if persisted.Status != models.IngestRunStatusCompleted || persisted.LastPage != 2 || persisted.ArpsInserted != 3 {
		t.Fatalf("run row not persisted: status=%s last_page=%d inserted=%d",
			persisted.Status, persisted.LastPage, persisted.ArpsInserted)
	}
	if persisted.FinishedAt == nil {
		t.Fatalf("expected finished_at to be set")
	}

	var arpCount, itemCount, agencyCount int64
	db.Model(&models.Arp{}).Count(&arpCount)
	db.Model(&models.ArpItem{}).Count(&itemCount)
	db.Model(&models.Agency{}).Count(&agencyCount)
	if arpCount != 3 || itemCount != 9 || agencyCount != 2 {
		t.Fatalf("expected 3 arps / 9 items / 2 agencies, got %d/%d/%d", arpCount, itemCount, agencyCount)
	}

	var arp2 models.Arp
	if err := db.Where("control_code = ?", "ARP-0002").Take(&arp2).Error; err != nil {
		t.Fatalf("fetch ARP-0002: %v", err)
	}
	if arp2.PurchaseNumber != "90002" || arp2.Uasg != "153054" {
		t.Fatalf("unexpected ARP-0002 keys: %s/%s", arp2.PurchaseNumber, arp2.Uasg)
	}
	if arp2.TotalValue.Cmp(decimal.NewFromInt(2000)) != 0 {
		t.Fatalf("expected ARP-0002 total 2000, got %s", arp2.TotalValue.String())
	}
	if arp2.ValidityStart == nil || !arp2.ValidityStart.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected ARP-0002 validity start: %v", arp2.ValidityStart)
	}
	if arp2.LastSyncedAt == nil {
		t.Fatalf("expected last_synced_at to be set")
	}
	if arp2.AgencyName != "Órgão 153054" {
		t.Fatalf("unexpected agency name: %q", arp2.AgencyName)
	}

	var arp2Items []models.ArpItem
	if err := db.Where("arp_id = ?", arp2.ID).Order("item_number asc").Find(&arp2Items).Error; err != nil {
		t.Fatalf("fetch ARP-0002 items: %v", err)
	}
	if len(arp2Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(arp2Items))
	}
	if arp2Items[0].Quantity.Cmp(decimal.NewFromInt(10)) != 0 {
		t.Fatalf("expected quantity 10, got %s", arp2Items[0].Quantity.String())
	}
	if arp2Items[0].UnitValue.Cmp(decimal.NewFromFloat(25.5)) != 0 {
		t.Fatalf("expected unit value 25.5, got %s", arp2Items[0].UnitValue.String())
	}

	var agency models.Agency
	if err := db.Where("uasg = ?", "153054").Take(&agency).Error; err != nil {
		t.Fatalf("fetch agency: %v", err)
	}
	if agency.Name != "Unidade Gestora 153054" || agency.Uf != "DF" {
		t.Fatalf("unexpected agency row: %q %q", agency.Name, agency.Uf)
	}

	firstSyncedAt := *arp2.LastSyncedAt

	// 2) Rerun over the same range: nothing changed upstream, so every row
	// is skipped and last_synced_at is left alone.
	run, err = arpsync.RunFull(ctx, arpsync.FullRunOptions{
		DateStart:   dateStart,
		DateEnd:     dateEnd,
		TriggeredBy: models.IngestTriggeredManual,
	})
	if err != nil {
		t.Fatalf("idempotent rerun: %v", err)
	}
	if run.ArpsInserted != 0 || run.ArpsUpdated != 0 || run.ArpsSkipped != 3 {
		t.Fatalf("expected 3 skips, got inserted=%d updated=%d skipped=%d",
			run.ArpsInserted, run.ArpsUpdated, run.ArpsSkipped)
	}
	if run.ItemsSkipped != 9 || run.ItemsInserted != 0 || run.ItemsUpdated != 0 {
		t.Fatalf("expected 9 item skips, got inserted=%d updated=%d skipped=%d",
			run.ItemsInserted, run.ItemsUpdated, run.ItemsSkipped)
	}
	if err := db.Where("control_code = ?", "ARP-0002").Take(&arp2).Error; err != nil {
		t.Fatalf("refetch ARP-0002: %v", err)
	}
	if !arp2.LastSyncedAt.Equal(firstSyncedAt) {
		t.Fatalf("skip must not touch last_synced_at: %v vs %v", arp2.LastSyncedAt, firstSyncedAt)
	}

	// 3) Upstream edit: only the edited record is rewritten.
	upstream.setArpValue("ARP-0002", "valorTotal", 2500.75)
	run, err = arpsync.RunFull(ctx, arpsync.FullRunOptions{
		DateStart:   dateStart,
		DateEnd:     dateEnd,
		TriggeredBy: models.IngestTriggeredManual,
	})
	if err != nil {
		t.Fatalf("edit rerun: %v", err)
	}
	if run.ArpsUpdated != 1 || run.ArpsSkipped != 2 || run.ArpsInserted != 0 {
		t.Fatalf("expected 1 update / 2 skips, got updated=%d skipped=%d inserted=%d",
			run.ArpsUpdated, run.ArpsSkipped, run.ArpsInserted)
	}
	if err := db.Where("control_code = ?", "ARP-0002").Take(&arp2).Error; err != nil {
		t.Fatalf("refetch ARP-0002: %v", err)
	}
	if arp2.TotalValue.Cmp(decimal.NewFromFloat(2500.75)) != 0 {
		t.Fatalf("expected updated total 2500.75, got %s", arp2.TotalValue.String())
	}

	// 4) A record that fails validation is recorded in the error sink and
	// skipped; the run still completes and the record is not written.
	bad := fakeArp("ARP-0004", "90004", "153054", 100)
	delete(bad, "numeroCompra")
	upstream.addArp(bad)

	run, err = arpsync.RunFull(ctx, arpsync.FullRunOptions{
		DateStart:   dateStart,
		DateEnd:     dateEnd,
		TriggeredBy: models.IngestTriggeredManual,
	})
	if err != nil {
		t.Fatalf("run with bad record: %v", err)
	}
	if run.Status != models.IngestRunStatusCompleted {
		t.Fatalf("expected completed despite bad record, got %s", run.Status)
	}
	if run.ArpsFetched != 4 || run.ArpsSkipped != 3 || run.ErrorCount != 1 {
		t.Fatalf("unexpected counters with bad record: fetched=%d skipped=%d errors=%d",
			run.ArpsFetched, run.ArpsSkipped, run.ErrorCount)
	}

	var transformErr models.IngestError
	if err := db.Where("ingest_run_id = ?", run.ID).Take(&transformErr).Error; err != nil {
		t.Fatalf("fetch transform error row: %v", err)
	}
	if transformErr.Category != models.ErrCategoryTransform || transformErr.EntityType != models.IngestEntityArp {
		t.Fatalf("unexpected error row: category=%s entity=%s", transformErr.Category, transformErr.EntityType)
	}
	if transformErr.EntityId != "ARP-0004" || transformErr.Retryable {
		t.Fatalf("unexpected error row: entity_id=%s retryable=%v", transformErr.EntityId, transformErr.Retryable)
	}
	if len(transformErr.PayloadJSON) == 0 {
		t.Fatalf("expected the raw payload to be stored for replay inspection")
	}

	var badCount int64
	db.Model(&models.Arp{}).Where("control_code = ?", "ARP-0004").Count(&badCount)
	if badCount != 0 {
		t.Fatalf("invalid record must not be persisted")
	}
	upstream.removeArp("ARP-0004")

	// 5) Upstream removal: the next full run soft-deletes the record and
	// its items.
	upstream.removeArp("ARP-0003")
	run, err = arpsync.RunFull(ctx, arpsync.FullRunOptions{
		DateStart:   dateStart,
		DateEnd:     dateEnd,
		TriggeredBy: models.IngestTriggeredManual,
	})
	if err != nil {
		t.Fatalf("run after removal: %v", err)
	}
	if run.ArpsDeleted != 1 || run.ItemsDeleted != 3 {
		t.Fatalf("expected 1 arp / 3 items soft-deleted, got %d/%d", run.ArpsDeleted, run.ItemsDeleted)
	}

	var arp3 models.Arp
	if err := db.Where("control_code = ?", "ARP-0003").Take(&arp3).Error; err != nil {
		t.Fatalf("fetch ARP-0003: %v", err)
	}
	if !arp3.Deleted {
		t.Fatalf("expected ARP-0003 to be flagged deleted")
	}
	var deletedItems int64
	db.Model(&models.ArpItem{}).Where("deleted = ?", true).Count(&deletedItems)
	if deletedItems != 3 {
		t.Fatalf("expected 3 deleted items, got %d", deletedItems)
	}
	var liveArps int64
	db.Model(&models.Arp{}).Where("deleted = ?", false).Count(&liveArps)
	if liveArps != 2 {
		t.Fatalf("expected 2 live arps, got %d", liveArps)
	}

	// 6) The record comes back upstream: the deleted flag flips off through
	// the ordinary update path.
	upstream.addArp(fakeArp("ARP-0003", "90003", "250110", 3000))
	run, err = arpsync.RunFull(ctx, arpsync.FullRunOptions{
		DateStart:   dateStart,
		DateEnd:     dateEnd,
		TriggeredBy: models.IngestTriggeredManual,
	})
	if err != nil {
		t.Fatalf("run after re-listing: %v", err)
	}
	if run.ArpsUpdated != 1 || run.ItemsUpdated != 3 || run.ArpsDeleted != 0 {
		t.Fatalf("expected un-delete via update, got updated=%d items_updated=%d deleted=%d",
			run.ArpsUpdated, run.ItemsUpdated, run.ArpsDeleted)
	}
	if err := db.Where("control_code = ?", "ARP-0003").Take(&arp3).Error; err != nil {
		t.Fatalf("refetch ARP-0003: %v", err)
	}
	if arp3.Deleted {
		t.Fatalf("expected ARP-0003 to be live again")
	}
	db.Model(&models.ArpItem{}).Where("deleted = ?", true).Count(&deletedItems)
	if deletedItems != 0 {
		t.Fatalf("expected no deleted items, got %d", deletedItems)
	}

	// 7) Crash recovery: a run left in running state blocks new runs until
	// it is resumed; the resumed crawl continues from the checkpoint and the
	// deletion pass still accounts for pages processed before the crash.
	now := time.Now().UTC()
	seed := models.IngestRun{
		RunType:     models.IngestRunTypeFull,
		Status:      models.IngestRunStatusRunning,
		TriggeredBy: models.IngestTriggeredManual,
		DateStart:   &dateStart,
		DateEnd:     &dateEnd,
		StartedAt:   &now,
		LastPage:    1,
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("seed running run: %v", err)
	}

	_, err = arpsync.RunFull(ctx, arpsync.FullRunOptions{
		DateStart:   dateStart,
		DateEnd:     dateEnd,
		TriggeredBy: models.IngestTriggeredManual,
	})
	if !errors.Is(err, arpsync.ErrRunConflict) {
		t.Fatalf("expected ErrRunConflict, got %v", err)
	}

	run, err = arpsync.RunFull(ctx, arpsync.FullRunOptions{
		DateStart:   dateStart,
		DateEnd:     dateEnd,
		TriggeredBy: models.IngestTriggeredManual,
		Resume:      true,
	})
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if run.ID != seed.ID {
		t.Fatalf("expected to adopt run %d, got %d", seed.ID, run.ID)
	}
	if run.Status != models.IngestRunStatusCompleted || run.LastPage != 2 {
		t.Fatalf("resumed run: status=%s last_page=%d", run.Status, run.LastPage)
	}
	// Only page 2 is processed; page 1 records are reobserved, not refetched
	// with children.
	if run.ArpsFetched != 1 || run.ArpsSkipped != 1 {
		t.Fatalf("resumed run counters: fetched=%d skipped=%d", run.ArpsFetched, run.ArpsSkipped)
	}
	if run.ArpsDeleted != 0 {
		t.Fatalf("resume must not delete records from already-processed pages, deleted=%d", run.ArpsDeleted)
	}
	db.Model(&models.Arp{}).Where("deleted = ?", false).Count(&liveArps)
	if liveArps != 3 {
		t.Fatalf("expected all 3 records live after resume, got %d", liveArps)
	}

	// 8) Incremental: the window starts at the last completed run's end
	// minus the lookback.
	run, err = arpsync.RunIncremental(ctx, models.IngestTriggeredManual)
	if err != nil {
		t.Fatalf("incremental run: %v", err)
	}
	if run.RunType != models.IngestRunTypeIncremental || run.Status != models.IngestRunStatusCompleted {
		t.Fatalf("unexpected incremental run: type=%s status=%s", run.RunType, run.Status)
	}
	wantStart := time.Date(2024, 3, 24, 0, 0, 0, 0, time.UTC)
	if run.DateStart == nil || !run.DateStart.Equal(wantStart) {
		t.Fatalf("expected window start %s (date_end minus lookback), got %v", wantStart.Format("2006-01-02"), run.DateStart)
	}
	if run.DateEnd == nil || run.DateEnd.Before(*run.DateStart) {
		t.Fatalf("unexpected window end: %v", run.DateEnd)
	}
	if run.ArpsSkipped != 3 || run.ArpsDeleted != 0 {
		t.Fatalf("incremental counters: skipped=%d deleted=%d", run.ArpsSkipped, run.ArpsDeleted)
	}

	// 9) A transient item-fetch failure is recorded as retryable with enough
	// context to replay; reprocessing resolves it once upstream recovers.
	upstream.failItemsFor("90002", 3)
	run, err = arpsync.RunIncremental(ctx, models.IngestTriggeredManual)
	if err != nil {
		t.Fatalf("incremental with item failures: %v", err)
	}
	if run.Status != models.IngestRunStatusCompleted || run.ErrorCount != 1 {
		t.Fatalf("expected completed with 1 error, got status=%s errors=%d", run.Status, run.ErrorCount)
	}
	if run.ArpsSkipped != 2 {
		t.Fatalf("expected the 2 healthy records to be skipped, got %d", run.ArpsSkipped)
	}

	var itemErr models.IngestError
	if err := db.Where("retryable = ? AND resolved = ?", true, false).Take(&itemErr).Error; err != nil {
		t.Fatalf("fetch retryable error row: %v", err)
	}
	if itemErr.Category != models.ErrCategoryTransientNetwork || itemErr.EntityType != models.IngestEntityArp {
		t.Fatalf("unexpected error row: category=%s entity=%s", itemErr.Category, itemErr.EntityType)
	}
	if itemErr.EntityId != "ARP-0002" {
		t.Fatalf("unexpected entity id: %s", itemErr.EntityId)
	}
	if len(itemErr.ParamsJSON) == 0 || len(itemErr.PayloadJSON) == 0 {
		t.Fatalf("expected params and payload to be stored for replay")
	}

	summary, err := arpsync.ReprocessErrors(ctx, 10)
	if err != nil {
		t.Fatalf("ReprocessErrors: %v", err)
	}
	if summary.Attempted != 1 || summary.Resolved != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected reprocess summary: %+v", summary)
	}

	if err := db.Where("id = ?", itemErr.ID).Take(&itemErr).Error; err != nil {
		t.Fatalf("refetch error row: %v", err)
	}
	if !itemErr.Resolved || itemErr.RetryCount != 1 || itemErr.LastRetryAt == nil {
		t.Fatalf("expected resolved error with retry bookkeeping, got resolved=%v retries=%d",
			itemErr.Resolved, itemErr.RetryCount)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("atahub-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=atahub_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
