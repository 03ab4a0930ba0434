package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pos_backend/config"
	"pos_backend/models"
	"pos_backend/utils"
)

func setupIntegrationEnv(t *testing.T) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "pos_test")
	t.Setenv("TAX_RATE", "0.18")
	t.Setenv("DOCUMENT_SERIES", "0001")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Fresh DB per test container; drop any cached prefix from a prior run.
	_ = config.ClearRedis(context.Background())

	models.MigrateTable()
}

func mustCreateProduct(t *testing.T, ctx context.Context, name, price, stock string) *models.Product {
	t.Helper()
	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:      name,
		Sku:       strings.ToUpper(name) + "-001",
		SalePrice: decimal.RequireFromString(price),
		Stock:     decimal.RequireFromString(stock),
	})
	if err != nil {
		t.Fatalf("CreateProduct(%s): %v", name, err)
	}
	return product
}

func reloadProduct(t *testing.T, ctx context.Context, id int) *models.Product {
	t.Helper()
	product, err := models.GetProduct(ctx, id)
	if err != nil {
		t.Fatalf("GetProduct(%d): %v", id, err)
	}
	return product
}

func TestSalePostingLifecycle(t *testing.T) {
	setupIntegrationEnv(t)
	ctx := context.Background()

	coffee := mustCreateProduct(t, ctx, "Coffee", "3.50", "10")
	tea, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:           "Tea",
		Sku:            "TEA-001",
		SalePrice:      decimal.RequireFromString("2.00"),
		Stock:          decimal.RequireFromString("5"),
		StockThreshold: decimal.RequireFromString("4"),
	})
	if err != nil {
		t.Fatalf("CreateProduct(Tea): %v", err)
	}

	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{Name: "ACME Corp", TaxId: "30-12345678-1"})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}

	// 1) Post a counter ticket: 5 Coffee, paid cash 25.00.
	sale, err := models.PostSale(ctx, &models.NewSale{
		DocumentType:  models.DocumentTypeB,
		Lines:         []*models.NewSaleLine{{ProductId: coffee.ID, Qty: decimal.NewFromInt(5)}},
		PaymentMethod: models.PaymentMethodCash,
		AmountPaid:    decimal.RequireFromString("25.00"),
	})
	if err != nil {
		t.Fatalf("PostSale: %v", err)
	}
	if sale.DocumentNumber != "TKT0001-00000001" {
		t.Errorf("document number = %q, want TKT0001-00000001", sale.DocumentNumber)
	}
	if sale.CurrentStatus != models.SaleStatusPaid {
		t.Errorf("status = %s, want Paid", sale.CurrentStatus)
	}
	for name, got := range map[string]struct{ got, want decimal.Decimal }{
		"subtotal": {sale.Subtotal, decimal.RequireFromString("17.50")},
		"tax":      {sale.Tax, decimal.RequireFromString("3.15")},
		"total":    {sale.Total, decimal.RequireFromString("20.65")},
		"change":   {sale.ChangeGiven, decimal.RequireFromString("4.35")},
	} {
		if !got.got.Equal(got.want) {
			t.Errorf("%s = %s, want %s", name, got.got.String(), got.want.String())
		}
	}

	if got := reloadProduct(t, ctx, coffee.ID).Stock; !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("coffee stock after sale = %s, want 5", got.String())
	}

	movements, err := models.GetMovementsForSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("GetMovementsForSale: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("movements = %d, want 1", len(movements))
	}
	m := movements[0]
	if m.MovementType != models.MovementTypeSale ||
		!m.Qty.Equal(decimal.NewFromInt(-5)) ||
		!m.StockBefore.Equal(decimal.NewFromInt(10)) ||
		!m.StockAfter.Equal(decimal.NewFromInt(5)) {
		t.Errorf("unexpected movement: type=%s qty=%s before=%s after=%s",
			m.MovementType, m.Qty.String(), m.StockBefore.String(), m.StockAfter.String())
	}

	events, err := models.GetUnprocessedSaleEvents(ctx, 10)
	if err != nil {
		t.Fatalf("GetUnprocessedSaleEvents: %v", err)
	}
	if len(events) != 1 || events[0].EventType != models.SaleEventTypePosted || events[0].SaleId != sale.ID {
		t.Errorf("expected one POSTED event for sale %d, got %+v", sale.ID, events)
	}

	// 2) Type A uses its own series and requires the customer.
	invoice, err := models.PostSale(ctx, &models.NewSale{
		DocumentType:  models.DocumentTypeA,
		CustomerId:    &customer.ID,
		Lines:         []*models.NewSaleLine{{ProductId: tea.ID, Qty: decimal.NewFromInt(2)}},
		PaymentMethod: models.PaymentMethodCard,
		AmountPaid:    decimal.RequireFromString("4.72"),
	})
	if err != nil {
		t.Fatalf("PostSale(type A): %v", err)
	}
	if invoice.DocumentNumber != "INV0001-00000001" {
		t.Errorf("type A number = %q, want INV0001-00000001", invoice.DocumentNumber)
	}

	// Tea dropped to 3 against a threshold of 4: it must show up on the
	// restocking report.
	lowStock, err := models.GetLowStockProducts(ctx)
	if err != nil {
		t.Fatalf("GetLowStockProducts: %v", err)
	}
	if len(lowStock) != 1 || lowStock[0].ID != tea.ID {
		t.Errorf("low stock report = %+v, want only Tea", lowStock)
	}

	// Movement reads reject unknown sales instead of returning an empty list.
	if _, err := models.GetMovementsForSale(ctx, 999999); utils.KindOf(err) != utils.ErrorKindNotFound {
		t.Errorf("expected NotFound for movements of unknown sale, got %v", err)
	}

	// 3) A rejected sale leaves no trace: no row, no stock change, no number burned.
	_, err = models.PostSale(ctx, &models.NewSale{
		DocumentType:  models.DocumentTypeB,
		Lines:         []*models.NewSaleLine{{ProductId: coffee.ID, Qty: decimal.NewFromInt(99)}},
		PaymentMethod: models.PaymentMethodCash,
		AmountPaid:    decimal.RequireFromString("1000.00"),
	})
	if err == nil {
		t.Fatal("expected insufficient-stock rejection")
	}
	se, ok := utils.AsSaleError(err)
	if !ok || se.Kind != utils.ErrorKindValidation {
		t.Fatalf("expected Validation error, got %v", err)
	}
	if v := se.Violations; len(v) != 1 || v[0].Code != "INSUFFICIENT_STOCK" {
		t.Fatalf("expected single INSUFFICIENT_STOCK violation, got %+v", v)
	}
	if got := reloadProduct(t, ctx, coffee.ID).Stock; !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("stock changed by rejected sale: %s", got.String())
	}

	next, err := models.PostSale(ctx, &models.NewSale{
		DocumentType:  models.DocumentTypeB,
		Lines:         []*models.NewSaleLine{{ProductId: coffee.ID, Qty: decimal.NewFromInt(1)}},
		PaymentMethod: models.PaymentMethodCash,
		AmountPaid:    decimal.RequireFromString("5.00"),
	})
	if err != nil {
		t.Fatalf("PostSale after rejection: %v", err)
	}
	if next.DocumentNumber != "TKT0001-00000002" {
		t.Errorf("number after rejection = %q, want TKT0001-00000002 (no gap)", next.DocumentNumber)
	}

	// 4) Cancel the first sale: stock restored, reversal recorded, number kept.
	cancelled, err := models.CancelSale(ctx, sale.ID, "customer returned order")
	if err != nil {
		t.Fatalf("CancelSale: %v", err)
	}
	if cancelled.CurrentStatus != models.SaleStatusCancelled {
		t.Errorf("status = %s, want Cancelled", cancelled.CurrentStatus)
	}
	if cancelled.DocumentNumber != sale.DocumentNumber {
		t.Errorf("cancellation changed document number: %q", cancelled.DocumentNumber)
	}
	if got := reloadProduct(t, ctx, coffee.ID).Stock; !got.Equal(decimal.NewFromInt(9)) {
		t.Errorf("coffee stock after cancel = %s, want 9", got.String())
	}

	movements, err = models.GetMovementsForSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("GetMovementsForSale after cancel: %v", err)
	}
	sum := decimal.Zero
	for _, m := range movements {
		sum = sum.Add(m.Qty)
	}
	if len(movements) != 2 || !sum.IsZero() {
		t.Errorf("cancelled sale movements must sum to zero, got %d rows sum=%s", len(movements), sum.String())
	}

	// 5) Cancelling twice is rejected by the status guard.
	_, err = models.CancelSale(ctx, sale.ID, "double tap")
	if se, ok := utils.AsSaleError(err); !ok || se.Kind != utils.ErrorKindIllegalState {
		t.Fatalf("expected IllegalState on second cancel, got %v", err)
	}
	if got := reloadProduct(t, ctx, coffee.ID).Stock; !got.Equal(decimal.NewFromInt(9)) {
		t.Errorf("second cancel moved stock: %s", got.String())
	}

	// 6) Pending-state guard: only Paid sales cancel.
	_, err = models.CancelSale(ctx, 999999, "missing")
	if se, ok := utils.AsSaleError(err); !ok || se.Kind != utils.ErrorKindNotFound {
		t.Fatalf("expected NotFound for unknown sale, got %v", err)
	}
}

// Counter recovery: with sales already issued but no counter row (legacy
// deployment), the first allocation must continue after the highest
// issued number instead of restarting at 1.
func TestDocumentSequenceRecoveryFromIssuedSales(t *testing.T) {
	setupIntegrationEnv(t)
	ctx := context.Background()
	db := config.GetDB()

	coffee := mustCreateProduct(t, ctx, "Coffee", "3.50", "10")

	// Seed a pre-counter sale directly, then ensure no counter row exists.
	seeded := models.Sale{
		DocumentNumber: "TKT0001-00000777",
		DocumentType:   models.DocumentTypeB,
		Series:         "0001",
		SequenceNo:     777,
		SaleDate:       time.Now(),
		PaymentMethod:  models.PaymentMethodCash,
		CurrentStatus:  models.SaleStatusPaid,
	}
	if err := db.Create(&seeded).Error; err != nil {
		t.Fatalf("seed sale: %v", err)
	}
	if err := db.Where("document_type = ?", models.DocumentTypeB).
		Delete(&models.DocumentSequence{}).Error; err != nil {
		t.Fatalf("drop counter row: %v", err)
	}

	sale, err := models.PostSale(ctx, &models.NewSale{
		DocumentType:  models.DocumentTypeB,
		Lines:         []*models.NewSaleLine{{ProductId: coffee.ID, Qty: decimal.NewFromInt(1)}},
		PaymentMethod: models.PaymentMethodCash,
		AmountPaid:    decimal.RequireFromString("5.00"),
	})
	if err != nil {
		t.Fatalf("PostSale: %v", err)
	}
	if sale.DocumentNumber != "TKT0001-00000778" {
		t.Errorf("recovered number = %q, want TKT0001-00000778", sale.DocumentNumber)
	}
}

// The decrement command is guarded by the movement ledger: re-running it
// for a sale that already has SALE movements must be a no-op, not a
// double decrement.
func TestSaleStockDecrementIsIdempotentPerMovement(t *testing.T) {
	setupIntegrationEnv(t)
	ctx := context.Background()
	db := config.GetDB()

	coffee := mustCreateProduct(t, ctx, "Coffee", "3.50", "10")

	sale, err := models.PostSale(ctx, &models.NewSale{
		DocumentType:  models.DocumentTypeB,
		Lines:         []*models.NewSaleLine{{ProductId: coffee.ID, Qty: decimal.NewFromInt(4)}},
		PaymentMethod: models.PaymentMethodCash,
		AmountPaid:    decimal.RequireFromString("20.00"),
	})
	if err != nil {
		t.Fatalf("PostSale: %v", err)
	}

	tx := db.Begin()
	if err := models.ApplySaleStockDecrement(tx.WithContext(ctx), sale); err != nil {
		_ = tx.Rollback().Error
		t.Fatalf("second ApplySaleStockDecrement: %v", err)
	}
	if err := tx.Commit().Error; err != nil {
		t.Fatalf("commit: %v", err)
	}

	if got := reloadProduct(t, ctx, coffee.ID).Stock; !got.Equal(decimal.NewFromInt(6)) {
		t.Errorf("stock after re-run = %s, want 6 (single decrement)", got.String())
	}
	movements, err := models.GetMovementsForSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("GetMovementsForSale: %v", err)
	}
	if len(movements) != 1 {
		t.Errorf("movements after re-run = %d, want 1", len(movements))
	}
}

// Atomicity under fault: force the sale insert itself to fail (duplicate
// document number via a corrupted counter) and verify the whole posting
// rolls back: no sale row, no stock change, no movement, no outbox event,
// and the counter increment is returned.
func TestPostSaleLeavesNoResidueWhenInsertFails(t *testing.T) {
	setupIntegrationEnv(t)
	ctx := context.Background()
	db := config.GetDB()

	coffee := mustCreateProduct(t, ctx, "Coffee", "3.50", "5")

	// Corrupted state: counter says nothing issued, but number 1 exists.
	// The next allocation collides with the unique index on the insert.
	if err := db.Create(&models.DocumentSequence{
		DocumentType: models.DocumentTypeB,
		Series:       "0001",
		Prefix:       "TKT",
		LastNumber:   0,
	}).Error; err != nil {
		t.Fatalf("seed counter row: %v", err)
	}
	if err := db.Create(&models.Sale{
		DocumentNumber: "TKT0001-00000001",
		DocumentType:   models.DocumentTypeB,
		Series:         "0001",
		SequenceNo:     1,
		SaleDate:       time.Now(),
		PaymentMethod:  models.PaymentMethodCash,
		CurrentStatus:  models.SaleStatusPaid,
	}).Error; err != nil {
		t.Fatalf("seed conflicting sale: %v", err)
	}

	_, err := models.PostSale(ctx, &models.NewSale{
		DocumentType:  models.DocumentTypeB,
		Lines:         []*models.NewSaleLine{{ProductId: coffee.ID, Qty: decimal.NewFromInt(1)}},
		PaymentMethod: models.PaymentMethodCash,
		AmountPaid:    decimal.RequireFromString("5.00"),
	})
	if err == nil {
		t.Fatal("expected posting to fail on the duplicate document number")
	}
	if kind := utils.KindOf(err); kind != utils.ErrorKindStorage {
		t.Fatalf("error kind = %s, want %s (%v)", kind, utils.ErrorKindStorage, err)
	}

	// No residue from the rolled-back attempt.
	if got := reloadProduct(t, ctx, coffee.ID).Stock; !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("stock after failed posting = %s, want 5", got.String())
	}
	var movementCount int64
	if err := db.Model(&models.InventoryMovement{}).
		Where("product_id = ?", coffee.ID).
		Count(&movementCount).Error; err != nil {
		t.Fatalf("count movements: %v", err)
	}
	if movementCount != 0 {
		t.Errorf("movements after failed posting = %d, want 0", movementCount)
	}
	events, err := models.GetUnprocessedSaleEvents(ctx, 10)
	if err != nil {
		t.Fatalf("GetUnprocessedSaleEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("outbox rows after failed posting = %d, want 0", len(events))
	}
	var saleCount int64
	if err := db.Model(&models.Sale{}).Count(&saleCount).Error; err != nil {
		t.Fatalf("count sales: %v", err)
	}
	if saleCount != 1 {
		t.Errorf("sale rows = %d, want only the seeded one", saleCount)
	}
	var seq models.DocumentSequence
	if err := db.Where("document_type = ?", models.DocumentTypeB).First(&seq).Error; err != nil {
		t.Fatalf("reload counter: %v", err)
	}
	if seq.LastNumber != 0 {
		t.Errorf("counter after rollback = %d, want 0", seq.LastNumber)
	}

	// Repair the counter; posting works again and skips the taken number.
	if err := db.Model(&seq).Update("LastNumber", 1).Error; err != nil {
		t.Fatalf("repair counter: %v", err)
	}
	sale, err := models.PostSale(ctx, &models.NewSale{
		DocumentType:  models.DocumentTypeB,
		Lines:         []*models.NewSaleLine{{ProductId: coffee.ID, Qty: decimal.NewFromInt(1)}},
		PaymentMethod: models.PaymentMethodCash,
		AmountPaid:    decimal.RequireFromString("5.00"),
	})
	if err != nil {
		t.Fatalf("PostSale after repair: %v", err)
	}
	if sale.DocumentNumber != "TKT0001-00000002" {
		t.Errorf("number after repair = %q, want TKT0001-00000002", sale.DocumentNumber)
	}
}

// Concurrency: N cashiers fight over 5 units. Exactly 5 postings may
// win, numbers must be unique and contiguous, and stock must end at zero
// without ever going negative.
func TestConcurrentSalePostingKeepsNumbersGaplessAndStockExact(t *testing.T) {
	setupIntegrationEnv(t)
	t.Setenv("POSTING_MAX_RETRIES", "10")
	ctx := context.Background()

	coffee := mustCreateProduct(t, ctx, "Coffee", "3.50", "5")

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan *models.Sale, workers)
	failures := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sale, err := models.PostSale(ctx, &models.NewSale{
				DocumentType:  models.DocumentTypeB,
				Lines:         []*models.NewSaleLine{{ProductId: coffee.ID, Qty: decimal.NewFromInt(1)}},
				PaymentMethod: models.PaymentMethodCash,
				AmountPaid:    decimal.RequireFromString("5.00"),
			})
			if err != nil {
				failures <- err
				return
			}
			results <- sale
		}()
	}
	wg.Wait()
	close(results)
	close(failures)

	var numbers []string
	for sale := range results {
		numbers = append(numbers, sale.DocumentNumber)
	}
	if len(numbers) != 5 {
		t.Fatalf("successful postings = %d, want 5", len(numbers))
	}

	seen := map[string]bool{}
	var seqs []int64
	for _, number := range numbers {
		if seen[number] {
			t.Errorf("duplicate document number issued: %s", number)
		}
		seen[number] = true
		n, ok := models.ParseDocumentNumber("TKT", "0001", number)
		if !ok {
			t.Errorf("malformed number issued: %s", number)
		}
		seqs = append(seqs, n)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, n := range seqs {
		if n != int64(i+1) {
			t.Fatalf("numbers not gapless: %v", seqs)
		}
	}

	for err := range failures {
		se, ok := utils.AsSaleError(err)
		if !ok || (se.Kind != utils.ErrorKindValidation && se.Kind != utils.ErrorKindConflict) {
			t.Errorf("unexpected failure kind: %v", err)
		}
	}

	if got := reloadProduct(t, ctx, coffee.ID).Stock; !got.IsZero() {
		t.Errorf("final stock = %s, want 0", got.String())
	}

	var movementSum decimal.Decimal
	db := config.GetDB()
	row := db.Model(&models.InventoryMovement{}).
		Where("product_id = ?", coffee.ID).
		Select("COALESCE(SUM(qty), 0)")
	if err := row.Scan(&movementSum).Error; err != nil {
		t.Fatalf("sum movements: %v", err)
	}
	if !movementSum.Equal(decimal.NewFromInt(-5)) {
		t.Errorf("movement sum = %s, want -5", movementSum.String())
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("pos-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("pos-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=pos_test",
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
