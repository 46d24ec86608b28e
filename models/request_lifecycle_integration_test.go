package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/stockroom_backend/config"
	"bitbucket.org/mmdatafocus/stockroom_backend/models"
	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"bitbucket.org/mmdatafocus/stockroom_backend/workflow"
	"github.com/google/uuid"
)

func integrationContext(t *testing.T) context.Context {
	t.Helper()
	ctx, _ := integrationEnv(t)
	return ctx
}

// integrationEnv also hands back the redis container name so outage tests
// can stop it mid-run.
func integrationEnv(t *testing.T) (context.Context, string) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "stockroom_test")
	t.Setenv("DOCUMENT_MATERIALIZATION", "false")
	t.Setenv("STORAGE_PROVIDER", "none")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetBusinessIdInContext(ctx, uuid.NewString())
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUsernameInContext(ctx, "test@local")
	// Admin bypasses the role permission checks.
	ctx = utils.SetIsAdminInContext(ctx, true)
	return ctx, redisName
}

func mustCreateProduct(t *testing.T, ctx context.Context, name, sku string) *models.Product {
	t.Helper()
	p, err := models.CreateProduct(ctx, &models.NewProduct{Name: name, Sku: sku})
	if err != nil {
		t.Fatalf("CreateProduct %s: %v", sku, err)
	}
	return p
}

func TestRequestLifecycleAllocatesAndFulfills(t *testing.T) {
	ctx := integrationContext(t)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)

	cable := mustCreateProduct(t, ctx, "HDMI Cable", "CAB-HDMI")
	laptop := mustCreateProduct(t, ctx, "Laptop", "LT-14")

	if cable.Status != models.ProductStatusOutOfStock || cable.Quantity != 0 {
		t.Fatalf("new product should start empty, got %+v", cable)
	}

	// Intake: 30 cables in bulk, 2 serialized laptops.
	_, err := models.CreateInvoice(ctx, &models.NewInvoice{
		SupplierName: "ACME Supplies",
		Items: []models.NewInvoiceItem{
			{ProductId: cable.ID, Qty: 30},
			{ProductId: laptop.ID, Qty: 2, UnitCodes: []models.NewInvoiceUnit{
				{Code: "LT-001", Serial: "SN-A"},
				{Code: "LT-002", Serial: "SN-B"},
			}},
		},
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	cable, err = models.GetProduct(ctx, cable.ID)
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if cable.Quantity != 30 || cable.Status != models.ProductStatusInStock {
		t.Fatalf("cable after intake: %+v", cable)
	}

	request, err := models.CreateRequest(ctx, &models.NewRequest{
		Items: []models.NewRequestItem{
			{ProductId: cable.ID, Qty: 5},
			{ProductId: laptop.ID, Qty: 1},
		},
		Purpose: "Meeting room refit",
		Submit:  true,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if request.Status != models.RequestStatusSubmitted {
		t.Fatalf("submitted request status = %s", request.Status)
	}
	if request.SequenceNo != 1 || !strings.HasSuffix(request.DisplayNumber, "-1") {
		t.Fatalf("first request numbering: seq=%d display=%q", request.SequenceNo, request.DisplayNumber)
	}

	request, err = workflow.ApproveRequest(ctx, request.ID, &models.SignatureInput{Name: "U Kyaw", Title: "Manager"}, "10.0.0.1", "test")
	if err != nil {
		t.Fatalf("ApproveRequest: %v", err)
	}
	if request.Status != models.RequestStatusApproved || !request.ApprovalSigned() {
		t.Fatalf("approved request: %+v", request)
	}

	// Allocation decremented the quantity-tracked product.
	cable, _ = models.GetProduct(ctx, cable.ID)
	if cable.Quantity != 25 {
		t.Fatalf("cable quantity after approval = %d, want 25", cable.Quantity)
	}

	// FIFO picked the oldest serialized unit and stamped it on the line.
	request, _ = models.GetRequest(ctx, request.ID)
	var laptopLine *models.RequestItem
	for i := range request.Items {
		if request.Items[i].ProductId == laptop.ID {
			laptopLine = &request.Items[i]
		}
	}
	if laptopLine == nil || laptopLine.Destination != "LT-001" {
		t.Fatalf("expected oldest unit LT-001 allocated, got %+v", laptopLine)
	}
	units, err := models.GetProductUnits(ctx, &laptop.ID, nil, nil)
	if err != nil {
		t.Fatalf("GetProductUnits: %v", err)
	}
	for _, u := range units {
		switch u.Code {
		case "LT-001":
			if u.Status != models.ProductUnitStatusAcquired {
				t.Errorf("LT-001 status = %s, want ACQUIRED", u.Status)
			}
		case "LT-002":
			if u.Status != models.ProductUnitStatusInStock {
				t.Errorf("LT-002 status = %s, want IN_STOCK", u.Status)
			}
		}
	}

	// Every allocation left an OUT movement tied to the request.
	movements, err := models.GetStockMovements(ctx, nil, &request.ID, nil, nil)
	if err != nil {
		t.Fatalf("GetStockMovements: %v", err)
	}
	if len(movements) != 2 {
		t.Fatalf("expected 2 OUT movements, got %d", len(movements))
	}
	for _, m := range movements {
		if m.Type != models.StockMovementTypeOut {
			t.Errorf("movement type = %s, want OUT", m.Type)
		}
	}

	// A signed request rejects structural edits until the signature is voided.
	_, err = workflow.ReplaceRequestItems(ctx, request.ID, []models.NewRequestItem{{ProductId: cable.ID, Qty: 3}})
	if err == nil || !utils.IsConflictError(err) {
		t.Fatalf("expected conflict replacing items on signed request, got %v", err)
	}

	// Void, then replace: old allocation is restored, the new one applied,
	// all in one transaction.
	request, err = workflow.VoidApprovalSignature(ctx, request.ID, &models.VoidSignatureInput{Reason: "wrong quantities submitted"})
	if err != nil {
		t.Fatalf("VoidApprovalSignature: %v", err)
	}
	if request.ApprovalSigned() {
		t.Fatal("approval slot should be clear after void")
	}

	request, err = workflow.ReplaceRequestItems(ctx, request.ID, []models.NewRequestItem{
		{ProductId: cable.ID, Qty: 3},
		{ProductId: laptop.ID, Qty: 1, Destination: "LT-002"},
	})
	if err != nil {
		t.Fatalf("ReplaceRequestItems: %v", err)
	}
	cable, _ = models.GetProduct(ctx, cable.ID)
	if cable.Quantity != 27 {
		t.Fatalf("cable quantity after replace = %d, want 27", cable.Quantity)
	}
	units, _ = models.GetProductUnits(ctx, &laptop.ID, nil, nil)
	for _, u := range units {
		switch u.Code {
		case "LT-001":
			if u.Status != models.ProductUnitStatusInStock {
				t.Errorf("LT-001 should be restored, got %s", u.Status)
			}
		case "LT-002":
			if u.Status != models.ProductUnitStatusAcquired {
				t.Errorf("LT-002 should be acquired, got %s", u.Status)
			}
		}
	}

	// Ledger and denormalized quantity agree.
	ledger, err := models.LedgerQuantity(ctx, businessId, cable.ID)
	if err != nil {
		t.Fatalf("LedgerQuantity: %v", err)
	}
	if ledger != cable.Quantity {
		t.Fatalf("ledger %d != stored quantity %d", ledger, cable.Quantity)
	}
}

func TestApproveRejectsWhenStockInsufficient(t *testing.T) {
	ctx := integrationContext(t)

	chair := mustCreateProduct(t, ctx, "Office Chair", "CHR-01")
	desk := mustCreateProduct(t, ctx, "Desk", "DSK-01")

	_, err := models.CreateInvoice(ctx, &models.NewInvoice{
		SupplierName: "Furniture Co",
		Items: []models.NewInvoiceItem{
			{ProductId: chair.ID, Qty: 4},
			{ProductId: desk.ID, Qty: 10},
		},
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	// Second line overdraws; the first line's deduction must roll back too.
	request, err := models.CreateRequest(ctx, &models.NewRequest{
		Items: []models.NewRequestItem{
			{ProductId: desk.ID, Qty: 2},
			{ProductId: chair.ID, Qty: 9},
		},
		Submit: true,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	_, err = workflow.ApproveRequest(ctx, request.ID, &models.SignatureInput{Name: "U Kyaw"}, "10.0.0.1", "test")
	if err == nil || !utils.IsConflictError(err) {
		t.Fatalf("expected insufficient stock conflict, got %v", err)
	}
	var ise *utils.InsufficientStockError
	if !errors.As(err, &ise) || ise.OnHand != 4 || ise.Requested != 9 {
		t.Fatalf("unexpected conflict detail: %v", err)
	}

	request, _ = models.GetRequest(ctx, request.ID)
	if request.Status != models.RequestStatusSubmitted || request.ApprovalSigned() {
		t.Fatalf("failed approval must leave the request untouched: %+v", request)
	}
	desk, _ = models.GetProduct(ctx, desk.ID)
	chair, _ = models.GetProduct(ctx, chair.ID)
	if desk.Quantity != 10 || chair.Quantity != 4 {
		t.Fatalf("quantities must be untouched: desk=%d chair=%d", desk.Quantity, chair.Quantity)
	}

	// No movements leaked out of the rolled-back transaction.
	movements, _ := models.GetStockMovements(ctx, nil, &request.ID, nil, nil)
	if len(movements) != 0 {
		t.Fatalf("rolled-back approval left %d movements", len(movements))
	}
}

func TestConcurrentRequestNumbering(t *testing.T) {
	ctx := integrationContext(t)

	pen := mustCreateProduct(t, ctx, "Pen", "PEN-01")

	// Five workers fit the allocator's retry budget even if every attempt
	// collides with a different winner.
	const workers = 5
	var wg sync.WaitGroup
	results := make([]*models.Request, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = models.CreateRequest(ctx, &models.NewRequest{
				Items: []models.NewRequestItem{{ProductId: pen.ID, Qty: 1}},
			})
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if seen[results[i].SequenceNo] {
			t.Fatalf("duplicate sequence number %d", results[i].SequenceNo)
		}
		seen[results[i].SequenceNo] = true
	}
	for seq := 1; seq <= workers; seq++ {
		if !seen[seq] {
			t.Errorf("sequence %d missing; numbering must be gapless under contention", seq)
		}
	}
}

func TestDeleteRequestGuards(t *testing.T) {
	ctx := integrationContext(t)

	mouse := mustCreateProduct(t, ctx, "Mouse", "MS-01")
	if _, err := models.CreateInvoice(ctx, &models.NewInvoice{
		Items: []models.NewInvoiceItem{{ProductId: mouse.ID, Qty: 5}},
	}); err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	draft, err := models.CreateRequest(ctx, &models.NewRequest{
		Items: []models.NewRequestItem{{ProductId: mouse.ID, Qty: 1}},
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := models.DeleteRequest(ctx, draft.ID); err != nil {
		t.Fatalf("deleting a draft should work: %v", err)
	}
	if _, err := models.GetRequest(ctx, draft.ID); !utils.IsNotFoundError(err) {
		t.Fatalf("deleted request still readable: %v", err)
	}

	approved, err := models.CreateRequest(ctx, &models.NewRequest{
		Items:  []models.NewRequestItem{{ProductId: mouse.ID, Qty: 2}},
		Submit: true,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := workflow.ApproveRequest(ctx, approved.ID, &models.SignatureInput{Name: "U Kyaw"}, "10.0.0.1", "test"); err != nil {
		t.Fatalf("ApproveRequest: %v", err)
	}
	if _, err := models.DeleteRequest(ctx, approved.ID); err == nil || !utils.IsConflictError(err) {
		t.Fatalf("expected conflict deleting an allocated request, got %v", err)
	}
}

func TestRejectClosesWithoutTouchingStock(t *testing.T) {
	ctx := integrationContext(t)

	lamp := mustCreateProduct(t, ctx, "Desk Lamp", "LMP-01")
	if _, err := models.CreateInvoice(ctx, &models.NewInvoice{
		Items: []models.NewInvoiceItem{{ProductId: lamp.ID, Qty: 8}},
	}); err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	request, err := models.CreateRequest(ctx, &models.NewRequest{
		Items:  []models.NewRequestItem{{ProductId: lamp.ID, Qty: 3}},
		Submit: true,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	request, err = workflow.RejectRequest(ctx, request.ID, "budget freeze")
	if err != nil {
		t.Fatalf("RejectRequest: %v", err)
	}
	if request.Status != models.RequestStatusRejected {
		t.Fatalf("status = %s, want REJECTED", request.Status)
	}
	lamp, _ = models.GetProduct(ctx, lamp.ID)
	if lamp.Quantity != 8 {
		t.Fatalf("reject must not touch stock, quantity = %d", lamp.Quantity)
	}

	// Terminal: no further transitions, no edits.
	if _, err := workflow.SubmitRequest(ctx, request.ID); err == nil {
		t.Fatal("rejected request must not re-submit")
	}
	if _, err := workflow.ReplaceRequestItems(ctx, request.ID, []models.NewRequestItem{{ProductId: lamp.ID, Qty: 1}}); err == nil {
		t.Fatal("rejected request must not accept item edits")
	}
}

func TestUnitTrackedRequestRequiresQtyOne(t *testing.T) {
	ctx := integrationContext(t)

	printer := mustCreateProduct(t, ctx, "Printer", "PRN-01")
	if _, err := models.CreateInvoice(ctx, &models.NewInvoice{
		Items: []models.NewInvoiceItem{{ProductId: printer.ID, Qty: 2, UnitCodes: []models.NewInvoiceUnit{
			{Code: "PRN-A"}, {Code: "PRN-B"},
		}}},
	}); err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	request, err := models.CreateRequest(ctx, &models.NewRequest{
		Items:  []models.NewRequestItem{{ProductId: printer.ID, Qty: 2}},
		Submit: true,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	_, err = workflow.ApproveRequest(ctx, request.ID, &models.SignatureInput{Name: "U Kyaw"}, "10.0.0.1", "test")
	if err == nil || !utils.IsValidationError(err) {
		t.Fatalf("expected validation error for unit-tracked qty 2, got %v", err)
	}

	// Requesting a specific code that is already out is a conflict naming the code.
	okReq, err := models.CreateRequest(ctx, &models.NewRequest{
		Items:  []models.NewRequestItem{{ProductId: printer.ID, Qty: 1, Destination: "PRN-A"}},
		Submit: true,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := workflow.ApproveRequest(ctx, okReq.ID, &models.SignatureInput{Name: "U Kyaw"}, "10.0.0.1", "test"); err != nil {
		t.Fatalf("ApproveRequest: %v", err)
	}

	dupReq, err := models.CreateRequest(ctx, &models.NewRequest{
		Items:  []models.NewRequestItem{{ProductId: printer.ID, Qty: 1, Destination: "PRN-A"}},
		Submit: true,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	_, err = workflow.ApproveRequest(ctx, dupReq.ID, &models.SignatureInput{Name: "U Kyaw"}, "10.0.0.1", "test")
	if err == nil || !utils.IsConflictError(err) || !strings.Contains(err.Error(), "PRN-A") {
		t.Fatalf("expected unit unavailable conflict for PRN-A, got %v", err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("stockroom-test-redis-%d", time.Now().UnixNano())
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
	name := fmt.Sprintf("stockroom-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=stockroom_test",
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
