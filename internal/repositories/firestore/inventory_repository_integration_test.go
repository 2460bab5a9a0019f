//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	domain "github.com/kitchenline/api/internal/domain"
	pconfig "github.com/kitchenline/api/internal/platform/config"
	pfirestore "github.com/kitchenline/api/internal/platform/firestore"
	"github.com/kitchenline/api/internal/repositories"
)

func TestInventoryRepositoryIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "inventory-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewInventoryRepository(provider)
	if err != nil {
		t.Fatalf("new inventory repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	staleExpiry := now.Add(-time.Hour)
	seed := map[string]materialDocument{
		"mat-noodles": {Name: "Rice noodles", Unit: "kg", Quantity: 10, IsActive: true, UpdatedAt: now},
		"mat-beef":    {Name: "Beef brisket", Unit: "kg", Quantity: 5, IsActive: true, UpdatedAt: now},
		"mat-milk":    {Name: "Fresh milk", Unit: "l", Quantity: 8, ExpireAt: &staleExpiry, IsActive: true, UpdatedAt: now},
	}
	for id, doc := range seed {
		if _, err := client.Collection(materialsCollection).Doc(id).Set(ctx, doc); err != nil {
			t.Fatalf("seed material %s: %v", id, err)
		}
	}

	deduction := domain.InventoryDeduction{
		ID:       "ded_test_1",
		OrderRef: "orders/ord_test_1",
		Lines: []domain.DeductionLine{
			{MaterialID: "mat-noodles", Quantity: 0.4},
			{MaterialID: "mat-beef", Quantity: 0.3},
		},
		CreatedAt: now,
	}

	deductResult, err := repo.Deduct(ctx, repositories.InventoryDeductRequest{Deduction: deduction, Now: now})
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if deductResult.Deduction.Status != domain.DeductionStatusApplied {
		t.Fatalf("expected applied status, got %s", deductResult.Deduction.Status)
	}
	if got := deductResult.Materials["mat-noodles"].Quantity; got != 9.6 {
		t.Fatalf("expected noodles quantity 9.6, got %v", got)
	}
	if got := deductResult.Materials["mat-beef"].Quantity; got != 4.7 {
		t.Fatalf("expected beef quantity 4.7, got %v", got)
	}

	var invErr *repositories.InventoryError

	_, err = repo.Deduct(ctx, repositories.InventoryDeductRequest{Deduction: deduction, Now: now.Add(time.Second)})
	if err == nil {
		t.Fatalf("expected duplicate deduction error")
	}
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorInvalidDeductionState {
		t.Fatalf("expected invalid deduction state for duplicate, got %v", err)
	}

	// A deduction mixing a satisfiable line with an oversized one must leave
	// every material untouched.
	_, err = repo.Deduct(ctx, repositories.InventoryDeductRequest{
		Deduction: domain.InventoryDeduction{
			ID:       "ded_test_2",
			OrderRef: "orders/ord_test_2",
			Lines: []domain.DeductionLine{
				{MaterialID: "mat-noodles", Quantity: 1},
				{MaterialID: "mat-beef", Quantity: 50},
			},
			CreatedAt: now,
		},
		Now: now,
	})
	if err == nil {
		t.Fatalf("expected insufficient stock error")
	}
	invErr = nil
	if !errors.As(err, &invErr) {
		t.Fatalf("expected inventory error, got %T %v", err, err)
	}
	if invErr.Code != repositories.InventoryErrorInsufficientStock {
		t.Fatalf("expected insufficient stock code, got %s", invErr.Code)
	}
	noodles, err := repo.GetMaterial(ctx, "mat-noodles")
	if err != nil {
		t.Fatalf("get material after failed deduct: %v", err)
	}
	if noodles.Quantity != 9.6 {
		t.Fatalf("expected noodles untouched at 9.6 after failed deduct, got %v", noodles.Quantity)
	}

	_, err = repo.Deduct(ctx, repositories.InventoryDeductRequest{
		Deduction: domain.InventoryDeduction{
			ID:        "ded_test_3",
			OrderRef:  "orders/ord_test_3",
			Lines:     []domain.DeductionLine{{MaterialID: "mat-milk", Quantity: 1}},
			CreatedAt: now,
		},
		Now: now,
	})
	if err == nil {
		t.Fatalf("expected expired material error")
	}
	invErr = nil
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorMaterialExpired {
		t.Fatalf("expected expired material code, got %v", err)
	}

	restockResult, err := repo.Restock(ctx, repositories.InventoryRestockRequest{
		DeductionID: deduction.ID,
		Reason:      "order_cancelled",
		Now:         now.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if restockResult.Deduction.Status != domain.DeductionStatusReleased {
		t.Fatalf("expected released status, got %s", restockResult.Deduction.Status)
	}
	if restockResult.Deduction.Reason != "order_cancelled" {
		t.Fatalf("expected restock reason recorded, got %q", restockResult.Deduction.Reason)
	}
	if got := restockResult.Materials["mat-noodles"].Quantity; got != 10 {
		t.Fatalf("expected noodles restored to 10, got %v", got)
	}
	if got := restockResult.Materials["mat-beef"].Quantity; got != 5 {
		t.Fatalf("expected beef restored to 5, got %v", got)
	}

	_, err = repo.Restock(ctx, repositories.InventoryRestockRequest{
		DeductionID: deduction.ID,
		Now:         now.Add(3 * time.Minute),
	})
	if err == nil {
		t.Fatalf("expected second restock to fail")
	}
	invErr = nil
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorInvalidDeductionState {
		t.Fatalf("expected invalid deduction state for double restock, got %v", err)
	}

	lowPage, err := repo.ListLowStock(ctx, repositories.InventoryLowStockQuery{Threshold: 6, PageSize: 10})
	if err != nil {
		t.Fatalf("list low stock: %v", err)
	}
	lowIDs := make([]string, 0, len(lowPage.Items))
	for _, item := range lowPage.Items {
		lowIDs = append(lowIDs, item.ID)
	}
	if len(lowIDs) != 1 || lowIDs[0] != "mat-beef" {
		t.Fatalf("expected low stock to list only mat-beef, got %v", lowIDs)
	}

	expired, err := repo.MarkExpired(ctx, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("mark expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "mat-milk" {
		t.Fatalf("expected mat-milk marked expired, got %+v", expired)
	}
	milk, err := repo.GetMaterial(ctx, "mat-milk")
	if err != nil {
		t.Fatalf("get milk after sweep: %v", err)
	}
	if !milk.IsExpired {
		t.Fatalf("expected milk flagged expired")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
