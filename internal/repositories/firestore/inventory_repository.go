package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/kitchenline/api/internal/domain"
	pfirestore "github.com/kitchenline/api/internal/platform/firestore"
	"github.com/kitchenline/api/internal/repositories"
)

const (
	materialsCollection       = "materials"
	stockDeductionsCollection = "stockDeductions"
)

type InventoryRepository struct {
	provider   *pfirestore.Provider
	materials  *pfirestore.BaseRepository[materialDocument]
	deductions *pfirestore.BaseRepository[deductionDocument]
}

func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	materials := pfirestore.NewBaseRepository[materialDocument](provider, materialsCollection, nil, nil)
	deductions := pfirestore.NewBaseRepository[deductionDocument](provider, stockDeductionsCollection, nil, nil)
	return &InventoryRepository{provider: provider, materials: materials, deductions: deductions}, nil
}

// Deduct atomically decrements every requested material or none at all. The
// deduction document doubles as the audit trail that Restock replays in reverse.
func (r *InventoryRepository) Deduct(ctx context.Context, req repositories.InventoryDeductRequest) (repositories.InventoryDeductResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryDeductResult{}, errors.New("inventory repository not initialised")
	}
	if req.Deduction.ID == "" {
		return repositories.InventoryDeductResult{}, errors.New("inventory deduct: deduction id is required")
	}
	if len(req.Deduction.Lines) == 0 {
		return repositories.InventoryDeductResult{}, errors.New("inventory deduct: at least one line is required")
	}

	now := req.Now.UTC()
	deduction := req.Deduction
	deduction.Status = domain.DeductionStatusApplied
	deduction.CreatedAt = deduction.CreatedAt.UTC()
	if deduction.CreatedAt.IsZero() {
		deduction.CreatedAt = now
	}
	deduction.UpdatedAt = now

	var result repositories.InventoryDeductResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		dedRef, err := r.deductions.DocumentRef(ctx, deduction.ID)
		if err != nil {
			return err
		}

		if _, err := tx.Get(dedRef); err == nil {
			return repositories.NewInventoryError(repositories.InventoryErrorInvalidDeductionState, fmt.Sprintf("deduction %s already exists", deduction.ID), nil)
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		materials := make(map[string]domain.Material)
		for _, line := range deduction.Lines {
			materialID := strings.TrimSpace(line.MaterialID)
			if materialID == "" {
				return repositories.NewInventoryError(repositories.InventoryErrorMaterialNotFound, "inventory deduct: material id is required", nil)
			}
			if line.Quantity <= 0 {
				return repositories.NewInventoryError(repositories.InventoryErrorUnknown, fmt.Sprintf("inventory deduct: quantity for %s must be > 0", materialID), nil)
			}

			matRef, err := r.materials.DocumentRef(ctx, materialID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(matRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewInventoryError(repositories.InventoryErrorMaterialNotFound, fmt.Sprintf("material %s not found", materialID), err)
				}
				return err
			}
			var matDoc materialDocument
			if err := snap.DataTo(&matDoc); err != nil {
				return fmt.Errorf("decode material %s: %w", materialID, err)
			}
			if !matDoc.IsActive {
				return repositories.NewInventoryError(repositories.InventoryErrorMaterialNotFound, fmt.Sprintf("material %s is inactive", materialID), nil)
			}
			if matDoc.expired(now) {
				return &repositories.InventoryError{
					Code:       repositories.InventoryErrorMaterialExpired,
					Message:    fmt.Sprintf("material %s is expired", materialID),
					MaterialID: materialID,
					Required:   line.Quantity,
					Available:  matDoc.Quantity,
				}
			}
			if matDoc.Quantity < line.Quantity {
				return repositories.NewInsufficientStockError(materialID, line.Quantity, matDoc.Quantity)
			}
			matDoc.Quantity -= line.Quantity
			matDoc.UpdatedAt = now
			if err := tx.Set(matRef, matDoc); err != nil {
				return err
			}
			materials[materialID] = matDoc.toDomain(materialID)
		}

		dedDoc := newDeductionDocument(deduction)
		if err := tx.Create(dedRef, dedDoc); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return repositories.NewInventoryError(repositories.InventoryErrorInvalidDeductionState, fmt.Sprintf("deduction %s already exists", deduction.ID), err)
			}
			return err
		}

		result = repositories.InventoryDeductResult{
			Deduction: dedDoc.toDomain(deduction.ID),
			Materials: materials,
		}
		return nil
	})
	if err != nil {
		return repositories.InventoryDeductResult{}, wrapInventoryError("inventory.deduct", err)
	}
	return result, nil
}

// Restock adds the deducted quantities back and marks the deduction released.
func (r *InventoryRepository) Restock(ctx context.Context, req repositories.InventoryRestockRequest) (repositories.InventoryRestockResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryRestockResult{}, errors.New("inventory repository not initialised")
	}
	if strings.TrimSpace(req.DeductionID) == "" {
		return repositories.InventoryRestockResult{}, errors.New("inventory restock: deduction id is required")
	}

	now := req.Now.UTC()
	var result repositories.InventoryRestockResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		dedRef, err := r.deductions.DocumentRef(ctx, req.DeductionID)
		if err != nil {
			return err
		}
		dedSnap, err := tx.Get(dedRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewInventoryError(repositories.InventoryErrorDeductionNotFound, fmt.Sprintf("deduction %s not found", req.DeductionID), err)
			}
			return err
		}
		dedDoc, err := decodeDeduction(dedSnap)
		if err != nil {
			return err
		}
		if dedDoc.Status != string(domain.DeductionStatusApplied) {
			return repositories.NewInventoryError(repositories.InventoryErrorInvalidDeductionState, fmt.Sprintf("deduction %s is not in applied status", req.DeductionID), nil)
		}

		materials := make(map[string]domain.Material)
		for _, line := range dedDoc.Lines {
			materialID := strings.TrimSpace(line.MaterialID)
			matRef, err := r.materials.DocumentRef(ctx, materialID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(matRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewInventoryError(repositories.InventoryErrorMaterialNotFound, fmt.Sprintf("material %s not found", materialID), err)
				}
				return err
			}
			var matDoc materialDocument
			if err := snap.DataTo(&matDoc); err != nil {
				return fmt.Errorf("decode material %s: %w", materialID, err)
			}
			matDoc.Quantity += line.Quantity
			matDoc.UpdatedAt = now
			if err := tx.Set(matRef, matDoc); err != nil {
				return err
			}
			materials[materialID] = matDoc.toDomain(materialID)
		}

		dedDoc.Status = string(domain.DeductionStatusReleased)
		dedDoc.UpdatedAt = now
		dedDoc.ReleasedAt = &now
		if req.Reason != "" {
			dedDoc.Reason = strings.TrimSpace(req.Reason)
		}
		if err := tx.Set(dedRef, dedDoc); err != nil {
			return err
		}

		result = repositories.InventoryRestockResult{
			Deduction: dedDoc.toDomain(req.DeductionID),
			Materials: materials,
		}
		return nil
	})
	if err != nil {
		return repositories.InventoryRestockResult{}, wrapInventoryError("inventory.restock", err)
	}
	return result, nil
}

func (r *InventoryRepository) GetDeduction(ctx context.Context, deductionID string) (domain.InventoryDeduction, error) {
	if r == nil || r.deductions == nil {
		return domain.InventoryDeduction{}, errors.New("inventory repository not initialised")
	}
	deductionID = strings.TrimSpace(deductionID)
	if deductionID == "" {
		return domain.InventoryDeduction{}, errors.New("inventory get deduction: id is required")
	}

	doc, err := r.deductions.Get(ctx, deductionID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.InventoryDeduction{}, repositories.NewInventoryError(repositories.InventoryErrorDeductionNotFound, fmt.Sprintf("deduction %s not found", deductionID), err)
		}
		return domain.InventoryDeduction{}, wrapInventoryError("inventory.getDeduction", err)
	}

	return doc.Data.toDomain(doc.ID), nil
}

func (r *InventoryRepository) GetMaterial(ctx context.Context, materialID string) (domain.Material, error) {
	if r == nil || r.materials == nil {
		return domain.Material{}, errors.New("inventory repository not initialised")
	}
	materialID = strings.TrimSpace(materialID)
	if materialID == "" {
		return domain.Material{}, errors.New("inventory get material: id is required")
	}

	doc, err := r.materials.Get(ctx, materialID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.Material{}, repositories.NewInventoryError(repositories.InventoryErrorMaterialNotFound, fmt.Sprintf("material %s not found", materialID), err)
		}
		return domain.Material{}, wrapInventoryError("inventory.getMaterial", err)
	}

	return doc.Data.toDomain(doc.ID), nil
}

func (r *InventoryRepository) UpsertMaterial(ctx context.Context, material domain.Material) (domain.Material, error) {
	if r == nil || r.materials == nil {
		return domain.Material{}, errors.New("inventory repository not initialised")
	}
	materialID := strings.TrimSpace(material.ID)
	if materialID == "" {
		return domain.Material{}, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "inventory upsert material: id is required", nil)
	}
	if material.Quantity < 0 {
		return domain.Material{}, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "inventory upsert material: quantity must be >= 0", nil)
	}

	doc := newMaterialDocument(material)
	if _, err := r.materials.Set(ctx, materialID, doc); err != nil {
		return domain.Material{}, wrapInventoryError("inventory.upsertMaterial", err)
	}
	return doc.toDomain(materialID), nil
}

func (r *InventoryRepository) ListMaterials(ctx context.Context, filter repositories.MaterialListFilter) (domain.CursorPage[domain.Material], error) {
	if r == nil || r.materials == nil {
		return domain.CursorPage[domain.Material]{}, errors.New("inventory repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Material]{}, wrapInventoryError("inventory.listMaterials", err)
	}

	query := client.Collection(materialsCollection).Query
	if filter.ActiveOnly {
		query = query.Where("isActive", "==", true)
	}
	if filter.ExpiredOnly {
		query = query.Where("isExpired", "==", true)
	}
	query = query.OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		query = query.StartAfter(token)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var materials []domain.Material
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Material]{}, wrapInventoryError("inventory.listMaterials", err)
		}
		var doc materialDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Material]{}, fmt.Errorf("decode material %s: %w", snap.Ref.ID, err)
		}
		materials = append(materials, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(materials) > pageSize
	if hasMore {
		materials = materials[:pageSize]
	}
	var nextToken string
	if hasMore && len(materials) > 0 {
		nextToken = materials[len(materials)-1].ID
	}

	return domain.CursorPage[domain.Material]{
		Items:         materials,
		NextPageToken: nextToken,
	}, nil
}

func (r *InventoryRepository) ListLowStock(ctx context.Context, query repositories.InventoryLowStockQuery) (domain.CursorPage[domain.Material], error) {
	if r == nil || r.materials == nil {
		return domain.CursorPage[domain.Material]{}, errors.New("inventory repository not initialised")
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	threshold := query.Threshold
	if threshold <= 0 {
		threshold = 10
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Material]{}, wrapInventoryError("inventory.lowStock", err)
	}

	firestoreQuery := client.Collection(materialsCollection).Query.
		Where("quantity", "<=", threshold).
		OrderBy("quantity", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(query.PageToken); token != "" {
		decoded, err := decodeMaterialPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Material]{}, wrapInventoryError("inventory.lowStock", err)
		}
		firestoreQuery = firestoreQuery.StartAfter(decoded.Quantity, decoded.ID)
	}

	iter := firestoreQuery.Documents(ctx)
	defer iter.Stop()

	var materials []domain.Material
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Material]{}, wrapInventoryError("inventory.lowStock", err)
		}
		var doc materialDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Material]{}, fmt.Errorf("decode material %s: %w", snap.Ref.ID, err)
		}
		materials = append(materials, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(materials) > pageSize
	if hasMore {
		materials = materials[:pageSize]
	}
	var nextToken string
	if hasMore && len(materials) > 0 {
		last := materials[len(materials)-1]
		encoded, err := encodeMaterialPageToken(materialPageToken{ID: last.ID, Quantity: last.Quantity})
		if err != nil {
			return domain.CursorPage[domain.Material]{}, wrapInventoryError("inventory.lowStock", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Material]{
		Items:         materials,
		NextPageToken: nextToken,
	}, nil
}

// MarkExpired flags every material whose expiry has passed and returns the
// updated rows so callers can log or alert on them.
func (r *InventoryRepository) MarkExpired(ctx context.Context, now time.Time) ([]domain.Material, error) {
	if r == nil || r.materials == nil {
		return nil, errors.New("inventory repository not initialised")
	}

	now = now.UTC()
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, wrapInventoryError("inventory.markExpired", err)
	}

	query := client.Collection(materialsCollection).Query.
		Where("isExpired", "==", false).
		Where("expireAt", "<=", now)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var expired []domain.Material
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, wrapInventoryError("inventory.markExpired", err)
		}
		var doc materialDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode material %s: %w", snap.Ref.ID, err)
		}
		doc.IsExpired = true
		doc.UpdatedAt = now
		if _, err := snap.Ref.Set(ctx, doc); err != nil {
			return nil, wrapInventoryError("inventory.markExpired", err)
		}
		expired = append(expired, doc.toDomain(snap.Ref.ID))
	}

	return expired, nil
}

// ListStaleApplied returns deductions still applied after the cutoff so the
// orphan sweep can release the ones whose order never materialised.
func (r *InventoryRepository) ListStaleApplied(ctx context.Context, before time.Time, limit int) ([]domain.InventoryDeduction, error) {
	if r == nil || r.deductions == nil {
		return nil, errors.New("inventory repository not initialised")
	}
	if limit <= 0 {
		limit = 50
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, wrapInventoryError("inventory.staleApplied", err)
	}

	query := client.Collection(stockDeductionsCollection).Query.
		Where("status", "==", string(domain.DeductionStatusApplied)).
		Where("createdAt", "<=", before.UTC()).
		OrderBy("createdAt", firestore.Asc).
		Limit(limit)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var deductions []domain.InventoryDeduction
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, wrapInventoryError("inventory.staleApplied", err)
		}
		doc, err := decodeDeduction(snap)
		if err != nil {
			return nil, err
		}
		deductions = append(deductions, doc.toDomain(snap.Ref.ID))
	}
	return deductions, nil
}

// Helper structures ---------------------------------------------------------

type materialDocument struct {
	Name      string     `firestore:"name"`
	Unit      string     `firestore:"unit"`
	Quantity  float64    `firestore:"quantity"`
	ExpireAt  *time.Time `firestore:"expireAt,omitempty"`
	IsExpired bool       `firestore:"isExpired"`
	IsActive  bool       `firestore:"isActive"`
	UpdatedAt time.Time  `firestore:"updatedAt"`
}

// expired reports whether the material must be excluded from deductions,
// either by the sweeper flag or by an expiry timestamp the sweeper has not
// yet observed.
func (m materialDocument) expired(now time.Time) bool {
	if m.IsExpired {
		return true
	}
	return m.ExpireAt != nil && !m.ExpireAt.After(now)
}

func (m materialDocument) toDomain(id string) domain.Material {
	return domain.Material{
		ID:        id,
		Name:      strings.TrimSpace(m.Name),
		Unit:      strings.TrimSpace(m.Unit),
		Quantity:  m.Quantity,
		ExpireAt:  m.ExpireAt,
		IsExpired: m.IsExpired,
		IsActive:  m.IsActive,
		UpdatedAt: m.UpdatedAt,
	}
}

func newMaterialDocument(material domain.Material) materialDocument {
	var expireAt *time.Time
	if material.ExpireAt != nil {
		utc := material.ExpireAt.UTC()
		expireAt = &utc
	}
	return materialDocument{
		Name:      strings.TrimSpace(material.Name),
		Unit:      strings.TrimSpace(material.Unit),
		Quantity:  material.Quantity,
		ExpireAt:  expireAt,
		IsExpired: material.IsExpired,
		IsActive:  material.IsActive,
		UpdatedAt: material.UpdatedAt.UTC(),
	}
}

type deductionDocument struct {
	OrderRef   string                  `firestore:"orderRef"`
	Status     string                  `firestore:"status"`
	Lines      []deductionLineDocument `firestore:"lines"`
	Reason     string                  `firestore:"reason,omitempty"`
	ReleasedAt *time.Time              `firestore:"releasedAt,omitempty"`
	CreatedAt  time.Time               `firestore:"createdAt"`
	UpdatedAt  time.Time               `firestore:"updatedAt"`
}

type deductionLineDocument struct {
	MaterialID string  `firestore:"materialId"`
	Quantity   float64 `firestore:"qty"`
}

func newDeductionDocument(ded domain.InventoryDeduction) deductionDocument {
	lines := make([]deductionLineDocument, len(ded.Lines))
	for i, line := range ded.Lines {
		lines[i] = deductionLineDocument{
			MaterialID: strings.TrimSpace(line.MaterialID),
			Quantity:   line.Quantity,
		}
	}
	return deductionDocument{
		OrderRef:   strings.TrimSpace(ded.OrderRef),
		Status:     string(ded.Status),
		Lines:      lines,
		Reason:     strings.TrimSpace(ded.Reason),
		ReleasedAt: ded.ReleasedAt,
		CreatedAt:  ded.CreatedAt.UTC(),
		UpdatedAt:  ded.UpdatedAt.UTC(),
	}
}

func (d deductionDocument) toDomain(id string) domain.InventoryDeduction {
	lines := make([]domain.DeductionLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.DeductionLine{
			MaterialID: strings.TrimSpace(line.MaterialID),
			Quantity:   line.Quantity,
		}
	}
	return domain.InventoryDeduction{
		ID:         id,
		OrderRef:   strings.TrimSpace(d.OrderRef),
		Status:     domain.DeductionStatus(d.Status),
		Lines:      lines,
		Reason:     strings.TrimSpace(d.Reason),
		ReleasedAt: d.ReleasedAt,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func decodeDeduction(snap *firestore.DocumentSnapshot) (deductionDocument, error) {
	var doc deductionDocument
	if err := snap.DataTo(&doc); err != nil {
		return deductionDocument{}, fmt.Errorf("decode deduction %s: %w", snap.Ref.ID, err)
	}
	return doc, nil
}

type materialPageToken struct {
	ID       string
	Quantity float64
}

func encodeMaterialPageToken(token materialPageToken) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	if err := enc.Encode(token); err != nil {
		return "", fmt.Errorf("encode material page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeMaterialPageToken(encoded string) (*materialPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode material page token: %w", err)
	}
	var token materialPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode material page token json: %w", err)
	}
	return &token, nil
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}
