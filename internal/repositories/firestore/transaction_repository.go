package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/kitchenline/api/internal/domain"
	pfirestore "github.com/kitchenline/api/internal/platform/firestore"
)

const transactionsCollection = "transactions"

// TransactionRepository stores one ledger row per payment attempt.
type TransactionRepository struct {
	provider     *pfirestore.Provider
	transactions *pfirestore.BaseRepository[transactionDocument]
}

func NewTransactionRepository(provider *pfirestore.Provider) (*TransactionRepository, error) {
	if provider == nil {
		return nil, errors.New("transaction repository requires firestore provider")
	}
	transactions := pfirestore.NewBaseRepository[transactionDocument](provider, transactionsCollection, nil, nil)
	return &TransactionRepository{provider: provider, transactions: transactions}, nil
}

func (r *TransactionRepository) Insert(ctx context.Context, trx domain.PaymentTransaction) error {
	if r == nil || r.transactions == nil {
		return errors.New("transaction repository not initialised")
	}
	trxID := strings.TrimSpace(trx.ID)
	if trxID == "" {
		return errors.New("transaction insert: id is required")
	}

	ref, err := r.transactions.DocumentRef(ctx, trxID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newTransactionDocument(trx)); err != nil {
		return pfirestore.WrapError("transactions.insert", err)
	}
	return nil
}

func (r *TransactionRepository) Update(ctx context.Context, trx domain.PaymentTransaction) error {
	if r == nil || r.transactions == nil {
		return errors.New("transaction repository not initialised")
	}
	trxID := strings.TrimSpace(trx.ID)
	if trxID == "" {
		return errors.New("transaction update: id is required")
	}

	if _, err := r.transactions.Set(ctx, trxID, newTransactionDocument(trx)); err != nil {
		return pfirestore.WrapError("transactions.update", err)
	}
	return nil
}

func (r *TransactionRepository) FindByID(ctx context.Context, trxID string) (domain.PaymentTransaction, error) {
	if r == nil || r.transactions == nil {
		return domain.PaymentTransaction{}, errors.New("transaction repository not initialised")
	}
	trxID = strings.TrimSpace(trxID)
	if trxID == "" {
		return domain.PaymentTransaction{}, errors.New("transaction find: id is required")
	}

	doc, err := r.transactions.Get(ctx, trxID)
	if err != nil {
		return domain.PaymentTransaction{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *TransactionRepository) FindByOrder(ctx context.Context, orderRef string) (domain.PaymentTransaction, error) {
	if r == nil || r.transactions == nil {
		return domain.PaymentTransaction{}, errors.New("transaction repository not initialised")
	}
	orderRef = strings.TrimSpace(orderRef)
	if orderRef == "" {
		return domain.PaymentTransaction{}, errors.New("transaction find: order ref is required")
	}

	docs, err := r.transactions.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderRef", "==", orderRef).OrderBy("createdAt", firestore.Desc).Limit(1)
	})
	if err != nil {
		return domain.PaymentTransaction{}, err
	}
	if len(docs) == 0 {
		return domain.PaymentTransaction{}, pfirestore.NewNotFoundError("transactions.findByOrder", fmt.Sprintf("transaction for order %s not found", orderRef))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// Document mapping ----------------------------------------------------------

type transactionDocument struct {
	OrderRef    string    `firestore:"orderRef"`
	Provider    string    `firestore:"provider"`
	Amount      int64     `firestore:"amount"`
	Currency    string    `firestore:"currency"`
	Status      string    `firestore:"status"`
	GatewayCode string    `firestore:"gatewayCode,omitempty"`
	GatewayRef  string    `firestore:"gatewayRef,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func newTransactionDocument(trx domain.PaymentTransaction) transactionDocument {
	return transactionDocument{
		OrderRef:    strings.TrimSpace(trx.OrderRef),
		Provider:    strings.TrimSpace(trx.Provider),
		Amount:      trx.Amount,
		Currency:    strings.TrimSpace(trx.Currency),
		Status:      string(trx.Status),
		GatewayCode: strings.TrimSpace(trx.GatewayCode),
		GatewayRef:  strings.TrimSpace(trx.GatewayRef),
		CreatedAt:   trx.CreatedAt.UTC(),
		UpdatedAt:   trx.UpdatedAt.UTC(),
	}
}

func (d transactionDocument) toDomain(id string) domain.PaymentTransaction {
	return domain.PaymentTransaction{
		ID:          id,
		OrderRef:    d.OrderRef,
		Provider:    d.Provider,
		Amount:      d.Amount,
		Currency:    d.Currency,
		Status:      domain.TransactionStatus(d.Status),
		GatewayCode: d.GatewayCode,
		GatewayRef:  d.GatewayRef,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}
