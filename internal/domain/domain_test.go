package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_Validate(t *testing.T) {
	valid := Transaction{MerchantTransactionID: "mid_1", UserCode: "imp123", ProcessorID: "chai_pg"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		txn   Transaction
		field string
	}{
		{"MissingMerchantID", Transaction{UserCode: "imp123", ProcessorID: "pg"}, "MerchantTransactionID"},
		{"MissingUserCode", Transaction{MerchantTransactionID: "mid_1", ProcessorID: "pg"}, "UserCode"},
		{"MissingProcessor", Transaction{MerchantTransactionID: "mid_1", UserCode: "imp123"}, "ProcessorID"},
		{"NegativeAmount", Transaction{MerchantTransactionID: "mid_1", UserCode: "imp123", ProcessorID: "pg", Amount: -1}, "Amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.txn.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid transaction")
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestPrepareData_ApprovalTransactionID(t *testing.T) {
	assert.Equal(t, "imp_1", PrepareData{ProcessorTransactionID: "imp_1", IdempotencyKey: "idem"}.ApprovalTransactionID())
	assert.Equal(t, "idem", PrepareData{IdempotencyKey: "idem"}.ApprovalTransactionID())
}

func TestOutcomeConstructors(t *testing.T) {
	txn := Transaction{MerchantTransactionID: "mid_9"}

	ok := NewSuccess(txn, &PrepareData{ProcessorTransactionID: "imp_9"}, "done")
	assert.True(t, ok.Succeeded)
	assert.Equal(t, "mid_9", ok.TransactionID)
	assert.Equal(t, "imp_9", ok.ProcessorTransactionID)
	assert.Equal(t, "done", ok.Message)
	assert.False(t, ok.CompletedAt.IsZero())

	fail := NewFailure(txn, nil, "boom")
	assert.False(t, fail.Succeeded)
	assert.Empty(t, fail.ProcessorTransactionID)
	assert.Equal(t, "boom", fail.Message)
}

func TestOutcome_WithReason(t *testing.T) {
	o := NewFailure(Transaction{MerchantTransactionID: "mid_9"}, nil, "payment timed out")
	tagged := o.WithReason(ReasonTimeout)
	assert.Equal(t, ReasonTimeout, tagged.Reason)
	assert.Empty(t, o.Reason, "original is not modified")
}
