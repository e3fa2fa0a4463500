package ledger

import (
	"testing"
	"time"

	"manticore-trading/internal/models"
)

func TestAttributableAmountSingleOutput(t *testing.T) {
	db := setupLedgerTestDB(t)
	entry := models.TransactionEntry{
		TxHash: "tx-solo", Address: "EaOnly", EntryType: models.EntryTypeReceive,
		AssetName: BaseAsset, Amount: dec("42"), Time: time.Now().UTC(),
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("create entry: %v", err)
	}
	amt, err := attributableAmount(db, &entry)
	if err != nil {
		t.Fatalf("attributable amount: %v", err)
	}
	if !amt.Equal(dec("42")) {
		t.Fatalf("expected full amount 42 got %s", amt)
	}
}

func TestAttributableAmountProratesSiblings(t *testing.T) {
	db := setupLedgerTestDB(t)
	addresses := []string{"EaFirst", "EaSecond", "EaThird"}
	entries := make([]models.TransactionEntry, 0, len(addresses))
	for _, addr := range addresses {
		entry := models.TransactionEntry{
			TxHash: "tx-multi", Address: addr, EntryType: models.EntryTypeReceive,
			AssetName: BaseAsset, Amount: dec("90"), Time: time.Now().UTC(),
		}
		if err := db.Create(&entry).Error; err != nil {
			t.Fatalf("create entry: %v", err)
		}
		entries = append(entries, entry)
	}
	for i := range entries {
		amt, err := attributableAmount(db, &entries[i])
		if err != nil {
			t.Fatalf("attributable amount: %v", err)
		}
		if !amt.Equal(dec("30")) {
			t.Fatalf("expected 90/3 = 30 got %s", amt)
		}
	}
}

func TestAttributableAmountIgnoresOtherAssetsAndTypes(t *testing.T) {
	db := setupLedgerTestDB(t)
	receive := models.TransactionEntry{
		TxHash: "tx-mixed", Address: "EaMixed", EntryType: models.EntryTypeReceive,
		AssetName: BaseAsset, Amount: dec("10"), Time: time.Now().UTC(),
	}
	others := []models.TransactionEntry{
		{TxHash: "tx-mixed", Address: "EaMixed", EntryType: models.EntryTypeSend, AssetName: BaseAsset, Amount: dec("10")},
		{TxHash: "tx-mixed", Address: "EaMixed2", EntryType: models.EntryTypeReceive, AssetName: "USDM", Amount: dec("10")},
	}
	if err := db.Create(&receive).Error; err != nil {
		t.Fatalf("create entry: %v", err)
	}
	for i := range others {
		if err := db.Create(&others[i]).Error; err != nil {
			t.Fatalf("create entry: %v", err)
		}
	}
	amt, err := attributableAmount(db, &receive)
	if err != nil {
		t.Fatalf("attributable amount: %v", err)
	}
	if !amt.Equal(dec("10")) {
		t.Fatalf("send and foreign-asset entries must not dilute, got %s", amt)
	}
}
