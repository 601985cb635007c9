package bulk

import (
	"testing"

	"github.com/mowali/switch-connector/internal/domain"
)

func recordWithDestination(id, fspID, currency string) domain.IndividualTransferRecord {
	return domain.IndividualTransferRecord{
		ID: id,
		Request: domain.IndividualTransferRequest{
			To:         domain.Party{IDType: "MSISDN", IDValue: id},
			AmountType: domain.AmountTypeSend,
			Amount:     domain.Money{Currency: currency, Amount: "10"},
		},
		PartyResponse: &domain.Party{IDType: "MSISDN", IDValue: id, FspID: fspID},
		State:         domain.ItemAccepted,
	}
}

func TestFormBatches_GroupsByCounterpartyAndCurrency(t *testing.T) {
	items := []domain.IndividualTransferRecord{
		recordWithDestination("t1", "fsp-a", "USD"),
		recordWithDestination("t2", "fsp-b", "USD"),
		recordWithDestination("t3", "fsp-a", "USD"),
		recordWithDestination("t4", "fsp-a", "EUR"),
	}

	batches := FormBatches(items, DefaultMaxBatchSize, sequentialIDs("ref"))
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}

	// Shards come out sorted by (fsp, currency).
	if batches[0].CounterpartyFspID != "fsp-a" || batches[0].Currency != "EUR" {
		t.Fatalf("expected first batch fsp-a/EUR, got %s/%s", batches[0].CounterpartyFspID, batches[0].Currency)
	}
	if batches[1].CounterpartyFspID != "fsp-a" || batches[1].Currency != "USD" {
		t.Fatalf("expected second batch fsp-a/USD, got %s/%s", batches[1].CounterpartyFspID, batches[1].Currency)
	}
	if batches[2].CounterpartyFspID != "fsp-b" || batches[2].Currency != "USD" {
		t.Fatalf("expected third batch fsp-b/USD, got %s/%s", batches[2].CounterpartyFspID, batches[2].Currency)
	}

	if len(batches[1].TransferIDs) != 2 {
		t.Fatalf("expected fsp-a/USD batch to hold 2 transfers, got %d", len(batches[1].TransferIDs))
	}
	if batches[1].TransferIDs[0] != "t1" || batches[1].TransferIDs[1] != "t3" {
		t.Fatalf("expected members in input order, got %v", batches[1].TransferIDs)
	}
	for _, batch := range batches {
		if batch.State != domain.BatchCreated {
			t.Fatalf("expected CREATED batch, got %s", batch.State)
		}
	}
}

func TestFormBatches_ChunksAtMaxBatchSize(t *testing.T) {
	items := []domain.IndividualTransferRecord{
		recordWithDestination("t1", "fsp-a", "USD"),
		recordWithDestination("t2", "fsp-a", "USD"),
		recordWithDestination("t3", "fsp-a", "USD"),
	}

	batches := FormBatches(items, 2, sequentialIDs("ref"))
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches at max size 2, got %d", len(batches))
	}
	if len(batches[0].TransferIDs) != 2 || len(batches[1].TransferIDs) != 1 {
		t.Fatalf("expected a 2/1 split, got %d/%d", len(batches[0].TransferIDs), len(batches[1].TransferIDs))
	}
}

func TestFormBatches_AssignsFreshReferenceIDsPerMember(t *testing.T) {
	items := []domain.IndividualTransferRecord{
		recordWithDestination("t1", "fsp-a", "USD"),
		recordWithDestination("t2", "fsp-a", "USD"),
	}

	batches := FormBatches(items, DefaultMaxBatchSize, sequentialIDs("ref"))
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	batch := batches[0]
	if len(batch.QuoteReferenceIDs) != 2 || len(batch.TransferReferenceIDs) != 2 {
		t.Fatalf("expected one quote and one transfer reference per member, got %d/%d",
			len(batch.QuoteReferenceIDs), len(batch.TransferReferenceIDs))
	}
	seen := map[string]bool{}
	for refID, transferID := range batch.QuoteReferenceIDs {
		if seen[refID] {
			t.Fatalf("duplicate reference id %s", refID)
		}
		seen[refID] = true
		if transferID != "t1" && transferID != "t2" {
			t.Fatalf("reference id %s maps to unknown transfer %s", refID, transferID)
		}
	}
	for refID := range batch.TransferReferenceIDs {
		if seen[refID] {
			t.Fatalf("transfer reference id %s collides with a quote reference", refID)
		}
	}
}

func TestFormBatches_PrefersResolvedPartyOverRequestedParty(t *testing.T) {
	resolved := recordWithDestination("t1", "resolved-fsp", "USD")
	unresolved := domain.IndividualTransferRecord{
		ID: "t2",
		Request: domain.IndividualTransferRequest{
			To:         domain.Party{IDType: "MSISDN", IDValue: "t2", FspID: "requested-fsp"},
			AmountType: domain.AmountTypeSend,
			Amount:     domain.Money{Currency: "USD", Amount: "10"},
		},
		State: domain.ItemAccepted,
	}

	batches := FormBatches([]domain.IndividualTransferRecord{resolved, unresolved}, DefaultMaxBatchSize, sequentialIDs("ref"))
	if len(batches) != 2 {
		t.Fatalf("expected the resolved and requested destinations to shard apart, got %d batches", len(batches))
	}
	got := map[string]bool{}
	for _, batch := range batches {
		got[batch.CounterpartyFspID] = true
	}
	if !got["resolved-fsp"] || !got["requested-fsp"] {
		t.Fatalf("expected shards for resolved-fsp and requested-fsp, got %v", got)
	}
}

func TestBuildBulkQuotesRequest_UsesResolvedPartyAsDestination(t *testing.T) {
	rec := recordWithDestination("t1", "fsp-a", "USD")
	batches := FormBatches([]domain.IndividualTransferRecord{rec}, DefaultMaxBatchSize, sequentialIDs("ref"))
	batch := batches[0]

	from := domain.Party{IDType: "MSISDN", IDValue: "111", FspID: "payerfsp"}
	req := BuildBulkQuotesRequest(&batch, from, map[string]*domain.IndividualTransferRecord{"t1": &rec})
	if len(req.Items) != 1 {
		t.Fatalf("expected 1 quote item, got %d", len(req.Items))
	}
	item := req.Items[0]
	if item.To.FspID != "fsp-a" {
		t.Fatalf("expected the resolved party as destination, got %+v", item.To)
	}
	if item.ReferenceID == "" || batch.QuoteReferenceIDs[item.ReferenceID] != "t1" {
		t.Fatalf("expected the item to carry its quote reference id, got %q", item.ReferenceID)
	}
}

func TestBuildBulkTransfersRequest_SkipsMembersWithoutAcceptedQuote(t *testing.T) {
	accepted := recordWithDestination("t1", "fsp-a", "USD")
	accepted.State = domain.ItemQuoteAccepted
	accepted.QuoteResponse = &domain.QuoteResponse{
		TransferAmount: domain.Money{Currency: "USD", Amount: "10"},
		IlpPacket:      "packet",
		Condition:      "condition",
	}
	failed := recordWithDestination("t2", "fsp-a", "USD")
	failed.State = domain.ItemAgreementFailed

	batches := FormBatches([]domain.IndividualTransferRecord{accepted, failed}, DefaultMaxBatchSize, sequentialIDs("ref"))
	batch := batches[0]

	records := map[string]*domain.IndividualTransferRecord{"t1": &accepted, "t2": &failed}
	req := BuildBulkTransfersRequest(&batch, domain.Party{FspID: "payerfsp"}, records)
	if len(req.Items) != 1 {
		t.Fatalf("expected only the quote-accepted member, got %d items", len(req.Items))
	}
	item := req.Items[0]
	if batch.TransferReferenceIDs[item.ReferenceID] != "t1" {
		t.Fatalf("expected the transfer reference for t1, got %q", item.ReferenceID)
	}
	if item.IlpPacket != "packet" || item.Condition != "condition" {
		t.Fatalf("expected the quote terms on the transfer item, got %+v", item)
	}
}

func TestDemuxResults_DropsUnknownReferenceIDs(t *testing.T) {
	refIDs := map[string]string{"ref-1": "t1", "ref-2": "t2"}
	results := []domain.BatchItemResult{
		{ReferenceID: "ref-1", Quote: &domain.QuoteResponse{IlpPacket: "p1"}},
		{ReferenceID: "ref-ghost", Error: &domain.ErrorInformation{ErrorCode: "2001"}},
	}

	byTransfer := demuxResults(refIDs, results)
	if len(byTransfer) != 1 {
		t.Fatalf("expected the unknown reference to be dropped, got %d entries", len(byTransfer))
	}
	res, ok := byTransfer["t1"]
	if !ok || res.Quote == nil || res.Quote.IlpPacket != "p1" {
		t.Fatalf("expected ref-1 routed to t1 with its quote, got %+v", byTransfer)
	}
}
