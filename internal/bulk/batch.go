/**
 * @description
 * Batch formation and batched-callback demultiplexing. Accepted transfers
 * are grouped by counterparty and currency, chunked to the configured
 * maximum batch size, and given fresh reference ids so a single batched
 * callback can be routed back to the owning individual transfer records.
 */

package bulk

import (
	"sort"

	"github.com/mowali/switch-connector/internal/domain"
	"github.com/mowali/switch-connector/pkg/switchclient"
)

// DefaultMaxBatchSize bounds batch membership when the request does not.
const DefaultMaxBatchSize = 1000

type shardKey struct {
	fspID    string
	currency string
}

// FormBatches groups the given transfer records by destination FSP and
// currency and chunks each group at maxBatchSize. Output order is
// deterministic: shards sorted by key, members in input order.
func FormBatches(items []domain.IndividualTransferRecord, maxBatchSize int, newID func() string) []domain.BulkBatch {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}

	shards := make(map[shardKey][]domain.IndividualTransferRecord)
	keys := make([]shardKey, 0)
	for _, item := range items {
		to := item.Request.To
		if item.PartyResponse != nil {
			to = *item.PartyResponse
		}
		key := shardKey{fspID: to.FspID, currency: item.Request.Amount.Currency}
		if _, seen := shards[key]; !seen {
			keys = append(keys, key)
		}
		shards[key] = append(shards[key], item)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].fspID != keys[j].fspID {
			return keys[i].fspID < keys[j].fspID
		}
		return keys[i].currency < keys[j].currency
	})

	var batches []domain.BulkBatch
	for _, key := range keys {
		members := shards[key]
		for start := 0; start < len(members); start += maxBatchSize {
			end := start + maxBatchSize
			if end > len(members) {
				end = len(members)
			}
			batch := domain.BulkBatch{
				ID:                   newID(),
				CounterpartyFspID:    key.fspID,
				Currency:             key.currency,
				QuoteReferenceIDs:    make(map[string]string),
				TransferReferenceIDs: make(map[string]string),
				State:                domain.BatchCreated,
			}
			for _, member := range members[start:end] {
				batch.TransferIDs = append(batch.TransferIDs, member.ID)
				batch.QuoteReferenceIDs[newID()] = member.ID
				batch.TransferReferenceIDs[newID()] = member.ID
			}
			batches = append(batches, batch)
		}
	}
	return batches
}

// quoteReferenceFor finds the outbound reference id assigned to a transfer.
func quoteReferenceFor(batch *domain.BulkBatch, transferID string) string {
	for refID, id := range batch.QuoteReferenceIDs {
		if id == transferID {
			return refID
		}
	}
	return ""
}

func transferReferenceFor(batch *domain.BulkBatch, transferID string) string {
	for refID, id := range batch.TransferReferenceIDs {
		if id == transferID {
			return refID
		}
	}
	return ""
}

// BuildBulkQuotesRequest assembles the outbound batched quote call from the
// batch membership and the owning records.
func BuildBulkQuotesRequest(batch *domain.BulkBatch, from domain.Party, records map[string]*domain.IndividualTransferRecord) switchclient.BulkQuotesRequest {
	req := switchclient.BulkQuotesRequest{
		BatchID: batch.ID,
		From:    from,
	}
	for _, transferID := range batch.TransferIDs {
		rec, ok := records[transferID]
		if !ok {
			continue
		}
		to := rec.Request.To
		if rec.PartyResponse != nil {
			to = *rec.PartyResponse
		}
		req.Items = append(req.Items, switchclient.BulkQuoteItem{
			ReferenceID: quoteReferenceFor(batch, transferID),
			To:          to,
			AmountType:  rec.Request.AmountType,
			Amount:      rec.Request.Amount,
			Note:        rec.Request.Note,
		})
	}
	return req
}

// BuildBulkTransfersRequest assembles the outbound batched transfer call
// from the quote-accepted subset of the batch.
func BuildBulkTransfersRequest(batch *domain.BulkBatch, from domain.Party, records map[string]*domain.IndividualTransferRecord) switchclient.BulkTransfersRequest {
	req := switchclient.BulkTransfersRequest{
		BatchID: batch.ID,
		From:    from,
	}
	for _, transferID := range batch.TransferIDs {
		rec, ok := records[transferID]
		if !ok || rec.State != domain.ItemQuoteAccepted || rec.QuoteResponse == nil {
			continue
		}
		to := rec.Request.To
		if rec.PartyResponse != nil {
			to = *rec.PartyResponse
		}
		req.Items = append(req.Items, switchclient.BulkTransferItem{
			ReferenceID: transferReferenceFor(batch, transferID),
			To:          to,
			Amount:      rec.QuoteResponse.TransferAmount,
			IlpPacket:   rec.QuoteResponse.IlpPacket,
			Condition:   rec.QuoteResponse.Condition,
		})
	}
	return req
}

// demuxResults routes a batched callback's sub-results back to transfer
// record ids via the given reference map. Sub-results with an unknown
// reference id are dropped.
func demuxResults(refIDs map[string]string, results []domain.BatchItemResult) map[string]domain.BatchItemResult {
	byTransfer := make(map[string]domain.BatchItemResult, len(results))
	for _, res := range results {
		transferID, ok := refIDs[res.ReferenceID]
		if !ok {
			continue
		}
		byTransfer[transferID] = res
	}
	return byTransfer
}
