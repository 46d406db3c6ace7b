package yagna

import (
	"context"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"github.com/paw-chain/crunch/market"
	"github.com/paw-chain/crunch/types"
)

const eventDate = "2026-01-01T12:00:00.5Z"

func nextNotice(t *testing.T, feed *market.Feed[types.CostNotice]) types.CostNotice {
	t.Helper()
	select {
	case n := <-feed.Events():
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cost notice")
		return types.CostNotice{}
	}
}

func TestCostNotices(t *testing.T) {
	d := newFakeDaemon(t)
	var polls atomic.Int32
	d.handle("GET /payment-api/v1/debitNoteEvents", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) > 1 {
			idle(w, r)
			return
		}
		writeJSON(w, []noticeEvent{
			{DebitNoteID: "dn-0", EventType: "DebitNoteAcceptedEvent", EventDate: "2026-01-01T11:59:00Z"},
			{DebitNoteID: "dn-1", EventType: "DebitNoteReceivedEvent", EventDate: eventDate},
		})
	})
	d.handle("GET /payment-api/v1/debitNotes/dn-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, noticeBody{
			DebitNoteID:    "dn-1",
			AgreementID:    "agr-1",
			TotalAmountDue: "0.0125",
			Timestamp:      "2026-01-01T11:59:59Z",
		})
	})

	feed, err := d.client(t).CostNotices(context.Background(), "agr-1")
	require.NoError(t, err)
	defer feed.Stop()

	n := nextNotice(t, feed)
	require.Equal(t, "dn-1", n.ID)
	require.Equal(t, "agr-1", n.AgreementID)
	require.Equal(t, types.NoticeInterim, n.Kind)
	require.True(t, n.AmountDue.Equal(math.LegacyMustNewDecFromStr("0.0125")))
	require.Equal(t, time.Date(2026, 1, 1, 11, 59, 59, 0, time.UTC), n.IssuedAt)

	require.Eventually(t, func() bool { return polls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	queries := d.query("GET /payment-api/v1/debitNoteEvents")
	second, err := url.ParseQuery(queries[1])
	require.NoError(t, err)
	require.Equal(t, eventDate, second.Get("afterTimestamp"), "cursor advances past delivered events")
	require.Zero(t, d.count("GET /payment-api/v1/debitNotes/dn-0"))
}

func TestFinalNotices(t *testing.T) {
	d := newFakeDaemon(t)
	var polls atomic.Int32
	d.handle("GET /payment-api/v1/invoiceEvents", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) > 1 {
			idle(w, r)
			return
		}
		writeJSON(w, []noticeEvent{
			{InvoiceID: "inv-bad", EventType: "InvoiceReceivedEvent", EventDate: eventDate},
			{InvoiceID: "inv-1", EventType: "InvoiceReceivedEvent", EventDate: eventDate},
		})
	})
	d.handle("GET /payment-api/v1/invoices/inv-bad", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, noticeBody{InvoiceID: "inv-bad", AgreementID: "agr-1", Amount: "lots"})
	})
	d.handle("GET /payment-api/v1/invoices/inv-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, noticeBody{InvoiceID: "inv-1", AgreementID: "agr-1", Amount: "0.5"})
	})

	feed, err := d.client(t).FinalNotices(context.Background(), "agr-1")
	require.NoError(t, err)
	defer feed.Stop()

	n := nextNotice(t, feed)
	require.Equal(t, "inv-1", n.ID, "unparseable invoices are skipped")
	require.Equal(t, types.NoticeFinal, n.Kind)
	require.True(t, n.AmountDue.Equal(math.LegacyMustNewDecFromStr("0.5")))
}

func TestNoticeFeedStops(t *testing.T) {
	d := newFakeDaemon(t)
	d.handle("GET /payment-api/v1/debitNoteEvents", idle)

	feed, err := d.client(t).CostNotices(context.Background(), "agr-1")
	require.NoError(t, err)
	feed.Stop()

	select {
	case <-feed.Done():
	default:
		t.Fatal("feed still running after Stop")
	}
}

func TestAcceptCostNotice(t *testing.T) {
	d := newFakeDaemon(t)
	d.handle("POST /payment-api/v1/debitNotes/dn-1/accept", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	d.handle("POST /payment-api/v1/invoices/inv-1/accept", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	d.handle("POST /payment-api/v1/invoices/inv-2/accept", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "allocation exhausted", http.StatusBadRequest)
	})
	c := d.client(t)
	alloc := types.Allocation{ID: "alloc-1"}

	require.NoError(t, c.AcceptCostNotice(context.Background(),
		types.CostNotice{ID: "dn-1", Kind: types.NoticeInterim}, alloc, math.LegacyMustNewDecFromStr("0.0125")))
	require.JSONEq(t, `{"totalAmountAccepted":"0.0125","allocationId":"alloc-1"}`,
		string(d.body("POST /payment-api/v1/debitNotes/dn-1/accept")))

	require.NoError(t, c.AcceptCostNotice(context.Background(),
		types.CostNotice{ID: "inv-1", Kind: types.NoticeFinal}, alloc, math.LegacyMustNewDecFromStr("0.5")))
	require.JSONEq(t, `{"totalAmountAccepted":"0.5","allocationId":"alloc-1"}`,
		string(d.body("POST /payment-api/v1/invoices/inv-1/accept")))

	err := c.AcceptCostNotice(context.Background(),
		types.CostNotice{ID: "inv-2", Kind: types.NoticeFinal}, alloc, math.LegacyMustNewDecFromStr("0.5"))
	require.True(t, IsStatus(err, http.StatusBadRequest))
}
