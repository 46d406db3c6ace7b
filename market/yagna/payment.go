package yagna

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"cosmossdk.io/math"

	"github.com/paw-chain/crunch/market"
	"github.com/paw-chain/crunch/types"
)

const (
	pathPayments = "/payment-api/v1"

	maxNoticeEvents = 10
	noticeBuffer    = 16
)

// noticeEndpoints are the daemon routes for one notice kind.
type noticeEndpoints struct {
	kind      types.NoticeKind
	events    string
	resource  string
	eventType string
}

var (
	debitNoteEndpoints = noticeEndpoints{
		kind:      types.NoticeInterim,
		events:    pathPayments + "/debitNoteEvents",
		resource:  pathPayments + "/debitNotes",
		eventType: "DebitNoteReceivedEvent",
	}
	invoiceEndpoints = noticeEndpoints{
		kind:      types.NoticeFinal,
		events:    pathPayments + "/invoiceEvents",
		resource:  pathPayments + "/invoices",
		eventType: "InvoiceReceivedEvent",
	}
)

type noticeEvent struct {
	DebitNoteID string `json:"debitNoteId"`
	InvoiceID   string `json:"invoiceId"`
	EventDate   string `json:"eventDate"`
	EventType   string `json:"eventType"`
}

func (e noticeEvent) noticeID() string {
	if e.DebitNoteID != "" {
		return e.DebitNoteID
	}
	return e.InvoiceID
}

type noticeBody struct {
	DebitNoteID    string `json:"debitNoteId"`
	InvoiceID      string `json:"invoiceId"`
	AgreementID    string `json:"agreementId"`
	TotalAmountDue string `json:"totalAmountDue"`
	Amount         string `json:"amount"`
	Timestamp      string `json:"timestamp"`
}

type acceptance struct {
	TotalAmountAccepted string `json:"totalAmountAccepted"`
	AllocationID        string `json:"allocationId"`
}

// CostNotices streams debit notes. Filtering by agreement is left to the
// consumer; agreementID only scopes logging.
func (c *Client) CostNotices(ctx context.Context, agreementID string) (*market.Feed[types.CostNotice], error) {
	return c.noticeFeed(ctx, agreementID, debitNoteEndpoints), nil
}

// FinalNotices streams invoices.
func (c *Client) FinalNotices(ctx context.Context, agreementID string) (*market.Feed[types.CostNotice], error) {
	return c.noticeFeed(ctx, agreementID, invoiceEndpoints), nil
}

func (c *Client) noticeFeed(ctx context.Context, agreementID string, ep noticeEndpoints) *market.Feed[types.CostNotice] {
	logger := c.logger.With("kind", ep.kind.String(), "agreement_id", agreementID)

	return market.StartFeed(ctx, noticeBuffer, func(ctx context.Context, emit market.Emit[types.CostNotice]) {
		after := time.Now().UTC().Format(time.RFC3339Nano)
		failures := 0

		for ctx.Err() == nil {
			q := url.Values{}
			q.Set("afterTimestamp", after)
			q.Set("timeout", pollSeconds(c.config.PollTimeout))
			q.Set("maxEvents", strconv.Itoa(maxNoticeEvents))

			var events []noticeEvent
			if err := c.do(ctx, http.MethodGet, ep.events, q, nil, &events); err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				logger.Error("failed to poll payment events", "attempt", failures, "error", err)
				if !sleep(ctx, backoff(failures)) {
					return
				}
				continue
			}
			failures = 0

			for _, ev := range events {
				if ev.EventDate != "" {
					after = ev.EventDate
				}
				if ev.EventType != ep.eventType || ev.noticeID() == "" {
					continue
				}
				notice, err := c.fetchNotice(ctx, ep, ev.noticeID())
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Error("failed to fetch cost notice", "notice_id", ev.noticeID(), "error", err)
					continue
				}
				if !emit(notice) {
					return
				}
			}
		}
	})
}

func (c *Client) fetchNotice(ctx context.Context, ep noticeEndpoints, id string) (types.CostNotice, error) {
	var body noticeBody
	if err := c.do(ctx, http.MethodGet, ep.resource+"/"+url.PathEscape(id), nil, nil, &body); err != nil {
		return types.CostNotice{}, err
	}

	raw := body.TotalAmountDue
	if ep.kind == types.NoticeFinal {
		raw = body.Amount
	}
	amount, err := types.ParseAmount(raw)
	if err != nil {
		return types.CostNotice{}, fmt.Errorf("notice %s amount %q: %w", id, raw, err)
	}

	issued, err := time.Parse(time.RFC3339Nano, body.Timestamp)
	if err != nil {
		issued = time.Now()
	}

	return types.CostNotice{
		ID:          id,
		AgreementID: body.AgreementID,
		AmountDue:   amount,
		Kind:        ep.kind,
		IssuedAt:    issued,
	}, nil
}

// AcceptCostNotice accepts amount of notice against alloc.
func (c *Client) AcceptCostNotice(ctx context.Context, notice types.CostNotice, alloc types.Allocation, amount math.LegacyDec) error {
	ep := debitNoteEndpoints
	if notice.Kind == types.NoticeFinal {
		ep = invoiceEndpoints
	}
	body := acceptance{
		TotalAmountAccepted: types.FormatAmount(amount),
		AllocationID:        alloc.ID,
	}
	return c.do(ctx, http.MethodPost, ep.resource+"/"+url.PathEscape(notice.ID)+"/accept", nil, body, nil)
}
