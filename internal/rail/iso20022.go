// Package rail hands approved payouts to the external payment rail as ISO 20022 pacs.008 messages.
// The rail reports back asynchronously through the payout callback endpoint.
package rail

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/shopspring/decimal"
	"github.com/tunewave/backend/internal/models"
)

const MessageTypePacs008 = "pacs.008.001.08"

// Transaction status codes the rail reports back with
const (
	StatusAccepted = "ACCP"
	StatusSettled  = "ACSC"
	StatusRejected = "RJCT"
)

// Instruction is an approved payout ready to leave the wallet
type Instruction struct {
	PayoutID    int64
	Account     models.AccountKey
	NetAmount   decimal.Decimal
	BankDetails models.Metadata
}

func (i Instruction) Reference() string {
	return models.PayoutReference(i.PayoutID)
}

// Rail submits payout instructions. Submission is not settlement.
type Rail interface {
	Submit(ctx context.Context, in Instruction) error
}

// Dispatcher delivers a serialized message to the rail
type Dispatcher interface {
	Dispatch(ctx context.Context, messageType string, payload []byte) error
}

type ISO20022Rail struct {
	dispatcher Dispatcher
	debtorBIC  string
	now        func() time.Time
}

func NewISO20022Rail(debtorBIC string, dispatcher Dispatcher) *ISO20022Rail {
	return &ISO20022Rail{
		dispatcher: dispatcher,
		debtorBIC:  debtorBIC,
		now:        time.Now,
	}
}

func (r *ISO20022Rail) Submit(ctx context.Context, in Instruction) error {
	doc, err := r.CreatePacs008(in)
	if err != nil {
		return err
	}
	xmlData, err := ConvertToXML(doc)
	if err != nil {
		return err
	}
	if err := r.dispatcher.Dispatch(ctx, MessageTypePacs008, []byte(xmlData)); err != nil {
		return fmt.Errorf("failed to dispatch %s for payout %d: %w", MessageTypePacs008, in.PayoutID, err)
	}
	log.Printf("[RAIL] Submitted payout %d (%s %s) to rail", in.PayoutID, in.NetAmount.StringFixed(2), in.Account.Currency)
	return nil
}

// CreatePacs008 builds the FIToFICustomerCreditTransfer for the payout's net amount
func (r *ISO20022Rail) CreatePacs008(in Instruction) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	if !in.NetAmount.IsPositive() {
		return nil, fmt.Errorf("payout %d has non-positive net amount %s", in.PayoutID, in.NetAmount)
	}
	amount, _ := in.NetAmount.Round(2).Float64()
	msgId := uuid.New().String()
	creDtTm := r.now()
	settlementDate := r.now()
	instrID := strconv.FormatInt(in.PayoutID, 10)

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(in.Account.Currency),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(instrID)}[0],
					EndToEndId: common.Max35Text(in.Reference()),
					TxId:       &[]common.Max35Text{common.Max35Text(instrID)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(in.Account.Currency),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(r.debtorBIC)}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(in.Account.String())}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(in.BankDetails.String("bankCode")),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(in.BankDetails.String("accountName"))}[0],
				},
			},
		},
	}

	return doc, nil
}

// CreatePacs002 builds the status report the rail answers a payout with
func CreatePacs002(payoutID int64, status string) *pacs_v08.FIToFIPaymentStatusReportV08 {
	instrID := strconv.FormatInt(payoutID, 10)
	return &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(uuid.New().String()),
			CreDtTm: common.ISODateTime(time.Now()),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &[]common.Max35Text{common.Max35Text(instrID)}[0],
				OrgnlEndToEndId: &[]common.Max35Text{common.Max35Text(models.PayoutReference(payoutID))}[0],
				TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code(status)}[0],
			},
		},
	}
}

// ConvertToXML converts an ISO 20022 document to an XML string
func ConvertToXML(doc any) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}

// LogDispatcher only logs the message; used when no rail endpoint is configured
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(ctx context.Context, messageType string, payload []byte) error {
	log.Printf("[RAIL] %s (%d bytes) not sent: no rail endpoint configured", messageType, len(payload))
	return nil
}

// HTTPDispatcher POSTs messages to the rail's HTTP endpoint
type HTTPDispatcher struct {
	endpoint string
	client   *http.Client
}

func NewHTTPDispatcher(endpoint string, timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, messageType string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("X-Message-Type", messageType)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("rail responded with status %d", resp.StatusCode)
	}
	return nil
}
