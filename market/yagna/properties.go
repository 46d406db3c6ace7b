package yagna

import (
	"fmt"
	"strings"
	"time"

	"cosmossdk.io/math"
	"github.com/spf13/cast"

	"github.com/paw-chain/crunch/types"
)

// Marketplace property names.
const (
	PropNodeName        = "golem.node.id.name"
	PropSubnet          = "golem.node.debug.subnet"
	PropPricingModel    = "golem.com.pricing.model"
	PropLinearCoeffs    = "golem.com.pricing.model.linear.coeffs"
	PropUsageVector     = "golem.com.usage.vector"
	PropExpiration      = "golem.srv.comp.expiration"
	PropTaskPackage     = "golem.srv.comp.task_package"
	PropPackageFormat   = "golem.srv.comp.vm.package_format"
	PropCapabilities    = "golem.runtime.capabilities"
	PropRuntimeName     = "golem.runtime.name"
	PropMultiActivity   = "golem.srv.caps.multi-activity"
	PropDebitInterval   = "golem.com.scheme.payu.debit-note.interval-sec?"
	PropPaymentTimeout  = "golem.com.scheme.payu.payment-timeout-sec?"
	PropDebitAcceptTime = "golem.com.payment.debit-notes.accept-timeout?"

	UsageCPUSec      = "golem.usage.cpu_sec"
	UsageDurationSec = "golem.usage.duration_sec"

	pricingModelLinear = "linear"
	packageFormat      = "gvmkit-squash"

	debitNoteIntervalSec = 120
	paymentTimeoutSec    = 120
	debitAcceptSec       = 240

	minMemoryGiB  = 0.5
	minStorageGiB = 2.0
)

// PaymentAddressProp is the property carrying a node's address on platform.
func PaymentAddressProp(platform string) string {
	return "golem.com.payment.platform." + platform + ".address"
}

type demandBody struct {
	Properties  map[string]any `json:"properties"`
	Constraints string         `json:"constraints"`
}

// buildDemandBody renders the specification as daemon properties and an LDAP
// style constraint expression.
func buildDemandBody(spec types.DemandSpecification, taskPackage, subnet string, now time.Time) demandBody {
	expiration := now.Add(time.Duration(spec.RentHours * float64(time.Hour)))

	props := map[string]any{
		PropExpiration:      expiration.UnixMilli(),
		PropTaskPackage:     taskPackage,
		PropPackageFormat:   packageFormat,
		PropSubnet:          subnet,
		PropMultiActivity:   true,
		PropDebitInterval:   debitNoteIntervalSec,
		PropPaymentTimeout:  paymentTimeoutSec,
		PropDebitAcceptTime: debitAcceptSec,
	}
	if len(spec.Capabilities) > 0 {
		props[PropCapabilities] = spec.Capabilities
	}
	if spec.PaymentPlatform != "" && spec.RequestorAddr != "" {
		props[PaymentAddressProp(spec.PaymentPlatform)] = spec.RequestorAddr
	}

	constraints := []string{
		fmt.Sprintf("(golem.inf.mem.gib>=%g)", minMemoryGiB),
		fmt.Sprintf("(golem.inf.storage.gib>=%g)", minStorageGiB),
		fmt.Sprintf("(%s=%s)", PropSubnet, subnet),
		fmt.Sprintf("(%s=%s)", PropPricingModel, pricingModelLinear),
	}
	if spec.Engine != "" {
		constraints = append(constraints, fmt.Sprintf("(%s=%s)", PropRuntimeName, spec.Engine))
	}
	for _, capability := range spec.Capabilities {
		constraints = append(constraints, fmt.Sprintf("(%s=%s)", PropCapabilities, capability))
	}
	if spec.PaymentPlatform != "" {
		constraints = append(constraints, fmt.Sprintf("(%s=*)", PaymentAddressProp(spec.PaymentPlatform)))
	}

	return demandBody{
		Properties:  props,
		Constraints: "(&" + strings.Join(constraints, "") + ")",
	}
}

type proposalBody struct {
	ProposalID     string         `json:"proposalId"`
	IssuerID       string         `json:"issuerId"`
	State          string         `json:"state"`
	Timestamp      string         `json:"timestamp"`
	PrevProposalID string         `json:"prevProposalId,omitempty"`
	Properties     map[string]any `json:"properties"`
	Constraints    string         `json:"constraints"`
}

// toProposal converts a daemon offer proposal. Malformed pricing leaves
// Pricing nil rather than failing the proposal.
func toProposal(body proposalBody, demandID, platform string) types.Proposal {
	p := types.Proposal{
		ID:       body.ProposalID,
		DemandID: demandID,
		State:    types.ParseProposalState(body.State),
		Provider: types.ProviderInfo{
			ID:            body.IssuerID,
			Name:          cast.ToString(body.Properties[PropNodeName]),
			WalletAddress: cast.ToString(body.Properties[PaymentAddressProp(platform)]),
		},
	}
	if pricing, err := parseLinearPricing(body.Properties); err == nil {
		p.Pricing = &pricing
	}
	return p
}

// parseLinearPricing reads the linear price model: one coefficient per usage
// vector entry, per second, followed by the fixed start price.
func parseLinearPricing(props map[string]any) (types.ProviderPricing, error) {
	if model, ok := props[PropPricingModel]; ok && cast.ToString(model) != pricingModelLinear {
		return types.ProviderPricing{}, fmt.Errorf("unsupported pricing model %q", cast.ToString(model))
	}

	if props[PropLinearCoeffs] == nil || props[PropUsageVector] == nil {
		return types.ProviderPricing{}, fmt.Errorf("linear pricing properties missing")
	}
	rawCoeffs, err := cast.ToSliceE(props[PropLinearCoeffs])
	if err != nil {
		return types.ProviderPricing{}, fmt.Errorf("pricing coefficients: %w", err)
	}
	usage, err := cast.ToStringSliceE(props[PropUsageVector])
	if err != nil {
		return types.ProviderPricing{}, fmt.Errorf("usage vector: %w", err)
	}
	if len(rawCoeffs) != len(usage)+1 {
		return types.ProviderPricing{}, fmt.Errorf("expected %d coefficients, got %d", len(usage)+1, len(rawCoeffs))
	}

	coeffs := make([]math.LegacyDec, len(rawCoeffs))
	for i, raw := range rawCoeffs {
		d, err := types.ParseAmount(cast.ToString(raw))
		if err != nil {
			return types.ProviderPricing{}, fmt.Errorf("coefficient %d: %w", i, err)
		}
		coeffs[i] = d
	}

	pricing := types.ProviderPricing{
		StartPrice:      coeffs[len(coeffs)-1],
		CPUPerHourPrice: math.LegacyZeroDec(),
		EnvPerHourPrice: math.LegacyZeroDec(),
	}
	for i, name := range usage {
		perHour := coeffs[i].MulInt64(3600)
		switch name {
		case UsageCPUSec:
			pricing.CPUPerHourPrice = perHour
		case UsageDurationSec:
			pricing.EnvPerHourPrice = perHour
		}
	}
	return pricing, nil
}
