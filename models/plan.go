package models

import "strings"

// Plan tiers. The device limits live here and only here: the presence check
// and any UI call site must go through LookupPlan instead of re-declaring the
// numbers.
type PlanTier string

const (
	PlanGratuit     PlanTier = "gratuit"
	PlanParticulier PlanTier = "particulier"
	PlanEntreprise  PlanTier = "entreprise"
	PlanElite       PlanTier = "élite"
)

// MaxDevicesUnlimited marks a tier without a device cap.
const MaxDevicesUnlimited = -1

type PlanLimits struct {
	Tier           PlanTier
	MaxDevices     int
	StorageQuotaMB int
}

var planCatalog = map[PlanTier]PlanLimits{
	PlanGratuit:     {Tier: PlanGratuit, MaxDevices: 1, StorageQuotaMB: 100},
	PlanParticulier: {Tier: PlanParticulier, MaxDevices: 3, StorageQuotaMB: 1024},
	PlanEntreprise:  {Tier: PlanEntreprise, MaxDevices: 10, StorageQuotaMB: 10240},
	PlanElite:       {Tier: PlanElite, MaxDevices: MaxDevicesUnlimited, StorageQuotaMB: 51200},
}

// LookupPlan resolves a plan id to its limits. Unknown or empty ids fall back
// to the free tier rather than failing open.
func LookupPlan(planId string) PlanLimits {
	tier := PlanTier(strings.ToLower(strings.TrimSpace(planId)))
	if tier == "elite" {
		tier = PlanElite
	}
	if limits, ok := planCatalog[tier]; ok {
		return limits
	}
	return planCatalog[PlanGratuit]
}

func (l PlanLimits) Unlimited() bool {
	return l.MaxDevices == MaxDevicesUnlimited
}
