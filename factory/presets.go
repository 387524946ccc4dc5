package factory

import (
	"encoding/json"
)

// =============================================================================
// PRESET RULES
// =============================================================================
//
// Presets return JSON so they go through the same ParseRule path as rules
// posted to the API or read from a catalog.
//
//   rule, err := factory.ParseRule([]byte(factory.TechnicianGrossJSON("tech-10", 10)))

// TechnicianGrossJSON pays technicians a percentage of the order gross.
func TechnicianGrossJSON(id string, percent float64) string {
	return presetJSON(map[string]interface{}{
		"id":               id,
		"name":             "Technician % of gross",
		"applies_to_role":  "technician",
		"calculation_type": "percent_gross",
		"value":            percent,
		"priority":         10,
		"applies_when":     "order_completed",
	})
}

// TechnicianServicesJSON pays technicians a percentage of service lines only.
func TechnicianServicesJSON(id string, percent float64) string {
	return presetJSON(map[string]interface{}{
		"id":               id,
		"name":             "Technician % of services",
		"applies_to_role":  "technician",
		"calculation_type": "percent_services_only",
		"value":            percent,
		"priority":         10,
		"applies_to":       "services",
		"applies_when":     "order_completed",
	})
}

// SellerProfitJSON pays sellers a percentage of the order profit.
func SellerProfitJSON(id string, percent float64) string {
	return presetJSON(map[string]interface{}{
		"id":               id,
		"name":             "Seller % of profit",
		"applies_to_role":  "seller",
		"calculation_type": "percent_profit",
		"value":            percent,
		"priority":         10,
		"applies_when":     "order_completed",
	})
}

// SellerInstallmentJSON pays sellers a percentage of every installment received.
func SellerInstallmentJSON(id string, percent float64) string {
	return presetJSON(map[string]interface{}{
		"id":               id,
		"name":             "Seller % of installments",
		"applies_to_role":  "seller",
		"calculation_type": "percent_gross",
		"value":            percent,
		"priority":         10,
		"applies_when":     "installment_paid",
	})
}

// DriverFixedJSON pays drivers a fixed amount per completed order.
func DriverFixedJSON(id string, amount float64) string {
	return presetJSON(map[string]interface{}{
		"id":               id,
		"name":             "Driver fixed per order",
		"applies_to_role":  "driver",
		"calculation_type": "fixed_per_order",
		"value":            amount,
		"priority":         10,
		"applies_when":     "order_completed",
	})
}

// SellerTieredJSON pays sellers progressive tiers over the invoiced amount:
// 3% up to 5000, 5% up to 10000, 8% above.
func SellerTieredJSON(id string) string {
	return presetJSON(map[string]interface{}{
		"id":               id,
		"name":             "Seller tiered invoicing",
		"applies_to_role":  "seller",
		"calculation_type": "tiered_gross",
		"priority":         20,
		"applies_when":     "order_invoiced",
		"tiers": []map[string]interface{}{
			{"up_to": 5000, "percent": 3},
			{"up_to": 10000, "percent": 5},
			{"percent": 8},
		},
	})
}

// DefaultCatalogJSON bundles the presets into a catalog.
func DefaultCatalogJSON() string {
	var rules []json.RawMessage
	for _, r := range []string{
		TechnicianGrossJSON("tech-gross-10", 10),
		SellerProfitJSON("seller-profit-5", 5),
		SellerInstallmentJSON("seller-installment-2", 2),
		SellerTieredJSON("seller-invoice-tiered"),
		DriverFixedJSON("driver-fixed-25", 25),
	} {
		rules = append(rules, json.RawMessage(r))
	}
	b, _ := json.MarshalIndent(map[string]interface{}{"rules": rules}, "", "  ")
	return string(b)
}

func presetJSON(rule map[string]interface{}) string {
	if _, ok := rule["value"]; !ok {
		rule["value"] = 0
	}
	b, _ := json.MarshalIndent(rule, "", "  ")
	return string(b)
}
